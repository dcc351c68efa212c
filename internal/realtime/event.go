// Package realtime fans row changes out to every connected client over
// Redis pub/sub, one channel per scope.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"devstudio/api/internal/store"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventDelete EventKind = "delete"
	// EventConnected is never published. A subscription emits it locally each
	// time the server confirms the (re)subscription, so consumers can resync
	// whatever they missed while disconnected.
	EventConnected EventKind = "connected"
)

// Event is a change notification for one scope. Delete events may carry
// OwnerID as a hint, but they never enumerate the removed rows.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Scope   string         `json:"scope"`
	Message *store.Message `json:"message,omitempty"`
	OwnerID string         `json:"ownerId,omitempty"`
	At      time.Time      `json:"at"`
}

const channelPrefix = "chat:scope:"

func channelFor(scope string) string {
	return channelPrefix + scope
}

func encodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

func decodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	switch ev.Kind {
	case EventInsert:
		if ev.Message == nil {
			return Event{}, fmt.Errorf("insert event without message")
		}
	case EventDelete:
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return ev, nil
}
