package realtime

import (
	"context"
	"log"
	"time"

	"devstudio/api/internal/store"
)

// MessageStore is the row store being decorated.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg store.Message) error
	ListMessages(ctx context.Context, scope string) ([]store.Message, error)
	DeleteMessagesByOwner(ctx context.Context, scope, ownerID string) (int64, error)
	DeleteAllMessages(ctx context.Context, scope string) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublishingStore fans out a change event after every successful write.
// A failed publish is logged and does not fail the write: subscribers
// resync on their next reconnect.
type PublishingStore struct {
	MessageStore
	publisher Publisher
}

func NewPublishingStore(rows MessageStore, publisher Publisher) *PublishingStore {
	return &PublishingStore{MessageStore: rows, publisher: publisher}
}

func (s *PublishingStore) InsertMessage(ctx context.Context, msg store.Message) error {
	if err := s.MessageStore.InsertMessage(ctx, msg); err != nil {
		return err
	}
	row := msg
	s.publish(ctx, Event{Kind: EventInsert, Scope: msg.Scope, Message: &row})
	return nil
}

func (s *PublishingStore) DeleteMessagesByOwner(ctx context.Context, scope, ownerID string) (int64, error) {
	n, err := s.MessageStore.DeleteMessagesByOwner(ctx, scope, ownerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, Event{Kind: EventDelete, Scope: scope, OwnerID: ownerID})
	}
	return n, nil
}

func (s *PublishingStore) DeleteAllMessages(ctx context.Context, scope string) (int64, error) {
	n, err := s.MessageStore.DeleteAllMessages(ctx, scope)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, Event{Kind: EventDelete, Scope: scope})
	}
	return n, nil
}

func (s *PublishingStore) publish(ctx context.Context, ev Event) {
	ev.At = time.Now().UTC()
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("realtime: publish %s on scope %s: %v", ev.Kind, ev.Scope, err)
	}
}
