package util

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID, optionally prefixed. IDs created later in the same
// process sort after earlier ones, so they break created_at ties in insertion order.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IDTime extracts the embedded millisecond timestamp from an ID made by NewID.
func IDTime(id string) (time.Time, bool) {
	if idx := strings.LastIndexByte(id, '_'); idx >= 0 {
		id = id[idx+1:]
	}
	parsed, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
