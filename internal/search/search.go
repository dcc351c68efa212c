// Package search indexes chat messages and answers full-text queries,
// using Meilisearch when it is reachable and Postgres FTS otherwise.
package search

import (
	"context"
	"time"

	"devstudio/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	OwnerID     string    `json:"ownerId"`
	DisplayName string    `json:"displayName"`
	Snippet     string    `json:"snippet"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Query describes a search request. Scope is required.
type Query struct {
	Text    string
	Scope   string
	OwnerID string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageIndex is a search index that can be written to.
type MessageIndex interface {
	Searcher
	IndexMessages(records []MessageRecord) error
	DeleteByOwner(scope, ownerID string) error
	DeleteScope(scope string) error
	ReplaceAll(records []MessageRecord) error
	// Recovered signals each unhealthy to healthy transition.
	Recovered() <-chan struct{}
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID          string `json:"id"`
	Scope       string `json:"scope"`
	OwnerID     string `json:"ownerId"`
	DisplayName string `json:"displayName"`
	Body        string `json:"body"`
	Kind        string `json:"kind"`
	CreatedAt   int64  `json:"createdAt"`
}

func RecordFromMessage(msg store.Message) MessageRecord {
	return MessageRecord{
		ID:          msg.ID,
		Scope:       msg.Scope,
		OwnerID:     msg.OwnerID,
		DisplayName: msg.DisplayName,
		Body:        msg.Body,
		Kind:        msg.Kind,
		CreatedAt:   msg.CreatedAt.UnixMilli(),
	}
}

const defaultLimit = 20

func normalizePage(q Query) (limit, offset int) {
	limit = q.Limit
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	offset = q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
