package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxMessages = "devstudio_messages"

// Meili implements MessageIndex via Meilisearch.
type Meili struct {
	client    meili.ServiceManager
	healthy   atomic.Bool
	recovered chan struct{}
	done      chan struct{}
}

// NewMeili creates a Meilisearch client and configures the message index.
// The client starts unhealthy if the first health check fails and recovers
// in the background.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:    client,
		recovered: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMessages,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxMessages, err)
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"scope", "ownerId", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxMessages, err)
	}
	searchable := []string{"body", "displayName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxMessages, err)
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs for %s: %v", idxMessages, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
				m.signalRecovered()
			}
		}
	}
}

// Recovered receives a value each time the index turns healthy again.
// Writes may have been dropped while it was down.
func (m *Meili) Recovered() <-chan struct{} {
	return m.recovered
}

func (m *Meili) signalRecovered() {
	select {
	case m.recovered <- struct{}{}:
	default:
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	limit, offset := normalizePage(q)

	sr := &meili.SearchRequest{
		IndexUID:              idxMessages,
		Query:                 q.Text,
		Limit:                 int64(limit),
		Offset:                int64(offset),
		Filter:                messageFilter(q),
		AttributesToHighlight: []string{"body"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func messageFilter(q Query) []string {
	filters := []string{"scope = " + filterValue(q.Scope)}
	if q.OwnerID != "" {
		filters = append(filters, "ownerId = "+filterValue(q.OwnerID))
	}
	return filters
}

// filterValue double-quotes v for a Meilisearch filter. The filter syntax
// only knows the \" and \\ escapes; every other byte is taken literally.
func filterValue(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		Scope:       decodeString(hit, "scope"),
		OwnerID:     decodeString(hit, "ownerId"),
		DisplayName: decodeString(hit, "displayName"),
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	if raw, ok := hit["createdAt"]; ok {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			r.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexMessages adds or updates messages in the index.
func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(records, nil)
	return m.checkWrite(err)
}

func (m *Meili) DeleteByOwner(scope, ownerID string) error {
	filter := "scope = " + filterValue(scope) + " AND ownerId = " + filterValue(ownerID)
	_, err := m.client.Index(idxMessages).DeleteDocumentsByFilter(filter, nil)
	return m.checkWrite(err)
}

func (m *Meili) DeleteScope(scope string) error {
	_, err := m.client.Index(idxMessages).DeleteDocumentsByFilter("scope = "+filterValue(scope), nil)
	return m.checkWrite(err)
}

// checkWrite marks the index unhealthy after a failed write. The write is
// lost, so the health loop's recovery signal must lead to a reindex.
func (m *Meili) checkWrite(err error) error {
	if err != nil {
		m.healthy.Store(false)
	}
	return err
}

// ReplaceAll drops every indexed message and indexes records.
func (m *Meili) ReplaceAll(records []MessageRecord) error {
	if _, err := m.client.Index(idxMessages).DeleteAllDocuments(nil); err != nil {
		return m.checkWrite(err)
	}
	return m.IndexMessages(records)
}
