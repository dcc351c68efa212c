package search

import (
	"context"
	"log"
)

// RecordLoader reads every message for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    MessageIndex
	fallback Searcher
	loader   RecordLoader
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index MessageIndex, fallback Searcher, loader RecordLoader) *Service {
	return &Service{index: index, fallback: fallback, loader: loader}
}

// Search tries the index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// ReindexAll reads every message from PG and replaces the index contents.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexReady() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.index.ReplaceAll(records); err != nil {
		log.Printf("search: reindex messages: %v", err)
	}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
