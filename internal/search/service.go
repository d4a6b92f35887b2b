package search

import (
	"context"
	"sync"

	"stepdocs/api/internal/logger"
	"stepdocs/api/internal/store"
)

// indexer is the write side of Meili, split out for tests.
type indexer interface {
	Healthy() bool
	IndexRecords(records []Record) error
}

// Service tries the primary searcher first and falls back when it is
// unhealthy or errors. primary may be nil.
type Service struct {
	primary  Searcher
	index    indexer
	fallback Searcher
	log      *logger.Logger
	wg       sync.WaitGroup
}

func NewService(meili *Meili, fallback Searcher, log *logger.Logger) *Service {
	s := &Service{fallback: fallback, log: log.With("component", "search")}
	if meili != nil {
		s.primary = meili
		s.index = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("primary search failed, falling back", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SyncStep pushes a step's current documents to the index in the background.
// Search stays eventually consistent with the store.
func (s *Service) SyncStep(stepID string, current []store.Document) {
	if s.index == nil || !s.index.Healthy() || len(current) == 0 {
		return
	}
	records := make([]Record, 0, len(current))
	for _, doc := range current {
		records = append(records, RecordFromDocument(doc))
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.IndexRecords(records); err != nil {
			s.log.Warn("index step documents", "step_id", stepID, "error", err)
		}
	}()
}

// ReindexAll loads every current document and pushes it to the index.
func (s *Service) ReindexAll(ctx context.Context, lister CurrentLister) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	docs, err := lister.ListCurrentDocuments(ctx)
	if err != nil {
		s.log.Error("reindex load failed", "error", err)
		return
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFromDocument(doc))
	}
	if err := s.index.IndexRecords(records); err != nil {
		s.log.Error("reindex failed", "error", err)
		return
	}
	s.log.Info("reindexed current documents", "count", len(records))
}

// Wait blocks until background index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
