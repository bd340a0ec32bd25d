package search

import (
	"context"

	"go.uber.org/zap"

	"refmanager/api/internal/logging"
)

// Index is the primary backend: searchable and writable.
type Index interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Index
	fallback Searcher
	loader   RecordLoader
	logger   *zap.Logger
}

// RecordLoader supplies every citation for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]CitationRecord, error)
}

// NewService creates a search service. primary may be nil when Meilisearch is
// not configured.
func NewService(primary Index, fallback *PgFTS, logger *zap.Logger) *Service {
	s := &Service{primary: primary, logger: logging.OrNop(logger).Named("search")}
	if fallback != nil {
		s.fallback = fallback
		s.loader = fallback
	}
	return s
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("primary search failed, falling back to pgfts", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCitation indexes a citation (fire-and-forget).
func (s *Service) IndexCitation(record CitationRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexCitations([]CitationRecord{record}); err != nil {
			s.logger.Warn("index citation", zap.String("citation_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteCitations removes citations from the index (fire-and-forget).
func (s *Service) DeleteCitations(ids []string) {
	if !s.primaryReady() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.primary.DeleteCitations(ids); err != nil {
			s.logger.Warn("delete citations from index", zap.Strings("citation_ids", ids), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every citation from PostgreSQL into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.primary.IndexCitations(records); err != nil {
		s.logger.Error("reindex citations", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	s.logger.Info("reindexed citations", zap.Int("count", len(records)))
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
