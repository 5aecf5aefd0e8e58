package search

import (
	"context"

	"go.uber.org/zap"
)

// Source names which backends answered a search.
type Source string

const (
	SourceIndex    Source = "meilisearch"
	SourceDatabase Source = "postgres"
	SourceMerged   Source = "postgres+meilisearch"
	SourceNone     Source = "none"
)

// Service is the facade over the Postgres matcher and the optional
// Meilisearch index. Postgres decides the candidate set; the index can only
// add to it, since its prefix and typo matching is not a substring match and
// it lags behind profile writes.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if meili == nil {
		return newService(nil, nil, fallback, logger)
	}
	return newService(meili, meili, fallback, logger)
}

func newService(primary Searcher, indexer Indexer, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{primary: primary, indexer: indexer, fallback: fallback, logger: logger.Named("search")}
}

// SearchTutors returns the Postgres matches plus any extra index hits. When
// Postgres fails the index answers alone.
func (s *Service) SearchTutors(ctx context.Context, q Query) ([]TutorRecord, Source) {
	var (
		records []TutorRecord
		dbOK    bool
	)
	if s.fallback != nil {
		found, err := s.fallback.SearchTutors(ctx, q)
		if err != nil {
			s.logger.Error("postgres tutor search failed", zap.Error(err))
		} else {
			records, dbOK = found, true
		}
	}

	hits, indexOK := s.searchIndex(ctx, q)
	switch {
	case dbOK && indexOK:
		merged, added := mergeRecords(records, hits)
		if added == 0 {
			return nonNilRecords(merged), SourceDatabase
		}
		return merged, SourceMerged
	case dbOK:
		return nonNilRecords(records), SourceDatabase
	case indexOK:
		return nonNilRecords(hits), SourceIndex
	default:
		return []TutorRecord{}, SourceNone
	}
}

func (s *Service) searchIndex(ctx context.Context, q Query) ([]TutorRecord, bool) {
	if s.primary == nil || !s.primary.Healthy() {
		return nil, false
	}
	hits, err := s.primary.SearchTutors(ctx, q)
	if err != nil {
		s.logger.Warn("index search failed", zap.Error(err))
		return nil, false
	}
	return hits, true
}

// mergeRecords appends hits whose IDs are not already in base.
func mergeRecords(base, hits []TutorRecord) ([]TutorRecord, int) {
	seen := make(map[string]struct{}, len(base))
	for _, record := range base {
		seen[record.ID] = struct{}{}
	}
	added := 0
	for _, hit := range hits {
		if _, ok := seen[hit.ID]; ok {
			continue
		}
		seen[hit.ID] = struct{}{}
		base = append(base, hit)
		added++
	}
	return base, added
}

// IndexTutor indexes a profile (fire-and-forget to Meilisearch).
func (s *Service) IndexTutor(record TutorRecord) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.IndexTutor(record); err != nil {
			s.logger.Warn("index tutor", zap.String("user_id", record.ID), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every record to Meilisearch synchronously.
func (s *Service) ReindexAll(records []TutorRecord) error {
	if s.indexer == nil || !s.indexer.Healthy() {
		return ErrIndexUnavailable
	}
	if err := s.indexer.IndexTutors(records); err != nil {
		return err
	}
	s.logger.Info("reindexed tutors", zap.Int("count", len(records)))
	return nil
}

func nonNilRecords(records []TutorRecord) []TutorRecord {
	if records == nil {
		return []TutorRecord{}
	}
	return records
}
