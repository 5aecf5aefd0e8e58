package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxTutors = "skillswap_tutors"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the tutor index. The
// returned value is usable even if the server is down; Healthy reports false
// until the background monitor sees it recover.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("meili"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
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
		Uid:        idxTutors,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxTutors), zap.Error(err))
	}

	index := m.client.Index(idxTutors)
	filterable := []interface{}{"id"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"skillsKnown", "username"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
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
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) SearchTutors(_ context.Context, q Query) ([]TutorRecord, error) {
	if !m.healthy.Load() {
		return nil, ErrIndexUnavailable
	}

	sr := &meili.SearchRequest{
		IndexUID: idxTutors,
		Query:    q.Skill,
		Limit:    int64(q.limit()),
	}
	if q.ExcludeUserID != "" {
		sr.Filter = []string{fmt.Sprintf("id != %q", q.ExcludeUserID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	records := make([]TutorRecord, 0)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			record, ok := tutorFromHit(hit)
			if ok {
				records = append(records, record)
			}
		}
	}
	return records, nil
}

func tutorFromHit(hit meili.Hit) (TutorRecord, bool) {
	record := TutorRecord{
		ID:            decodeString(hit, "id"),
		Username:      decodeString(hit, "username"),
		SkillsKnown:   decodeStrings(hit, "skillsKnown"),
		SkillsToLearn: decodeStrings(hit, "skillsToLearn"),
		AvatarURL:     decodeString(hit, "avatarUrl"),
	}
	return record, record.ID != ""
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

func decodeStrings(hit meili.Hit, key string) []string {
	raw, ok := hit[key]
	if !ok {
		return []string{}
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil || values == nil {
		return []string{}
	}
	return values
}

func (m *Meili) IndexTutor(record TutorRecord) error {
	_, err := m.client.Index(idxTutors).AddDocuments([]TutorRecord{record}, nil)
	return err
}

func (m *Meili) IndexTutors(records []TutorRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTutors).AddDocuments(records, nil)
	return err
}
