package search

import (
	"context"
	"errors"
)

// ErrIndexUnavailable is returned by operations that need Meilisearch when it
// is not configured or not healthy.
var ErrIndexUnavailable = errors.New("search index unavailable")

// TutorRecord is the data we index for a profile.
type TutorRecord struct {
	ID            string   `json:"id"`
	Username      string   `json:"username"`
	SkillsKnown   []string `json:"skillsKnown"`
	SkillsToLearn []string `json:"skillsToLearn"`
	AvatarURL     string   `json:"avatarUrl"`
}

// Query describes a tutor search.
type Query struct {
	Skill         string
	ExcludeUserID string
	Limit         int
}

// Searcher returns tutor candidates for a skill. Callers apply the exact
// skill predicate themselves; a searcher may return extra candidates.
type Searcher interface {
	SearchTutors(ctx context.Context, q Query) ([]TutorRecord, error)
	Healthy() bool
}

// Indexer pushes profiles into a search index.
type Indexer interface {
	IndexTutor(record TutorRecord) error
	IndexTutors(records []TutorRecord) error
	Healthy() bool
}

const defaultLimit = 200

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}
