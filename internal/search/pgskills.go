package search

import (
	"context"
	"strings"

	"skillswap/api/internal/store"
)

// ProfileSource is the store query PgSkills runs.
type ProfileSource interface {
	SearchProfilesBySkill(ctx context.Context, needle, excludeUserID string, limit int) ([]store.Profile, error)
}

// PgSkills implements Searcher with a substring match over profiles.skills_known.
type PgSkills struct {
	source ProfileSource
}

func NewPgSkills(source ProfileSource) *PgSkills {
	return &PgSkills{source: source}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgSkills) Healthy() bool {
	return true
}

func (p *PgSkills) SearchTutors(ctx context.Context, q Query) ([]TutorRecord, error) {
	needle := strings.TrimSpace(q.Skill)
	if needle == "" {
		return []TutorRecord{}, nil
	}
	profiles, err := p.source.SearchProfilesBySkill(ctx, needle, q.ExcludeUserID, q.limit())
	if err != nil {
		return nil, err
	}
	records := make([]TutorRecord, 0, len(profiles))
	for _, profile := range profiles {
		records = append(records, RecordFromProfile(profile))
	}
	return records, nil
}

func RecordFromProfile(profile store.Profile) TutorRecord {
	return TutorRecord{
		ID:            profile.UserID,
		Username:      profile.Username,
		SkillsKnown:   nonNilStrings(profile.SkillsKnown),
		SkillsToLearn: nonNilStrings(profile.SkillsToLearn),
		AvatarURL:     profile.AvatarURL,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
