package app

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"skillswap/api/internal/avatar"
	"skillswap/api/internal/search"
	"skillswap/api/internal/skills"
	"skillswap/api/internal/store"
)

const anonymousTutor = "Anonymous Tutor"

type TutorCard struct {
	UserID               string   `json:"userId"`
	Username             string   `json:"username"`
	AvatarURL            string   `json:"avatarUrl"`
	SkillsKnown          []string `json:"skillsKnown"`
	SkillsToLearn        []string `json:"skillsToLearn"`
	SkillsKnownDisplay   string   `json:"skillsKnownDisplay"`
	SkillsToLearnDisplay string   `json:"skillsToLearnDisplay"`
}

type TutorResults struct {
	Skill  string      `json:"skill"`
	Tutors []TutorCard `json:"tutors"`
	Count  int         `json:"count"`
}

// FindTutors lists everyone but the viewer who knows a skill containing the
// query. Whenever the index contributed hits the set is reloaded from the
// store so cards never show stale profile data.
func (s *Service) FindTutors(ctx context.Context, viewerID, skill string) (TutorResults, error) {
	skill = strings.TrimSpace(skill)
	if skill == "" {
		return TutorResults{}, validationError("Please enter a skill to search.", "skill")
	}

	records, source := s.search.SearchTutors(ctx, search.Query{Skill: skill, ExcludeUserID: viewerID})
	if source != search.SourceDatabase && len(records) > 0 {
		reloaded, err := s.reloadTutors(ctx, records)
		if err != nil {
			return TutorResults{}, err
		}
		records = reloaded
	}

	cards := make([]TutorCard, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.ID == "" || record.ID == viewerID {
			continue
		}
		if _, dup := seen[record.ID]; dup {
			continue
		}
		if !skills.Matches(record.SkillsKnown, skill) {
			continue
		}
		seen[record.ID] = struct{}{}
		cards = append(cards, tutorCard(record))
	}
	sortTutors(cards)

	s.logger.Debug("tutor search",
		zap.String("source", string(source)),
		zap.Int("hits", len(records)),
		zap.Int("count", len(cards)),
	)
	return TutorResults{Skill: skill, Tutors: cards, Count: len(cards)}, nil
}

func (s *Service) reloadTutors(ctx context.Context, records []search.TutorRecord) ([]search.TutorRecord, error) {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	profiles, err := s.store.GetProfilesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]search.TutorRecord, 0, len(profiles))
	for _, profile := range profiles {
		out = append(out, search.RecordFromProfile(profile))
	}
	return out, nil
}

func tutorCard(record search.TutorRecord) TutorCard {
	card := TutorCard{
		UserID:               record.ID,
		Username:             strings.TrimSpace(record.Username),
		AvatarURL:            record.AvatarURL,
		SkillsKnown:          skills.Parse(record.SkillsKnown),
		SkillsToLearn:        skills.Parse(record.SkillsToLearn),
		SkillsKnownDisplay:   skills.Format(record.SkillsKnown),
		SkillsToLearnDisplay: skills.Format(record.SkillsToLearn),
	}
	if card.Username == "" {
		card.Username = anonymousTutor
	}
	if card.AvatarURL == "" {
		card.AvatarURL = avatar.TutorPlaceholder
	}
	return card
}

func sortTutors(cards []TutorCard) {
	sort.SliceStable(cards, func(i, j int) bool {
		left, right := strings.ToLower(cards[i].Username), strings.ToLower(cards[j].Username)
		if left != right {
			return left < right
		}
		return cards[i].UserID < cards[j].UserID
	})
}

// displayName falls back when a profile has no username yet.
func displayName(profile store.Profile, fallback string) string {
	if name := strings.TrimSpace(profile.Username); name != "" {
		return name
	}
	return fallback
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}
