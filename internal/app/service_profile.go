package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"skillswap/api/internal/avatar"
	"skillswap/api/internal/search"
	"skillswap/api/internal/skills"
	"skillswap/api/internal/store"
	"skillswap/api/internal/util"
)

const (
	maxUsernameRunes  = 64
	maxSkillItems     = 50
	maxSkillRunes     = 64
	defaultHeaderName = "User"
)

type ProfileView struct {
	UserID               string     `json:"userId"`
	Username             string     `json:"username"`
	SkillsKnown          []string   `json:"skillsKnown"`
	SkillsToLearn        []string   `json:"skillsToLearn"`
	SkillsKnownDisplay   string     `json:"skillsKnownDisplay"`
	SkillsToLearnDisplay string     `json:"skillsToLearnDisplay"`
	AvatarURL            string     `json:"avatarUrl"`
	Complete             bool       `json:"complete"`
	UpdatedAt            *time.Time `json:"updatedAt,omitempty"`
}

// ProfileInput is a partial update; nil fields keep their stored value.
type ProfileInput struct {
	Username      *string      `json:"username"`
	SkillsKnown   *skills.List `json:"skillsKnown"`
	SkillsToLearn *skills.List `json:"skillsToLearn"`
	AvatarURL     *string      `json:"avatarUrl"`
}

type HeaderView struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

func profileComplete(profile store.Profile) bool {
	return strings.TrimSpace(profile.Username) != ""
}

func profileView(profile store.Profile) ProfileView {
	view := ProfileView{
		UserID:               profile.UserID,
		Username:             profile.Username,
		SkillsKnown:          skills.Parse(profile.SkillsKnown),
		SkillsToLearn:        skills.Parse(profile.SkillsToLearn),
		SkillsKnownDisplay:   skills.Format(profile.SkillsKnown),
		SkillsToLearnDisplay: skills.Format(profile.SkillsToLearn),
		AvatarURL:            profile.AvatarURL,
		Complete:             profileComplete(profile),
	}
	if view.AvatarURL == "" {
		view.AvatarURL = avatar.Default
	}
	if !profile.UpdatedAt.IsZero() {
		updated := profile.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view
}

// loadProfile returns the stored profile or an empty one for the user.
func (s *Service) loadProfile(ctx context.Context, userID string) (store.Profile, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Profile{UserID: userID, SkillsKnown: []string{}, SkillsToLearn: []string{}}, nil
	}
	if err != nil {
		return store.Profile{}, err
	}
	return profile, nil
}

func (s *Service) GetProfile(ctx context.Context, userID string) (ProfileView, error) {
	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return ProfileView{}, err
	}
	return profileView(profile), nil
}

func (s *Service) GetHeader(ctx context.Context, userID string) (HeaderView, error) {
	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return HeaderView{}, err
	}
	header := HeaderView{UserID: userID, Username: strings.TrimSpace(profile.Username), AvatarURL: profile.AvatarURL}
	if header.Username == "" {
		header.Username = defaultHeaderName
	}
	if header.AvatarURL == "" {
		header.AvatarURL = avatar.Placeholder
	}
	return header, nil
}

func (s *Service) AvatarOptions() map[string]any {
	return map[string]any{
		"options": avatar.Presets(),
		"default": avatar.Default,
	}
}

func (s *Service) SaveProfile(ctx context.Context, userID string, input ProfileInput) (ProfileView, error) {
	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return ProfileView{}, err
	}

	if input.Username != nil {
		username := strings.TrimSpace(*input.Username)
		if utf8.RuneCountInString(username) > maxUsernameRunes {
			return ProfileView{}, validationError(fmt.Sprintf("Username must be at most %d characters.", maxUsernameRunes), "username")
		}
		profile.Username = username
	}
	if input.SkillsKnown != nil {
		list := skills.Parse([]string(*input.SkillsKnown))
		if err := validateSkillList(list, "skillsKnown"); err != nil {
			return ProfileView{}, err
		}
		profile.SkillsKnown = list
	}
	if input.SkillsToLearn != nil {
		list := skills.Parse([]string(*input.SkillsToLearn))
		if err := validateSkillList(list, "skillsToLearn"); err != nil {
			return ProfileView{}, err
		}
		profile.SkillsToLearn = list
	}
	if input.AvatarURL != nil {
		url := strings.TrimSpace(*input.AvatarURL)
		if url == "" {
			url = avatar.Default
		}
		if !avatar.IsPreset(url) && !avatar.OwnsUpload(userID, url) {
			return ProfileView{}, validationError("Please choose one of the available avatars.", "avatarUrl")
		}
		profile.AvatarURL = url
	}
	if profile.AvatarURL == "" {
		profile.AvatarURL = avatar.Default
	}

	return s.persistProfile(ctx, profile)
}

func (s *Service) persistProfile(ctx context.Context, profile store.Profile) (ProfileView, error) {
	saved, err := s.store.UpsertProfile(ctx, profile)
	if err != nil {
		return ProfileView{}, err
	}
	s.search.IndexTutor(search.RecordFromProfile(saved))
	return profileView(saved), nil
}

func validateSkillList(list []string, field string) error {
	if len(list) > maxSkillItems {
		return validationError(fmt.Sprintf("At most %d skills are allowed.", maxSkillItems), field)
	}
	for _, item := range list {
		if utf8.RuneCountInString(item) > maxSkillRunes {
			return validationError(fmt.Sprintf("Each skill must be at most %d characters.", maxSkillRunes), field)
		}
	}
	return nil
}

func validationError(message, field string) *DomainError {
	var details any
	if field != "" {
		details = map[string]any{"field": field}
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// UploadAvatar stores the image and points the profile at it.
func (s *Service) UploadAvatar(ctx context.Context, userID, contentType string, data []byte) (ProfileView, error) {
	if s.avatars == nil {
		return ProfileView{}, domainError(http.StatusServiceUnavailable, "AVATAR_STORAGE_UNAVAILABLE", "Avatar uploads are not available", nil)
	}
	ext, ok := avatar.Extension(contentType)
	if !ok {
		return ProfileView{}, domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Avatar must be a PNG, JPEG, WebP or GIF image", map[string]any{"contentType": contentType})
	}
	if int64(len(data)) > s.cfg.AvatarMaxBytes {
		return ProfileView{}, domainError(http.StatusRequestEntityTooLarge, "AVATAR_TOO_LARGE", "Avatar is too large", map[string]any{"maxBytes": s.cfg.AvatarMaxBytes})
	}
	if len(data) == 0 {
		return ProfileView{}, validationError("Avatar image is empty.", "avatar")
	}

	profile, err := s.loadProfile(ctx, userID)
	if err != nil {
		return ProfileView{}, err
	}

	file := avatar.FileName(util.NewID("avt"), ext)
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if err := s.avatars.Put(ctx, avatar.ObjectKey(userID, file), mediaType, bytes.NewReader(data), int64(len(data))); err != nil {
		s.logger.Error("store avatar", zap.String("user_id", userID), zap.Error(err))
		return ProfileView{}, domainError(http.StatusServiceUnavailable, "AVATAR_STORAGE_UNAVAILABLE", "Avatar upload failed", nil)
	}

	profile.AvatarURL = avatar.URL(userID, file)
	return s.persistProfile(ctx, profile)
}

// OpenAvatar streams an uploaded avatar. The caller closes the reader.
func (s *Service) OpenAvatar(ctx context.Context, userID, file string) (io.ReadCloser, string, int64, error) {
	if !avatar.ValidFileName(file) || strings.TrimSpace(userID) == "" {
		return nil, "", 0, domainError(http.StatusNotFound, "NOT_FOUND", "Avatar not found", nil)
	}
	if s.avatars == nil {
		return nil, "", 0, domainError(http.StatusServiceUnavailable, "AVATAR_STORAGE_UNAVAILABLE", "Avatar storage is not available", nil)
	}
	body, contentType, size, err := s.avatars.Get(ctx, avatar.ObjectKey(userID, file))
	if errors.Is(err, avatar.ErrObjectNotFound) {
		return nil, "", 0, domainError(http.StatusNotFound, "NOT_FOUND", "Avatar not found", nil)
	}
	if err != nil {
		return nil, "", 0, err
	}
	if contentType == "" {
		contentType = avatar.ContentTypeForFile(file)
	}
	return body, contentType, size, nil
}
