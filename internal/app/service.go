package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"skillswap/api/internal/auth"
	"skillswap/api/internal/authpw"
	"skillswap/api/internal/avatar"
	"skillswap/api/internal/config"
	"skillswap/api/internal/email"
	"skillswap/api/internal/live"
	"skillswap/api/internal/rbac"
	"skillswap/api/internal/search"
	"skillswap/api/internal/store"
	"skillswap/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	authpw.UserStore
	sessionStore

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	GetProfile(context.Context, string) (store.Profile, error)
	UpsertProfile(context.Context, store.Profile) (store.Profile, error)
	ListProfiles(context.Context) ([]store.Profile, error)
	GetProfilesByIDs(context.Context, []string) ([]store.Profile, error)
	SearchProfilesBySkill(context.Context, string, string, int) ([]store.Profile, error)

	InsertRequest(context.Context, store.MatchRequest) (store.MatchRequest, error)
	GetRequest(context.Context, string) (store.MatchRequest, error)
	ListReceivedRequests(context.Context, string) ([]store.MatchRequest, error)
	ListSentRequests(context.Context, string) ([]store.MatchRequest, error)
	TransitionRequest(context.Context, string, string) (store.MatchRequest, bool, error)
	AcceptRequest(context.Context, string, store.Chat) (store.MatchRequest, store.Chat, bool, error)

	ProvisionChat(context.Context, store.Chat) (store.Chat, error)
	GetChat(context.Context, string) (store.Chat, error)
	ListChatsForUser(context.Context, string) ([]store.ChatSummary, error)
	SoftDeleteChat(context.Context, string) (bool, error)
	ClearChatMessages(context.Context, string) (int64, error)
	UpdateSwap(context.Context, string, string, string, string, string) (bool, error)

	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	GetMessage(context.Context, string, string) (store.Message, error)
	DeleteMessage(context.Context, string, string) (bool, error)

	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
}

type tutorSearch interface {
	SearchTutors(context.Context, search.Query) ([]search.TutorRecord, search.Source)
	IndexTutor(search.TutorRecord)
	ReindexAll([]search.TutorRecord) error
}

type avatarStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, int64, error)
}

type mailer interface {
	IsConfigured() bool
	SendMatchRequestEmail(to string, data email.MatchRequestData) error
	SendRequestAcceptedEmail(to string, data email.RequestAcceptedData) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	accounts  *authpw.Service
	search    tutorSearch
	avatars   avatarStore
	mail      mailer
	hub       *live.Hub
	publisher live.Publisher
	logger    *zap.Logger
}

type Option func(*Service)

// WithSessions keeps refresh sessions outside Postgres.
func WithSessions(sessions sessionStore) Option {
	return func(s *Service) {
		if sessions != nil {
			s.sessions = sessions
		}
	}
}

func WithSearch(svc *search.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.search = svc
		}
	}
}

func WithAvatars(objects *avatar.MinioStore) Option {
	return func(s *Service) {
		if objects != nil {
			s.avatars = objects
		}
	}
}

func WithMailer(svc *email.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.mail = svc
		}
	}
}

// WithLive sets the local hub sockets subscribe to and the publisher events
// go through. The publisher may fan out to other instances.
func WithLive(hub *live.Hub, publisher live.Publisher) Option {
	return func(s *Service) {
		if hub != nil {
			s.hub = hub
			s.publisher = hub
		}
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cfg config.Config, pg *store.PostgresStore, opts ...Option) *Service {
	return newWithStore(cfg, pg, opts...)
}

func newWithStore(cfg config.Config, ds dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		store:    ds,
		sessions: ds,
		accounts: authpw.NewService(ds),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = live.NewHub(live.DefaultBuffer)
	}
	if s.publisher == nil {
		s.publisher = s.hub
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewPgSkills(ds), s.logger)
	}
	return s
}

func (s *Service) Logger() *zap.Logger {
	return s.logger
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, mapAccountError(err)
	}
	s.search.IndexTutor(search.TutorRecord{
		ID:            user.ID,
		Username:      user.DisplayName,
		SkillsKnown:   []string{},
		SkillsToLearn: []string{},
	})
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, mapAccountError(err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := s.accounts.ChangePassword(ctx, userID, current, next); err != nil {
		return mapAccountError(err)
	}
	return nil
}

func mapAccountError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrEmailExists):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrPasswordTooShort):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	default:
		return err
	}
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	role := string(rbac.Normalize(user.Role))

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      string(rbac.Normalize(user.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	return nil
}

// Reindex pushes every profile into the tutor index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return 0, err
	}
	records := make([]search.TutorRecord, 0, len(profiles))
	for _, profile := range profiles {
		records = append(records, search.RecordFromProfile(profile))
	}
	if err := s.search.ReindexAll(records); err != nil {
		if errors.Is(err, search.ErrIndexUnavailable) {
			return 0, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search index is not available", nil)
		}
		return 0, err
	}
	return len(records), nil
}

func (s *Service) publish(ctx context.Context, ev live.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish live event", zap.String("type", ev.Type), zap.String("topic", ev.Topic()), zap.Error(err))
	}
}

// publishToUsers puts one event on each user's personal stream. payload is
// rendered per recipient so views can differ by side.
func (s *Service) publishToUsers(ctx context.Context, eventType, chatID string, payload func(userID string) any, userIDs ...string) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		s.publish(ctx, live.NewUserEvent(eventType, userID, chatID, payload(userID)))
	}
}

// notify runs a best-effort email send off the request path.
func (s *Service) notify(kind string, send func() error) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	go func() {
		if err := send(); err != nil {
			s.logger.Warn("send notification", zap.String("kind", kind), zap.Error(err))
		}
	}()
}

func (s *Service) appURL(path string) string {
	return s.cfg.AppBaseURL + path
}
