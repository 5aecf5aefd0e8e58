package app

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"skillswap/api/internal/authpw"
	"skillswap/api/internal/avatar"
	"skillswap/api/internal/config"
	"skillswap/api/internal/email"
	"skillswap/api/internal/live"
	"skillswap/api/internal/search"
	"skillswap/api/internal/skills"
	"skillswap/api/internal/store"
)

// fakeStore is an in-memory dataStore. The Fn hooks override single methods
// when a test needs to inject a failure or a race.
type fakeStore struct {
	mu       sync.Mutex
	clock    time.Time
	users    map[string]store.User
	profiles map[string]store.Profile
	requests map[string]store.MatchRequest
	chats    map[string]store.Chat
	messages map[string][]store.Message
	sessions map[string]string
	revoked  map[string]bool

	getRequestFn    func(context.Context, string) (store.MatchRequest, error)
	updateSwapFn    func(context.Context, string, string, string, string, string) (bool, error)
	insertRequestFn func(context.Context, store.MatchRequest) (store.MatchRequest, error)
	pingFn          func(context.Context) error
	// beforeInsertMessage runs outside the lock, ahead of the insert.
	beforeInsertMessage func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		users:    map[string]store.User{},
		profiles: map[string]store.Profile{},
		requests: map[string]store.MatchRequest{},
		chats:    map[string]store.Chat{},
		messages: map[string][]store.Message{},
		sessions: map[string]string{},
		revoked:  map[string]bool{},
	}
}

// tick advances the fake clock so rows get distinct, ordered timestamps.
func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) addUser(id, username string, known ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = store.User{ID: id, Email: id + "@example.com", DisplayName: username, Role: "member"}
	f.profiles[id] = store.Profile{UserID: id, Username: username, SkillsKnown: known, SkillsToLearn: []string{}}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) CreateUserWithProfile(_ context.Context, user store.User, profile store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	f.users[user.ID] = user
	f.profiles[user.ID] = profile
	return nil
}

func (f *fakeStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = hash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[hash] = userID
	return nil
}

func (f *fakeStore) ConsumeRefreshSession(_ context.Context, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.sessions[hash]
	if !ok {
		return "", store.ErrNotFound
	}
	delete(f.sessions, hash)
	return userID, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, hash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return profile, nil
}

func (f *fakeStore) UpsertProfile(_ context.Context, profile store.Profile) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	if existing, ok := f.profiles[profile.UserID]; ok {
		profile.CreatedAt = existing.CreatedAt
	} else {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	f.profiles[profile.UserID] = profile
	return profile, nil
}

func (f *fakeStore) ListProfiles(_ context.Context) ([]store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Profile, 0, len(f.profiles))
	for _, profile := range f.profiles {
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) GetProfilesByIDs(_ context.Context, ids []string) ([]store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Profile{}
	for _, id := range ids {
		if profile, ok := f.profiles[id]; ok {
			out = append(out, profile)
		}
	}
	return out, nil
}

func (f *fakeStore) SearchProfilesBySkill(_ context.Context, needle, exclude string, _ int) ([]store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Profile{}
	for _, profile := range f.profiles {
		if profile.UserID != exclude && skills.Matches(profile.SkillsKnown, needle) {
			out = append(out, profile)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertRequest(ctx context.Context, item store.MatchRequest) (store.MatchRequest, error) {
	if f.insertRequestFn != nil {
		return f.insertRequestFn(ctx, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.requests {
		if existing.Status == store.RequestPending &&
			existing.SenderID == item.SenderID &&
			existing.ReceiverID == item.ReceiverID &&
			strings.EqualFold(existing.SkillToLearn, item.SkillToLearn) {
			return store.MatchRequest{}, store.ErrConflict
		}
	}
	now := f.tick()
	item.Status = store.RequestPending
	item.CreatedAt = now
	item.UpdatedAt = now
	f.requests[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetRequest(ctx context.Context, id string) (store.MatchRequest, error) {
	if f.getRequestFn != nil {
		return f.getRequestFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.requests[id]
	if !ok {
		return store.MatchRequest{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeStore) listRequests(match func(store.MatchRequest) bool) []store.MatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.MatchRequest{}
	for _, item := range f.requests {
		if match(item) {
			out = append(out, item)
		}
	}
	return out
}

func (f *fakeStore) ListReceivedRequests(_ context.Context, userID string) ([]store.MatchRequest, error) {
	return f.listRequests(func(item store.MatchRequest) bool { return item.ReceiverID == userID }), nil
}

func (f *fakeStore) ListSentRequests(_ context.Context, userID string) ([]store.MatchRequest, error) {
	return f.listRequests(func(item store.MatchRequest) bool { return item.SenderID == userID }), nil
}

func (f *fakeStore) transitionLocked(id, status, chatID string) (store.MatchRequest, bool) {
	item, ok := f.requests[id]
	if !ok || item.Status != store.RequestPending {
		return store.MatchRequest{}, false
	}
	now := f.tick()
	item.Status = status
	item.ChatID = chatID
	item.UpdatedAt = now
	item.RespondedAt = &now
	f.requests[id] = item
	return item, true
}

func (f *fakeStore) TransitionRequest(_ context.Context, id, status string) (store.MatchRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.transitionLocked(id, status, "")
	return item, ok, nil
}

func (f *fakeStore) AcceptRequest(_ context.Context, id string, chat store.Chat) (store.MatchRequest, store.Chat, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.requests[id]; !ok || item.Status != store.RequestPending {
		return store.MatchRequest{}, store.Chat{}, false, nil
	}
	provisioned := f.provisionLocked(chat)
	item, _ := f.transitionLocked(id, store.RequestAccepted, provisioned.ID)
	return item, provisioned, true, nil
}

func (f *fakeStore) provisionLocked(chat store.Chat) store.Chat {
	for id, existing := range f.chats {
		if existing.PairKey == chat.PairKey {
			existing.DeletedAt = nil
			if existing.OriginRequestID == "" {
				existing.OriginRequestID = chat.OriginRequestID
			}
			f.chats[id] = existing
			return existing
		}
	}
	chat.CreatedAt = f.tick()
	f.chats[chat.ID] = chat
	return chat
}

func (f *fakeStore) ProvisionChat(_ context.Context, chat store.Chat) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisionLocked(chat), nil
}

func (f *fakeStore) GetChat(_ context.Context, id string) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return store.Chat{}, store.ErrNotFound
	}
	return chat, nil
}

func (f *fakeStore) ListChatsForUser(_ context.Context, userID string) ([]store.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatSummary{}
	for _, chat := range f.chats {
		if !chat.HasMember(userID) || !chat.Active() {
			continue
		}
		summary := store.ChatSummary{Chat: chat}
		if msgs := f.messages[chat.ID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			at := last.CreatedAt
			summary.LastMessageAt = &at
			summary.LastMessagePreview = last.Body
		}
		out = append(out, summary)
	}
	return out, nil
}

func (f *fakeStore) SoftDeleteChat(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok || !chat.Active() {
		return false, nil
	}
	now := f.tick()
	chat.DeletedAt = &now
	chat.SwapRequester = ""
	chat.SwapStatus = ""
	f.chats[id] = chat
	delete(f.messages, id)
	return true, nil
}

func (f *fakeStore) ClearChatMessages(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := int64(len(f.messages[id]))
	delete(f.messages, id)
	return removed, nil
}

func (f *fakeStore) UpdateSwap(ctx context.Context, id, expectRequester, expectStatus, requester, status string) (bool, error) {
	if f.updateSwapFn != nil {
		return f.updateSwapFn(ctx, id, expectRequester, expectStatus, requester, status)
	}
	return f.updateSwap(id, expectRequester, expectStatus, requester, status), nil
}

func (f *fakeStore) updateSwap(id, expectRequester, expectStatus, requester, status string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok || !chat.Active() || chat.SwapRequester != expectRequester || chat.SwapStatus != expectStatus {
		return false
	}
	chat.SwapRequester = requester
	chat.SwapStatus = status
	f.chats[id] = chat
	return true
}

func (f *fakeStore) InsertMessage(_ context.Context, msg store.Message) (store.Message, error) {
	if f.beforeInsertMessage != nil {
		f.beforeInsertMessage()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if chat, ok := f.chats[msg.ChatID]; !ok || !chat.Active() {
		return store.Message{}, store.ErrNotFound
	}
	msg.CreatedAt = f.tick()
	f.messages[msg.ChatID] = append(f.messages[msg.ChatID], msg)
	return msg, nil
}

func (f *fakeStore) ListMessages(_ context.Context, chatID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message{}, f.messages[chatID]...), nil
}

func (f *fakeStore) GetMessage(_ context.Context, chatID, messageID string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.messages[chatID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) DeleteMessage(_ context.Context, chatID, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	for i, msg := range msgs {
		if msg.ID == messageID {
			f.messages[chatID] = append(msgs[:i:i], msgs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) chatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chats)
}

type fakeSearch struct {
	mu      sync.Mutex
	records []search.TutorRecord
	source  search.Source
	indexed []search.TutorRecord
	err     error
}

func (f *fakeSearch) SearchTutors(context.Context, search.Query) ([]search.TutorRecord, search.Source) {
	return f.records, f.source
}

func (f *fakeSearch) IndexTutor(record search.TutorRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeSearch) ReindexAll(records []search.TutorRecord) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

type fakeAvatars struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func (f *fakeAvatars) Put(_ context.Context, key, contentType string, body io.Reader, _ int64) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeAvatars) Get(_ context.Context, key string) (io.ReadCloser, string, int64, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, "", 0, avatar.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), f.types[key], int64(len(data)), nil
}

type sentMail struct {
	kind string
	to   string
}

type fakeMailer struct {
	sent chan sentMail
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{sent: make(chan sentMail, 8)}
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendMatchRequestEmail(to string, _ email.MatchRequestData) error {
	f.sent <- sentMail{kind: "match_request", to: to}
	return nil
}

func (f *fakeMailer) SendRequestAcceptedEmail(to string, _ email.RequestAcceptedData) error {
	f.sent <- sentMail{kind: "request_accepted", to: to}
	return nil
}

func (f *fakeMailer) next(t *testing.T) sentMail {
	t.Helper()
	select {
	case mail := <-f.sent:
		return mail
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a notification email")
		return sentMail{}
	}
}

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		AppBaseURL:     "http://app.test",
		AvatarMaxBytes: 1024,
	}
	svc := newWithStore(cfg, fs, WithLive(live.NewHub(live.DefaultBuffer), nil))
	svc.accounts = authpw.NewService(fs).WithCost(bcrypt.MinCost)
	svc.search = &fakeSearch{source: search.SourceDatabase}
	return svc
}
