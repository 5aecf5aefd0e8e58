package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type PostgresStore struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, types: pgtype.NewMap()}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateUserWithProfile inserts the account and its empty profile together.
func (s *PostgresStore) CreateUserWithProfile(ctx context.Context, user User, profile Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin signup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.Role); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, username, skills_known, skills_to_learn, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
	`, profile.UserID, profile.Username, nonNil(profile.SkillsKnown), nonNil(profile.SkillsToLearn), profile.AvatarURL); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit signup: %w", err)
	}
	return nil
}

const userColumns = `id, email, display_name, password_hash, role, created_at, updated_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ConsumeRefreshSession revokes a live refresh session and returns its user.
// Only one caller can win the conditional update for a given token.
func (s *PostgresStore) ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_sessions
		SET revoked_at = NOW()
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", notFound(err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const profileColumns = `user_id, username, skills_known, skills_to_learn, avatar_url, created_at, updated_at`

func (s *PostgresStore) scanProfile(row rowScanner) (Profile, error) {
	var profile Profile
	err := row.Scan(
		&profile.UserID,
		&profile.Username,
		s.types.SQLScanner(&profile.SkillsKnown),
		s.types.SQLScanner(&profile.SkillsToLearn),
		&profile.AvatarURL,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if profile.SkillsKnown == nil {
		profile.SkillsKnown = []string{}
	}
	if profile.SkillsToLearn == nil {
		profile.SkillsToLearn = []string{}
	}
	return profile, err
}

func (s *PostgresStore) scanProfiles(rows *sql.Rows) ([]Profile, error) {
	defer rows.Close()
	items := make([]Profile, 0)
	for rows.Next() {
		profile, err := s.scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, profile)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	profile, err := s.scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id=$1`, userID))
	if err != nil {
		return Profile{}, notFound(err)
	}
	return profile, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	saved, err := s.scanProfile(s.db.QueryRowContext(ctx, `
		INSERT INTO profiles (user_id, username, skills_known, skills_to_learn, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username=EXCLUDED.username,
			skills_known=EXCLUDED.skills_known,
			skills_to_learn=EXCLUDED.skills_to_learn,
			avatar_url=EXCLUDED.avatar_url,
			updated_at=NOW()
		RETURNING `+profileColumns,
		profile.UserID, profile.Username, nonNil(profile.SkillsKnown), nonNil(profile.SkillsToLearn), profile.AvatarURL,
	))
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return s.scanProfiles(rows)
}

func (s *PostgresStore) GetProfilesByIDs(ctx context.Context, userIDs []string) ([]Profile, error) {
	if len(userIDs) == 0 {
		return []Profile{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	return s.scanProfiles(rows)
}

// SearchProfilesBySkill returns profiles with at least one known skill
// containing the needle, excluding one user.
func (s *PostgresStore) SearchProfilesBySkill(ctx context.Context, needle, excludeUserID string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles p
		WHERE p.user_id <> $2
			AND EXISTS (
				SELECT 1 FROM unnest(p.skills_known) AS skill
				WHERE skill ILIKE '%' || $1 || '%' ESCAPE '\'
			)
		ORDER BY LOWER(p.username), p.user_id
		LIMIT $3
	`, escapeLike(needle), excludeUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	return s.scanProfiles(rows)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

const requestColumns = `id, sender_id, sender_name, receiver_id, receiver_name, skill_to_learn, skill_to_teach, status, COALESCE(chat_id, ''), created_at, updated_at, responded_at`

func scanRequest(row rowScanner) (MatchRequest, error) {
	var (
		item        MatchRequest
		respondedAt sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.SenderID, &item.SenderName, &item.ReceiverID, &item.ReceiverName,
		&item.SkillToLearn, &item.SkillToTeach, &item.Status, &item.ChatID,
		&item.CreatedAt, &item.UpdatedAt, &respondedAt,
	)
	if respondedAt.Valid {
		t := respondedAt.Time
		item.RespondedAt = &t
	}
	return item, err
}

func scanRequests(rows *sql.Rows) ([]MatchRequest, error) {
	defer rows.Close()
	items := make([]MatchRequest, 0)
	for rows.Next() {
		item, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// InsertRequest returns ErrConflict when the sender already has a pending
// request to the receiver for the same skill.
func (s *PostgresStore) InsertRequest(ctx context.Context, item MatchRequest) (MatchRequest, error) {
	saved, err := scanRequest(s.db.QueryRowContext(ctx, `
		INSERT INTO match_requests (id, sender_id, sender_name, receiver_id, receiver_name, skill_to_learn, skill_to_teach, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING `+requestColumns,
		item.ID, item.SenderID, item.SenderName, item.ReceiverID, item.ReceiverName, item.SkillToLearn, item.SkillToTeach,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return MatchRequest{}, ErrConflict
		}
		return MatchRequest{}, fmt.Errorf("insert request: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (MatchRequest, error) {
	item, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM match_requests WHERE id=$1`, requestID))
	if err != nil {
		return MatchRequest{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListReceivedRequests(ctx context.Context, userID string) ([]MatchRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM match_requests
		WHERE receiver_id=$1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list received requests: %w", err)
	}
	return scanRequests(rows)
}

func (s *PostgresStore) ListSentRequests(ctx context.Context, userID string) ([]MatchRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM match_requests
		WHERE sender_id=$1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sent requests: %w", err)
	}
	return scanRequests(rows)
}

// TransitionRequest moves a pending request to status. It reports false when
// the request was no longer pending.
func (s *PostgresStore) TransitionRequest(ctx context.Context, requestID, status string) (MatchRequest, bool, error) {
	item, err := scanRequest(s.db.QueryRowContext(ctx, `
		UPDATE match_requests
		SET status=$2, updated_at=NOW(), responded_at=NOW()
		WHERE id=$1 AND status='pending'
		RETURNING `+requestColumns,
		requestID, status,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return MatchRequest{}, false, nil
	}
	if err != nil {
		return MatchRequest{}, false, fmt.Errorf("transition request: %w", err)
	}
	return item, true, nil
}

// AcceptRequest provisions the pair's chat and marks the request accepted in
// one transaction. Nothing is written when the request is no longer pending.
func (s *PostgresStore) AcceptRequest(ctx context.Context, requestID string, chat Chat) (MatchRequest, Chat, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MatchRequest{}, Chat{}, false, fmt.Errorf("begin accept tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	provisioned, err := scanChat(tx.QueryRowContext(ctx, provisionChatSQL, chatArgs(chat)...))
	if err != nil {
		return MatchRequest{}, Chat{}, false, fmt.Errorf("provision chat: %w", err)
	}

	item, err := scanRequest(tx.QueryRowContext(ctx, `
		UPDATE match_requests
		SET status='accepted', chat_id=$2, updated_at=NOW(), responded_at=NOW()
		WHERE id=$1 AND status='pending'
		RETURNING `+requestColumns,
		requestID, provisioned.ID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return MatchRequest{}, Chat{}, false, nil
	}
	if err != nil {
		return MatchRequest{}, Chat{}, false, fmt.Errorf("accept request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MatchRequest{}, Chat{}, false, fmt.Errorf("commit accept: %w", err)
	}
	return item, provisioned, true, nil
}

const chatColumns = `id, user_a, user_b, pair_key, COALESCE(origin_request_id, ''), COALESCE(swap_requester, ''), COALESCE(swap_status, ''), created_at, deleted_at`

// The pair key conflict either returns the live chat untouched or restores a
// soft-deleted one. Swap state was cleared when it was deleted.
const provisionChatSQL = `
	INSERT INTO chats (id, user_a, user_b, pair_key, origin_request_id)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	ON CONFLICT (pair_key) DO UPDATE SET
		deleted_at = NULL,
		origin_request_id = COALESCE(chats.origin_request_id, EXCLUDED.origin_request_id)
	RETURNING ` + chatColumns

func chatArgs(chat Chat) []any {
	return []any{chat.ID, chat.UserA, chat.UserB, chat.PairKey, chat.OriginRequestID}
}

func scanChat(row rowScanner) (Chat, error) {
	var (
		chat      Chat
		deletedAt sql.NullTime
	)
	err := row.Scan(&chat.ID, &chat.UserA, &chat.UserB, &chat.PairKey, &chat.OriginRequestID,
		&chat.SwapRequester, &chat.SwapStatus, &chat.CreatedAt, &deletedAt)
	if deletedAt.Valid {
		t := deletedAt.Time
		chat.DeletedAt = &t
	}
	return chat, err
}

func (s *PostgresStore) ProvisionChat(ctx context.Context, chat Chat) (Chat, error) {
	provisioned, err := scanChat(s.db.QueryRowContext(ctx, provisionChatSQL, chatArgs(chat)...))
	if err != nil {
		return Chat{}, fmt.Errorf("provision chat: %w", err)
	}
	return provisioned, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID))
	if err != nil {
		return Chat{}, notFound(err)
	}
	return chat, nil
}

func (s *PostgresStore) ListChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_a, c.user_b, c.pair_key, COALESCE(c.origin_request_id, ''),
			COALESCE(c.swap_requester, ''), COALESCE(c.swap_status, ''), c.created_at, c.deleted_at,
			lm.created_at, COALESCE(lm.body, '')
		FROM chats c
		LEFT JOIN LATERAL (
			SELECT m.created_at, m.body
			FROM chat_messages m
			WHERE m.chat_id = c.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE (c.user_a=$1 OR c.user_b=$1) AND c.deleted_at IS NULL
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]ChatSummary, 0)
	for rows.Next() {
		var (
			item      ChatSummary
			deletedAt sql.NullTime
			lastAt    sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.UserA, &item.UserB, &item.PairKey, &item.OriginRequestID,
			&item.SwapRequester, &item.SwapStatus, &item.CreatedAt, &deletedAt,
			&lastAt, &item.LastMessagePreview); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			item.DeletedAt = &t
		}
		if lastAt.Valid {
			t := lastAt.Time
			item.LastMessageAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SoftDeleteChat purges the messages, clears the swap and marks the chat
// deleted. It reports false when the chat was already deleted.
func (s *PostgresStore) SoftDeleteChat(ctx context.Context, chatID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete chat tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE chats
		SET deleted_at=NOW(), swap_requester=NULL, swap_status=NULL
		WHERE id=$1 AND deleted_at IS NULL
	`, chatID)
	if err != nil {
		return false, fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id=$1`, chatID); err != nil {
		return false, fmt.Errorf("purge chat messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete chat: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ClearChatMessages(ctx context.Context, chatID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id=$1`, chatID)
	if err != nil {
		return 0, fmt.Errorf("clear chat messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// UpdateSwap applies the next swap state only if the chat still holds the
// expected one.
func (s *PostgresStore) UpdateSwap(ctx context.Context, chatID, expectRequester, expectStatus, requester, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET swap_requester=NULLIF($4, ''), swap_status=NULLIF($5, '')
		WHERE id=$1
			AND deleted_at IS NULL
			AND COALESCE(swap_requester, '')=$2
			AND COALESCE(swap_status, '')=$3
	`, chatID, expectRequester, expectStatus, requester, status)
	if err != nil {
		return false, fmt.Errorf("update swap: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

const messageColumns = `id, chat_id, sender_id, body, created_at`

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	return msg, err
}

// InsertMessage stores a message only while its chat is active. The share
// lock on the chat row orders the insert against SoftDeleteChat: either the
// delete waits and then purges the message, or the insert sees the deleted
// row and stores nothing (ErrNotFound).
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	saved, err := scanMessage(s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_id, body)
		SELECT $1, c.id, $3, $4
		FROM chats c
		WHERE c.id=$2 AND c.deleted_at IS NULL
		FOR SHARE
		RETURNING `+messageColumns,
		msg.ID, msg.ChatID, msg.SenderID, msg.Body,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE chat_id=$1
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetMessage(ctx context.Context, chatID, messageID string) (Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE chat_id=$1 AND id=$2`, chatID, messageID))
	if err != nil {
		return Message{}, notFound(err)
	}
	return msg, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id=$1 AND id=$2`, chatID, messageID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
