package store

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

const (
	RequestPending   = "pending"
	RequestAccepted  = "accepted"
	RequestRejected  = "rejected"
	RequestWithdrawn = "withdrawn"
)

const (
	SwapNone      = ""
	SwapPending   = "pending"
	SwapConfirmed = "confirmed"
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Profile struct {
	UserID        string
	Username      string
	SkillsKnown   []string
	SkillsToLearn []string
	AvatarURL     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type MatchRequest struct {
	ID           string
	SenderID     string
	SenderName   string
	ReceiverID   string
	ReceiverName string
	SkillToLearn string
	SkillToTeach string
	Status       string
	ChatID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RespondedAt  *time.Time
}

// Chat is a two-party thread. UserA sorts before UserB and PairKey is unique
// across live and soft-deleted chats, so a pair never has two rows.
type Chat struct {
	ID              string
	UserA           string
	UserB           string
	PairKey         string
	OriginRequestID string
	SwapRequester   string
	SwapStatus      string
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

func (c Chat) HasMember(userID string) bool {
	return userID != "" && (c.UserA == userID || c.UserB == userID)
}

func (c Chat) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

func (c Chat) Active() bool {
	return c.DeletedAt == nil
}

type ChatSummary struct {
	Chat
	LastMessageAt      *time.Time
	LastMessagePreview string
}

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Body      string
	CreatedAt time.Time
}

// PairKey returns the order-independent key for two users and the users in
// key order.
func PairKey(first, second string) (key, a, b string) {
	users := []string{strings.TrimSpace(first), strings.TrimSpace(second)}
	sort.Strings(users)
	return users[0] + ":" + users[1], users[0], users[1]
}
