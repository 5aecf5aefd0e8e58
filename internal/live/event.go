// Package live fans chat and per-user events out to connected clients,
// optionally across instances through Redis pub/sub.
package live

import (
	"context"
	"time"
)

const (
	EventMessageAdded    = "message.added"
	EventMessageRemoved  = "message.removed"
	EventChatCleared     = "chat.cleared"
	EventChatDeleted     = "chat.deleted"
	EventSwapUpdated     = "swap.updated"
	EventRequestAccepted = "request.accepted"

	// Per-user stream events.
	EventRequestCreated = "request.created"
	EventRequestUpdated = "request.updated"
	EventChatCreated    = "chat.created"
	EventChatUpdated    = "chat.updated"
)

// Event is the frame pushed to subscribers. Events carrying a UserID go to
// that user's stream; the rest go to the chat's stream.
type Event struct {
	Type    string    `json:"type"`
	ChatID  string    `json:"chatId,omitempty"`
	UserID  string    `json:"userId,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

func NewEvent(eventType, chatID string, payload any) Event {
	return Event{Type: eventType, ChatID: chatID, Payload: payload, At: time.Now().UTC()}
}

// NewUserEvent targets one user's stream. chatID may be empty.
func NewUserEvent(eventType, userID, chatID string, payload any) Event {
	return Event{Type: eventType, ChatID: chatID, UserID: userID, Payload: payload, At: time.Now().UTC()}
}

func ChatTopic(chatID string) string { return "chat:" + chatID }

func UserTopic(userID string) string { return "user:" + userID }

// Topic is the hub key an event is delivered on, or "" when it has no target.
func (e Event) Topic() string {
	switch {
	case e.UserID != "":
		return UserTopic(e.UserID)
	case e.ChatID != "":
		return ChatTopic(e.ChatID)
	default:
		return ""
	}
}

// Publisher delivers an event to every subscriber of its topic.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
