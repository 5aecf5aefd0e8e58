package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"skillswap/api/internal/avatar"
	"skillswap/api/internal/helpbot"
	"skillswap/api/internal/live"
	"skillswap/api/internal/store"
	"skillswap/api/internal/util"
)

const (
	maxMessageRunes = 4000
	unknownPartner  = "Unknown"
	meetURL         = "https://meet.google.com/new"
	swapAttempts    = 3

	SwapResultRequested = "requested"
	SwapResultConfirmed = "confirmed"
)

type ChatListItem struct {
	ChatID             string     `json:"chatId"`
	OtherUserID        string     `json:"otherUserId"`
	OtherUserName      string     `json:"otherUserName"`
	OtherUserAvatar    string     `json:"otherUserAvatar"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
	LastMessagePreview string     `json:"lastMessagePreview"`
	Help               bool       `json:"help,omitempty"`
	Swap               SwapView   `json:"swap"`

	activity time.Time
}

type SwapView struct {
	Requester string `json:"requester,omitempty"`
	Status    string `json:"status,omitempty"`
}

type MessageView struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Mine      bool      `json:"mine"`
}

type SwapResult struct {
	Result  string   `json:"result"`
	Message string   `json:"message"`
	Swap    SwapView `json:"swap"`
}

type MeetShare struct {
	Link    string      `json:"link"`
	Message MessageView `json:"message"`
}

type HelpAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	From     string `json:"from"`
}

func swapView(chat store.Chat) SwapView {
	return SwapView{Requester: chat.SwapRequester, Status: chat.SwapStatus}
}

func messageView(msg store.Message, viewerID string) MessageView {
	return MessageView{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Text:      msg.Body,
		CreatedAt: msg.CreatedAt,
		Mine:      msg.SenderID == viewerID,
	}
}

// loadChat returns an active chat the user belongs to. Missing, deleted and
// foreign chats all look the same to the caller.
func (s *Service) loadChat(ctx context.Context, userID, chatID string) (store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Chat{}, notFoundError("Chat not found")
	}
	if err != nil {
		return store.Chat{}, err
	}
	if !chat.Active() || !chat.HasMember(userID) {
		return store.Chat{}, notFoundError("Chat not found")
	}
	return chat, nil
}

func helpChatItem() ChatListItem {
	return ChatListItem{
		ChatID:             helpbot.ChatID,
		OtherUserID:        helpbot.BotID,
		OtherUserName:      helpbot.BotName,
		OtherUserAvatar:    avatar.Placeholder,
		LastMessagePreview: helpbot.Preview,
		Help:               true,
	}
}

// ListChats returns the help chat followed by the user's active chats, most
// recent activity first.
func (s *Service) ListChats(ctx context.Context, userID, query string) ([]ChatListItem, error) {
	summaries, err := s.store.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	others := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		others = append(others, summary.Other(userID))
	}
	profiles := map[string]store.Profile{}
	if len(others) > 0 {
		loaded, err := s.store.GetProfilesByIDs(ctx, others)
		if err != nil {
			return nil, err
		}
		for _, profile := range loaded {
			profiles[profile.UserID] = profile
		}
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	matches := func(name string) bool {
		return needle == "" || strings.Contains(strings.ToLower(name), needle)
	}

	items := make([]ChatListItem, 0, len(summaries)+1)
	for _, summary := range summaries {
		if !summary.Active() {
			continue
		}
		otherID := summary.Other(userID)
		profile := profiles[otherID]
		item := ChatListItem{
			ChatID:             summary.ID,
			OtherUserID:        otherID,
			OtherUserName:      displayName(profile, unknownPartner),
			OtherUserAvatar:    profile.AvatarURL,
			LastMessageAt:      summary.LastMessageAt,
			LastMessagePreview: summary.LastMessagePreview,
			Swap:               swapView(summary.Chat),
			activity:           summary.CreatedAt,
		}
		if item.OtherUserAvatar == "" {
			item.OtherUserAvatar = avatar.Placeholder
		}
		if summary.LastMessageAt != nil {
			item.activity = *summary.LastMessageAt
		}
		if !matches(item.OtherUserName) {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].activity.Equal(items[j].activity) {
			return items[i].activity.After(items[j].activity)
		}
		return items[i].ChatID < items[j].ChatID
	})

	if !matches(helpbot.BotName) {
		return items, nil
	}
	return append([]ChatListItem{helpChatItem()}, items...), nil
}

func (s *Service) DeleteChat(ctx context.Context, userID, chatID string) error {
	chat, err := s.loadChat(ctx, userID, chatID)
	if err != nil {
		return err
	}
	deleted, err := s.store.SoftDeleteChat(ctx, chat.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return notFoundError("Chat not found")
	}
	s.logger.Info("chat deleted", zap.String("chat_id", chat.ID), zap.String("user_id", userID))
	s.publish(ctx, live.NewEvent(live.EventChatDeleted, chat.ID, map[string]any{"by": userID}))
	s.publishChatListChange(ctx, live.EventChatDeleted, chat, map[string]any{"by": userID})
	return nil
}

func (s *Service) ClearChat(ctx context.Context, userID, chatID string) (int64, error) {
	chat, err := s.loadChat(ctx, userID, chatID)
	if err != nil {
		return 0, err
	}
	removed, err := s.store.ClearChatMessages(ctx, chat.ID)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, live.NewEvent(live.EventChatCleared, chat.ID, map[string]any{"by": userID, "removed": removed}))
	s.publishChatListChange(ctx, live.EventChatUpdated, chat, map[string]any{"lastMessage": ""})
	return removed, nil
}

func (s *Service) SendMessage(ctx context.Context, userID, chatID, text string) (MessageView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return MessageView{}, validationError("Message cannot be empty.", "text")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return MessageView{}, validationError(fmt.Sprintf("Message must be at most %d characters.", maxMessageRunes), "text")
	}
	chat, err := s.loadChat(ctx, userID, chatID)
	if err != nil {
		return MessageView{}, err
	}

	saved, err := s.store.InsertMessage(ctx, store.Message{
		ID:       util.NewID("msg"),
		ChatID:   chat.ID,
		SenderID: userID,
		Body:     text,
	})
	if errors.Is(err, store.ErrNotFound) {
		// deleted between the membership check and the insert
		return MessageView{}, notFoundError("Chat not found")
	}
	if err != nil {
		return MessageView{}, err
	}
	s.publish(ctx, live.NewEvent(live.EventMessageAdded, chat.ID, messageView(saved, "")))
	s.publishChatListChange(ctx, live.EventChatUpdated, chat, map[string]any{
		"lastMessage":   saved.Body,
		"lastMessageAt": saved.CreatedAt,
	})
	return messageView(saved, userID), nil
}

// publishChatListChange keeps both members' chat lists current.
func (s *Service) publishChatListChange(ctx context.Context, eventType string, chat store.Chat, payload map[string]any) {
	s.publishToUsers(ctx, eventType, chat.ID, func(string) any { return payload }, chat.UserA, chat.UserB)
}

func (s *Service) ListMessages(ctx context.Context, userID, chatID string) ([]MessageView, error) {
	if chatID == helpbot.ChatID {
		return []MessageView{{
			ID:       helpbot.ChatID + "_greeting",
			ChatID:   helpbot.ChatID,
			SenderID: helpbot.BotID,
			Text:     helpbot.Greeting,
		}}, nil
	}
	chat, err := s.loadChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, messageView(msg, userID))
	}
	return views, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID, chatID, messageID string) error {
	chat, err := s.loadChat(ctx, userID, chatID)
	if err != nil {
		return err
	}
	msg, err := s.store.GetMessage(ctx, chat.ID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Message not found")
	}
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "You can only delete your own messages", nil)
	}
	removed, err := s.store.DeleteMessage(ctx, chat.ID, msg.ID)
	if err != nil {
		return err
	}
	if !removed {
		return notFoundError("Message not found")
	}
	s.publish(ctx, live.NewEvent(live.EventMessageRemoved, chat.ID, map[string]any{"messageId": msg.ID}))
	return nil
}

func (s *Service) ShareMeetLink(ctx context.Context, userID, chatID string) (MeetShare, error) {
	msg, err := s.SendMessage(ctx, userID, chatID, "Let's connect on Google Meet: "+meetURL)
	if err != nil {
		return MeetShare{}, err
	}
	return MeetShare{Link: meetURL, Message: msg}, nil
}

// ConfirmSwap requests a skill swap, or confirms the partner's pending one.
// Each step is conditional on the state it was computed from; a lost race is
// retried against the fresh state.
func (s *Service) ConfirmSwap(ctx context.Context, userID, chatID string) (SwapResult, error) {
	for attempt := 0; attempt < swapAttempts; attempt++ {
		chat, err := s.loadChat(ctx, userID, chatID)
		if err != nil {
			return SwapResult{}, err
		}

		var result SwapResult
		next := chat
		switch chat.SwapStatus {
		case store.SwapConfirmed:
			return SwapResult{}, domainError(http.StatusConflict, "SWAP_ALREADY_CONFIRMED", "This swap has already been confirmed.", nil)
		case store.SwapPending:
			if chat.SwapRequester == userID {
				return SwapResult{}, domainError(http.StatusConflict, "SWAP_ALREADY_REQUESTED", "You have already sent a swap request.", nil)
			}
			next.SwapStatus = store.SwapConfirmed
			result = SwapResult{Result: SwapResultConfirmed, Message: "Swap confirmed!"}
		default:
			next.SwapRequester = userID
			next.SwapStatus = store.SwapPending
			result = SwapResult{Result: SwapResultRequested, Message: "Swap request sent!"}
		}

		updated, err := s.store.UpdateSwap(ctx, chat.ID, chat.SwapRequester, chat.SwapStatus, next.SwapRequester, next.SwapStatus)
		if err != nil {
			return SwapResult{}, err
		}
		if !updated {
			continue
		}
		result.Swap = swapView(next)
		s.logger.Info("swap updated", zap.String("chat_id", chat.ID), zap.String("result", result.Result))
		s.publish(ctx, live.NewEvent(live.EventSwapUpdated, chat.ID, result.Swap))
		return result, nil
	}
	return SwapResult{}, domainError(http.StatusConflict, "SWAP_CONFLICT", "Swap state changed, please try again.", nil)
}

func (s *Service) AskHelp(question string) (HelpAnswer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return HelpAnswer{}, validationError("Please type a question.", "question")
	}
	return HelpAnswer{Question: question, Answer: helpbot.Answer(question), From: helpbot.BotName}, nil
}

// Subscribe attaches a live listener to a chat the user belongs to.
func (s *Service) Subscribe(ctx context.Context, userID, chatID string) (*live.Subscription, error) {
	chat, err := s.loadChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(live.ChatTopic(chat.ID)), nil
}

// SubscribeUser attaches a listener to the user's own stream: request and
// chat list changes.
func (s *Service) SubscribeUser(userID string) *live.Subscription {
	return s.hub.Subscribe(live.UserTopic(userID))
}
