package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"skillswap/api/internal/email"
	"skillswap/api/internal/live"
	"skillswap/api/internal/store"
	"skillswap/api/internal/util"
)

const (
	unknownSender   = "Unknown User"
	unknownReceiver = "Unknown Tutor"

	actionAccept   = "accept"
	actionReject   = "reject"
	actionWithdraw = "withdraw"
	actionChat     = "chat"
)

type RequestView struct {
	ID           string     `json:"id"`
	SenderID     string     `json:"senderId"`
	SenderName   string     `json:"senderName"`
	ReceiverID   string     `json:"receiverId"`
	ReceiverName string     `json:"receiverName"`
	SkillToLearn string     `json:"skillToLearn"`
	SkillToTeach string     `json:"skillToTeach"`
	Status       string     `json:"status"`
	ChatID       string     `json:"chatId,omitempty"`
	OtherUserID  string     `json:"otherUserId"`
	Actions      []string   `json:"actions"`
	CreatedAt    *time.Time `json:"createdAt"`
	UpdatedAt    *time.Time `json:"updatedAt"`
	RespondedAt  *time.Time `json:"respondedAt"`
}

type RequestLists struct {
	Received      []RequestView `json:"received"`
	Sent          []RequestView `json:"sent"`
	ReceivedCount int           `json:"receivedCount"`
	SentCount     int           `json:"sentCount"`
}

type ChatStart struct {
	ChatID      string `json:"chatId"`
	OtherUserID string `json:"otherUserId"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// requestView renders a request from the viewer's side.
func requestView(item store.MatchRequest, viewerID string) RequestView {
	view := RequestView{
		ID:           item.ID,
		SenderID:     item.SenderID,
		SenderName:   item.SenderName,
		ReceiverID:   item.ReceiverID,
		ReceiverName: item.ReceiverName,
		SkillToLearn: item.SkillToLearn,
		SkillToTeach: item.SkillToTeach,
		Status:       item.Status,
		ChatID:       item.ChatID,
		Actions:      []string{},
		CreatedAt:    timePtr(item.CreatedAt),
		UpdatedAt:    timePtr(item.UpdatedAt),
		RespondedAt:  item.RespondedAt,
	}
	if viewerID == item.SenderID {
		view.OtherUserID = item.ReceiverID
	} else {
		view.OtherUserID = item.SenderID
	}

	switch {
	case item.Status == store.RequestAccepted:
		view.Actions = append(view.Actions, actionChat)
	case item.Status == store.RequestPending && viewerID == item.ReceiverID:
		view.Actions = append(view.Actions, actionAccept, actionReject)
	case item.Status == store.RequestPending && viewerID == item.SenderID:
		view.Actions = append(view.Actions, actionWithdraw)
	}
	return view
}

func (s *Service) SendRequest(ctx context.Context, senderID, receiverID, skillToLearn string) (RequestView, error) {
	receiverID = strings.TrimSpace(receiverID)
	skillToLearn = strings.TrimSpace(skillToLearn)
	if receiverID == "" {
		return RequestView{}, validationError("A tutor is required.", "receiverId")
	}
	if receiverID == senderID {
		return RequestView{}, validationError("You cannot send a request to yourself.", "receiverId")
	}
	if skillToLearn == "" {
		return RequestView{}, validationError("Please enter the skill you want to learn.", "skillToLearn")
	}

	senderProfile, err := s.loadProfile(ctx, senderID)
	if err != nil {
		return RequestView{}, err
	}
	if !profileComplete(senderProfile) {
		return RequestView{}, domainError(http.StatusUnprocessableEntity, "PROFILE_INCOMPLETE", "Please complete your profile before sending requests.", nil)
	}

	receiver, err := s.store.GetUserByID(ctx, receiverID)
	if errors.Is(err, store.ErrNotFound) {
		return RequestView{}, notFoundError("Tutor not found")
	}
	if err != nil {
		return RequestView{}, err
	}
	receiverProfile, err := s.loadProfile(ctx, receiverID)
	if err != nil {
		return RequestView{}, err
	}

	saved, err := s.store.InsertRequest(ctx, store.MatchRequest{
		ID:           util.NewID("req"),
		SenderID:     senderID,
		SenderName:   displayName(senderProfile, unknownSender),
		ReceiverID:   receiverID,
		ReceiverName: displayName(receiverProfile, unknownReceiver),
		SkillToLearn: skillToLearn,
		SkillToTeach: strings.Join(senderProfile.SkillsKnown, ", "),
		Status:       store.RequestPending,
	})
	if errors.Is(err, store.ErrConflict) {
		return RequestView{}, domainError(http.StatusConflict, "DUPLICATE_REQUEST", "You already have a pending request to this tutor for this skill.", nil)
	}
	if err != nil {
		return RequestView{}, err
	}

	s.logger.Info("match request sent",
		zap.String("request_id", saved.ID),
		zap.String("sender_id", senderID),
		zap.String("receiver_id", receiverID),
	)
	s.publishRequest(ctx, live.EventRequestCreated, saved)
	s.notify("match_request", func() error {
		return s.mail.SendMatchRequestEmail(receiver.Email, email.MatchRequestData{
			ReceiverName: saved.ReceiverName,
			SenderName:   saved.SenderName,
			SkillToLearn: saved.SkillToLearn,
			SkillToTeach: saved.SkillToTeach,
			RequestsURL:  s.appURL("/requests"),
		})
	})
	return requestView(saved, senderID), nil
}

func (s *Service) AcceptRequest(ctx context.Context, userID, requestID string) (RequestView, error) {
	item, err := s.requestFor(ctx, userID, requestID, store.RequestAccepted)
	if err != nil {
		return RequestView{}, err
	}

	key, a, b := store.PairKey(item.SenderID, item.ReceiverID)
	accepted, chat, ok, err := s.store.AcceptRequest(ctx, item.ID, store.Chat{
		ID:              util.NewID("cht"),
		UserA:           a,
		UserB:           b,
		PairKey:         key,
		OriginRequestID: item.ID,
	})
	if err != nil {
		return RequestView{}, err
	}
	if !ok {
		return RequestView{}, s.lostTransition(ctx, item.ID, store.RequestAccepted)
	}

	s.logger.Info("match request accepted",
		zap.String("request_id", accepted.ID),
		zap.String("chat_id", chat.ID),
	)
	s.publish(ctx, live.NewEvent(live.EventRequestAccepted, chat.ID, map[string]any{
		"requestId": accepted.ID,
		"chatId":    chat.ID,
	}))
	s.publishRequest(ctx, live.EventRequestUpdated, accepted)
	s.publishChatCreated(ctx, chat)
	s.notify("request_accepted", func() error {
		sender, err := s.store.GetUserByID(context.Background(), accepted.SenderID)
		if err != nil {
			return err
		}
		return s.mail.SendRequestAcceptedEmail(sender.Email, email.RequestAcceptedData{
			SenderName:   accepted.SenderName,
			ReceiverName: accepted.ReceiverName,
			SkillToLearn: accepted.SkillToLearn,
			ChatURL:      s.appURL("/chat?chatId=" + chat.ID),
		})
	})
	return requestView(accepted, userID), nil
}

func (s *Service) RejectRequest(ctx context.Context, userID, requestID string) (RequestView, error) {
	return s.transition(ctx, userID, requestID, store.RequestRejected)
}

func (s *Service) WithdrawRequest(ctx context.Context, userID, requestID string) (RequestView, error) {
	return s.transition(ctx, userID, requestID, store.RequestWithdrawn)
}

func (s *Service) transition(ctx context.Context, userID, requestID, target string) (RequestView, error) {
	item, err := s.requestFor(ctx, userID, requestID, target)
	if err != nil {
		return RequestView{}, err
	}
	updated, ok, err := s.store.TransitionRequest(ctx, item.ID, target)
	if err != nil {
		return RequestView{}, err
	}
	if !ok {
		return RequestView{}, s.lostTransition(ctx, item.ID, target)
	}
	s.logger.Info("match request updated", zap.String("request_id", updated.ID), zap.String("status", updated.Status))
	s.publishRequest(ctx, live.EventRequestUpdated, updated)
	return requestView(updated, userID), nil
}

// publishRequest tells both parties' request pages about a change.
func (s *Service) publishRequest(ctx context.Context, eventType string, item store.MatchRequest) {
	s.publishToUsers(ctx, eventType, item.ChatID, func(userID string) any {
		return requestView(item, userID)
	}, item.SenderID, item.ReceiverID)
}

// publishChatCreated puts a new or restored chat on both members' lists.
func (s *Service) publishChatCreated(ctx context.Context, chat store.Chat) {
	s.publishToUsers(ctx, live.EventChatCreated, chat.ID, func(userID string) any {
		return ChatStart{ChatID: chat.ID, OtherUserID: chat.Other(userID)}
	}, chat.UserA, chat.UserB)
}

// requestFor loads a request and checks that userID may move it to target.
// Receivers accept and reject; senders withdraw.
func (s *Service) requestFor(ctx context.Context, userID, requestID, target string) (store.MatchRequest, error) {
	item, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return store.MatchRequest{}, notFoundError("Request not found")
	}
	if err != nil {
		return store.MatchRequest{}, err
	}

	actor := item.ReceiverID
	if target == store.RequestWithdrawn {
		actor = item.SenderID
	}
	if userID == "" || userID != actor {
		return store.MatchRequest{}, domainError(http.StatusForbidden, "FORBIDDEN", "You cannot change this request", nil)
	}
	if item.Status != store.RequestPending {
		return store.MatchRequest{}, invalidTransition(item.Status, target)
	}
	return item, nil
}

// lostTransition reports a conditional update that matched nothing because
// another caller moved the request first.
func (s *Service) lostTransition(ctx context.Context, requestID, target string) error {
	current, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return invalidTransition("", target)
	}
	return invalidTransition(current.Status, target)
}

func invalidTransition(from, to string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION", "Request can no longer be changed", map[string]any{
		"from": from,
		"to":   to,
	})
}

func (s *Service) ListRequests(ctx context.Context, userID string) (RequestLists, error) {
	received, err := s.store.ListReceivedRequests(ctx, userID)
	if err != nil {
		return RequestLists{}, err
	}
	sent, err := s.store.ListSentRequests(ctx, userID)
	if err != nil {
		return RequestLists{}, err
	}

	lists := RequestLists{Received: []RequestView{}, Sent: []RequestView{}}
	sortRequests(received)
	for _, item := range received {
		if item.Status == store.RequestRejected || item.Status == store.RequestWithdrawn {
			continue
		}
		lists.Received = append(lists.Received, requestView(item, userID))
	}
	sortRequests(sent)
	for _, item := range sent {
		lists.Sent = append(lists.Sent, requestView(item, userID))
	}
	lists.ReceivedCount = len(lists.Received)
	lists.SentCount = len(lists.Sent)
	return lists, nil
}

// sortRequests orders newest first; rows without a timestamp go last.
func sortRequests(items []store.MatchRequest) {
	sort.SliceStable(items, func(i, j int) bool {
		left, right := items[i].CreatedAt, items[j].CreatedAt
		switch {
		case left.IsZero() != right.IsZero():
			return !left.IsZero()
		case !left.Equal(right):
			return left.After(right)
		default:
			return items[i].ID < items[j].ID
		}
	})
}

// StartChat opens the pair's chat for an accepted request, restoring it if
// either side deleted it.
func (s *Service) StartChat(ctx context.Context, userID, requestID string) (ChatStart, error) {
	item, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return ChatStart{}, notFoundError("Request not found")
	}
	if err != nil {
		return ChatStart{}, err
	}
	if userID == "" || (userID != item.SenderID && userID != item.ReceiverID) {
		return ChatStart{}, domainError(http.StatusForbidden, "FORBIDDEN", "You are not part of this request", nil)
	}
	if item.Status != store.RequestAccepted {
		return ChatStart{}, domainError(http.StatusConflict, "REQUEST_NOT_ACCEPTED", "Chat is available once the request is accepted", map[string]any{"status": item.Status})
	}

	key, a, b := store.PairKey(item.SenderID, item.ReceiverID)
	chat, err := s.store.ProvisionChat(ctx, store.Chat{
		ID:              util.NewID("cht"),
		UserA:           a,
		UserB:           b,
		PairKey:         key,
		OriginRequestID: item.ID,
	})
	if err != nil {
		return ChatStart{}, err
	}
	s.publishChatCreated(ctx, chat)
	return ChatStart{ChatID: chat.ID, OtherUserID: chat.Other(userID)}, nil
}
