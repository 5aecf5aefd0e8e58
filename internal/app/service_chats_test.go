package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"skillswap/api/internal/helpbot"
	"skillswap/api/internal/live"
	"skillswap/api/internal/store"
)

// acceptedChat runs a request through acceptance and returns the chat ID.
func acceptedChat(t *testing.T, svc *Service, sender, receiver string) string {
	t.Helper()
	ctx := context.Background()
	sent, err := svc.SendRequest(ctx, sender, receiver, "Guitar")
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	accepted, err := svc.AcceptRequest(ctx, receiver, sent.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted.ChatID
}

func TestSendMessageValidation(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	fs.addUser("usr_cy", "Cy")
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "usr_ana", chatID, "   ")
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.SendMessage(ctx, "usr_ana", chatID, strings.Repeat("é", maxMessageRunes+1))
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	if _, err := svc.SendMessage(ctx, "usr_ana", chatID, strings.Repeat("é", maxMessageRunes)); err != nil {
		t.Fatalf("max length message should pass: %v", err)
	}

	_, err = svc.SendMessage(ctx, "usr_cy", chatID, "hi")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestMessagesCarryMineAndOrder(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	sub := svc.hub.Subscribe(live.ChatTopic(chatID))
	defer sub.Close()

	if _, err := svc.SendMessage(ctx, "usr_ana", chatID, "  first "); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.SendMessage(ctx, "usr_ben", chatID, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev := <-sub.C; ev.Type != live.EventMessageAdded {
		t.Fatalf("expected message.added, got %s", ev.Type)
	}

	messages, err := svc.ListMessages(ctx, "usr_ben", chatID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 || messages[0].Text != "first" || messages[1].Text != "second" {
		t.Fatalf("unexpected messages %+v", messages)
	}
	if messages[0].Mine || !messages[1].Mine {
		t.Fatalf("mine flags wrong for viewer ben: %+v", messages)
	}
}

func TestDeleteMessageOnlyBySender(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	msg, err := svc.SendMessage(ctx, "usr_ana", chatID, "oops")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	err = svc.DeleteMessage(ctx, "usr_ben", chatID, msg.ID)
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	if err := svc.DeleteMessage(ctx, "usr_ana", chatID, msg.ID); err != nil {
		t.Fatalf("delete own message: %v", err)
	}
	err = svc.DeleteMessage(ctx, "usr_ana", chatID, msg.ID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestClearChatKeepsChatActive(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if _, err := svc.SendMessage(ctx, "usr_ana", chatID, text); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	removed, err := svc.ClearChat(ctx, "usr_ben", chatID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if _, err := svc.SendMessage(ctx, "usr_ana", chatID, "still here"); err != nil {
		t.Fatalf("chat should stay usable: %v", err)
	}
}

func TestDeleteChatHidesItFromBoth(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	if err := svc.DeleteChat(ctx, "usr_ana", chatID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, user := range []string{"usr_ana", "usr_ben"} {
		items, err := svc.ListChats(ctx, user, "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 1 || items[0].ChatID != helpbot.ChatID {
			t.Fatalf("expected only the help chat for %s, got %+v", user, items)
		}
	}
	err := svc.DeleteChat(ctx, "usr_ben", chatID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = svc.SendMessage(ctx, "usr_ben", chatID, "hello?")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestMessageRacingDeleteDoesNotSurviveRestore(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	ctx := context.Background()

	sent, _ := svc.SendRequest(ctx, "usr_ana", "usr_ben", "Guitar")
	accepted, err := svc.AcceptRequest(ctx, "usr_ben", sent.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	fs.beforeInsertMessage = func() {
		fs.beforeInsertMessage = nil
		if _, err := fs.SoftDeleteChat(ctx, accepted.ChatID); err != nil {
			t.Errorf("delete chat: %v", err)
		}
	}

	_, err = svc.SendMessage(ctx, "usr_ana", accepted.ChatID, "late message")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	started, err := svc.StartChat(ctx, "usr_ana", sent.ID)
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	messages, err := svc.ListMessages(ctx, "usr_ana", started.ChatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("restored chat should be empty, got %+v", messages)
	}
}

func TestUserStreamsFollowChatListChanges(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()
	benStream := svc.SubscribeUser("usr_ben")
	defer benStream.Close()

	if _, err := svc.SendMessage(ctx, "usr_ana", chatID, "see you at 5"); err != nil {
		t.Fatalf("send: %v", err)
	}
	updated := nextEvent(t, benStream)
	payload, _ := updated.Payload.(map[string]any)
	if updated.Type != live.EventChatUpdated || updated.ChatID != chatID || payload["lastMessage"] != "see you at 5" {
		t.Fatalf("unexpected chat.updated %+v", updated)
	}

	if err := svc.DeleteChat(ctx, "usr_ana", chatID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted := nextEvent(t, benStream); deleted.Type != live.EventChatDeleted || deleted.UserID != "usr_ben" {
		t.Fatalf("unexpected chat.deleted %+v", deleted)
	}
}

func TestListChatsOrderAndFilter(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	fs.addUser("usr_cy", "Cyrus", "Chess")
	fs.addUser("usr_dee", "", "Drums")
	svc := newTestService(fs)
	ctx := context.Background()

	withBen := acceptedChat(t, svc, "usr_ana", "usr_ben")
	withCy := acceptedChat(t, svc, "usr_ana", "usr_cy")
	key, a, b := store.PairKey("usr_ana", "usr_dee")
	if _, err := fs.ProvisionChat(ctx, store.Chat{ID: "cht_dee", UserA: a, UserB: b, PairKey: key}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.SendMessage(ctx, "usr_ben", withBen, "latest"); err != nil {
		t.Fatalf("send: %v", err)
	}

	items, err := svc.ListChats(ctx, "usr_ana", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected help + 3 chats, got %d", len(items))
	}
	if items[0].ChatID != helpbot.ChatID || items[0].LastMessagePreview != helpbot.Preview {
		t.Fatalf("help chat should be first: %+v", items[0])
	}
	if items[1].ChatID != withBen || items[1].LastMessagePreview != "latest" {
		t.Fatalf("most recent activity should follow help chat: %+v", items[1])
	}
	if items[2].ChatID != "cht_dee" || items[2].OtherUserName != unknownPartner {
		t.Fatalf("expected unnamed partner next, got %+v", items[2])
	}
	if items[3].ChatID != withCy {
		t.Fatalf("expected oldest chat last, got %+v", items[3])
	}

	filtered, err := svc.ListChats(ctx, "usr_ana", "CYR")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(filtered) != 1 || filtered[0].OtherUserName != "Cyrus" {
		t.Fatalf("unexpected filter result %+v", filtered)
	}
}

func TestConfirmSwapFlow(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	first, err := svc.ConfirmSwap(ctx, "usr_ana", chatID)
	if err != nil {
		t.Fatalf("request swap: %v", err)
	}
	if first.Result != SwapResultRequested || first.Message != "Swap request sent!" {
		t.Fatalf("unexpected result %+v", first)
	}

	_, err = svc.ConfirmSwap(ctx, "usr_ana", chatID)
	expectDomainError(t, err, http.StatusConflict, "SWAP_ALREADY_REQUESTED")

	second, err := svc.ConfirmSwap(ctx, "usr_ben", chatID)
	if err != nil {
		t.Fatalf("confirm swap: %v", err)
	}
	if second.Result != SwapResultConfirmed || second.Swap.Requester != "usr_ana" {
		t.Fatalf("unexpected result %+v", second)
	}

	_, err = svc.ConfirmSwap(ctx, "usr_ana", chatID)
	expectDomainError(t, err, http.StatusConflict, "SWAP_ALREADY_CONFIRMED")
}

func TestConfirmSwapRetriesAfterLostRace(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	raced := false
	fs.updateSwapFn = func(_ context.Context, id, expectRequester, expectStatus, requester, status string) (bool, error) {
		if !raced {
			raced = true
			// The partner's request lands first.
			fs.updateSwap(id, "", "", "usr_ben", store.SwapPending)
		}
		return fs.updateSwap(id, expectRequester, expectStatus, requester, status), nil
	}

	result, err := svc.ConfirmSwap(ctx, "usr_ana", chatID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Result != SwapResultConfirmed || result.Swap.Requester != "usr_ben" {
		t.Fatalf("expected retry to confirm partner's request, got %+v", result)
	}
}

func TestConcurrentSwapSingleWinnerPerStep(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []string
	)
	for _, user := range []string{"usr_ana", "usr_ben"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			result, err := svc.ConfirmSwap(ctx, user, chatID)
			if err != nil {
				t.Errorf("confirm %s: %v", user, err)
				return
			}
			mu.Lock()
			results = append(results, result.Result)
			mu.Unlock()
		}(user)
	}
	wg.Wait()

	if len(results) != 2 {
		t.Fatalf("expected both calls to succeed, got %v", results)
	}
	chat, _ := fs.GetChat(ctx, chatID)
	if chat.SwapStatus != store.SwapConfirmed {
		t.Fatalf("expected confirmed swap, got %+v", chat)
	}
}

func TestDeleteChatClearsSwap(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")
	ctx := context.Background()

	if _, err := svc.ConfirmSwap(ctx, "usr_ana", chatID); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := svc.DeleteChat(ctx, "usr_ben", chatID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	key, a, b := store.PairKey("usr_ana", "usr_ben")
	restored, err := fs.ProvisionChat(ctx, store.Chat{ID: "cht_new", UserA: a, UserB: b, PairKey: key})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID != chatID || restored.SwapStatus != store.SwapNone {
		t.Fatalf("expected restored chat without swap, got %+v", restored)
	}
}

func TestShareMeetLink(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")

	share, err := svc.ShareMeetLink(context.Background(), "usr_ben", chatID)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if share.Link != "https://meet.google.com/new" {
		t.Fatalf("unexpected link %q", share.Link)
	}
	if share.Message.Text != "Let's connect on Google Meet: https://meet.google.com/new" || !share.Message.Mine {
		t.Fatalf("unexpected message %+v", share.Message)
	}
}

func TestHelpChat(t *testing.T) {
	svc := newTestService(newFakeStore())

	messages, err := svc.ListMessages(context.Background(), "usr_ana", helpbot.ChatID)
	if err != nil {
		t.Fatalf("list help: %v", err)
	}
	if len(messages) != 1 || messages[0].Text != helpbot.Greeting {
		t.Fatalf("expected greeting, got %+v", messages)
	}

	answer, err := svc.AskHelp("Who is the DEVELOPER?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer.Answer != helpbot.Answer("developer") {
		t.Fatalf("unexpected answer %q", answer.Answer)
	}
	_, err = svc.AskHelp("  ")
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestSubscribeRequiresMembership(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	fs.addUser("usr_cy", "Cy")
	svc := newTestService(fs)
	chatID := acceptedChat(t, svc, "usr_ana", "usr_ben")

	_, err := svc.Subscribe(context.Background(), "usr_cy", chatID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	sub, err := svc.Subscribe(context.Background(), "usr_ben", chatID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
}
