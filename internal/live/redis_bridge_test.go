package live

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBridge(t *testing.T, addr string) (*RedisBridge, *Hub) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	hub := NewHub(DefaultBuffer)
	bridge := NewRedisBridge(client, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
		_ = client.Close()
	})

	select {
	case <-bridge.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not subscribe")
	}
	return bridge, hub
}

func TestRedisBridgeRelaysAcrossInstances(t *testing.T) {
	server := miniredis.RunT(t)
	first, firstHub := startBridge(t, server.Addr())
	_, secondHub := startBridge(t, server.Addr())

	local := firstHub.Subscribe(ChatTopic("cht_1"))
	defer local.Close()
	remote := secondHub.Subscribe(ChatTopic("cht_1"))
	defer remote.Close()

	require.NoError(t, first.Publish(context.Background(), NewEvent(EventSwapUpdated, "cht_1", map[string]string{"status": "pending"})))

	select {
	case ev := <-remote.C:
		assert.Equal(t, EventSwapUpdated, ev.Type)
		assert.Equal(t, "cht_1", ev.ChatID)
		payload, ok := ev.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "pending", payload["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected event on remote instance")
	}

	select {
	case ev := <-local.C:
		assert.Equal(t, EventSwapUpdated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected local delivery")
	}

	select {
	case ev := <-local.C:
		t.Fatalf("origin instance received its own event twice: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRedisBridgeRelaysUserEvents(t *testing.T) {
	server := miniredis.RunT(t)
	first, _ := startBridge(t, server.Addr())
	_, secondHub := startBridge(t, server.Addr())

	remote := secondHub.Subscribe(UserTopic("usr_ben"))
	defer remote.Close()

	require.NoError(t, first.Publish(context.Background(), NewUserEvent(EventRequestCreated, "usr_ben", "", map[string]string{"id": "req_1"})))

	select {
	case ev := <-remote.C:
		assert.Equal(t, EventRequestCreated, ev.Type)
		assert.Equal(t, "usr_ben", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected user event on remote instance")
	}
}

func TestRedisBridgeIgnoresMalformedMessages(t *testing.T) {
	server := miniredis.RunT(t)
	_, hub := startBridge(t, server.Addr())
	sub := hub.Subscribe(ChatTopic("cht_1"))
	defer sub.Close()

	server.Publish(DefaultChannel, "{not json")
	server.Publish(DefaultChannel, `{"origin":"node_other","event":{"type":"chat.cleared","chatId":""}}`)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}
