package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func receive(t *testing.T, sub Subscription) string {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func TestHub(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, _ := hub.Subscribe(ctx, "auth_channel")
	b, _ := hub.Subscribe(ctx, "auth_channel")
	other, _ := hub.Subscribe(ctx, "other")
	defer other.Close()

	if hub.Subscribers("auth_channel") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", hub.Subscribers("auth_channel"))
	}

	if err := hub.Publish(ctx, "auth_channel", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if got := receive(t, a); got != "hello" {
		t.Errorf("a: expected hello, got %q", got)
	}
	if got := receive(t, b); got != "hello" {
		t.Errorf("b: expected hello, got %q", got)
	}
	select {
	case msg := <-other.Messages():
		t.Errorf("other channel received %q", msg)
	default:
	}

	a.Close()
	a.Close()
	if hub.Subscribers("auth_channel") != 1 {
		t.Errorf("expected 1 subscriber after close, got %d", hub.Subscribers("auth_channel"))
	}
	b.Close()
	if hub.Subscribers("auth_channel") != 0 {
		t.Error("expected no subscribers")
	}

	// publishing without subscribers is fine
	if err := hub.Publish(ctx, "auth_channel", []byte("late")); err != nil {
		t.Errorf("publish failed: %v", err)
	}
}

func TestRedisBroadcaster(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewRedisBroadcaster(client, zerolog.Nop())
	channel := "mtranscribe-test-" + time.Now().Format("150405.000000")

	sub, err := b.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := PublishResult(ctx, b, channel, Result{Success: true}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	result, ok := parseResult([]byte(receive(t, sub)))
	if !ok || !result.Success {
		t.Errorf("unexpected result %+v", result)
	}

	if err := sub.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}
