package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pixchat/internal/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := NewClient(config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNilClient(t *testing.T) {
	var c *Client
	if err := c.Set(context.Background(), "k", "v", time.Second); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if _, err := c.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}

func TestSetGetDel(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "pixchat:test:" + time.Now().Format(time.RFC3339Nano)
	if err := c.Set(ctx, key, "value", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, key)
	if err != nil || got != "value" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := c.Del(ctx, key); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel := "pixchat:test:pubsub"
	ps, err := c.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer ps.Close()
	if err := c.Publish(ctx, channel, "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Payload != "hello" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
}
