package overlay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisRelayRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub()
	c := newClient()
	hub.register(c)
	hub.subscribe(c, "proj-relay")
	relay := NewRedisRelay(rdb, hub)
	if err := relay.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	// retry until the subscription is live
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := relay.Publish(ctx, "proj-relay", []byte("hi")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case got := <-c.send:
			if string(got) != "hi" {
				t.Fatalf("payload = %q", got)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("relay did not deliver")
}
