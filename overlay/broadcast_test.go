package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/onnwee/shoutclip/tenant"
)

type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	payload []byte
	fail    map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[topic] {
		return errors.New("unavailable")
	}
	p.topics = append(p.topics, topic)
	p.payload = payload
	return nil
}

func newStoreWithProjects(t *testing.T, n int) (*tenant.MemoryStore, []string) {
	t.Helper()
	ctx := context.Background()
	store := tenant.NewMemoryStore()
	if err := store.Upsert(ctx, tenant.Tenant{ID: "1001", Channel: "streamer", AccessToken: "a", RefreshToken: "r", Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	var ids []string
	for i := 0; i < n; i++ {
		p, err := store.CreateProject(ctx, "1001", "overlay")
		if err != nil {
			t.Fatalf("CreateProject: %v", err)
		}
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return store, ids
}

func TestPublishClipReachesEveryProject(t *testing.T) {
	store, ids := newStoreWithProjects(t, 2)
	pub := &recordingPublisher{}
	b := NewBroadcaster(pub, store)

	ev := ClipEvent{VideoURL: "https://clips.twitch.tv/abc", ClipID: "abc", Duration: 12.5, DurationMs: 12500, Channel: "streamer", Target: "friend"}
	if err := b.PublishClip(context.Background(), "1001", ev); err != nil {
		t.Fatalf("PublishClip: %v", err)
	}
	sort.Strings(pub.topics)
	if len(pub.topics) != 2 || pub.topics[0] != ids[0] || pub.topics[1] != ids[1] {
		t.Fatalf("topics = %v, want %v", pub.topics, ids)
	}
	var env struct {
		Type string    `json:"type"`
		Data ClipEvent `json:"data"`
	}
	if err := json.Unmarshal(pub.payload, &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Type != "newClip" || env.Data != ev {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPublishClipWithoutProjects(t *testing.T) {
	store, _ := newStoreWithProjects(t, 0)
	pub := &recordingPublisher{}
	if err := NewBroadcaster(pub, store).PublishClip(context.Background(), "1001", ClipEvent{}); err != nil {
		t.Fatalf("PublishClip: %v", err)
	}
	if len(pub.topics) != 0 {
		t.Errorf("published to %v", pub.topics)
	}
}

func TestPublishClipContinuesPastFailedTopic(t *testing.T) {
	store, ids := newStoreWithProjects(t, 2)
	pub := &recordingPublisher{fail: map[string]bool{ids[0]: true}}
	err := NewBroadcaster(pub, store).PublishClip(context.Background(), "1001", ClipEvent{ClipID: "abc"})
	if err == nil {
		t.Fatal("expected error for the failed topic")
	}
	if len(pub.topics) != 1 || pub.topics[0] != ids[1] {
		t.Errorf("topics = %v, want [%s]", pub.topics, ids[1])
	}
}
