package command

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/overlay"
	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/twitchapi"
)

type sayConn struct {
	mu   sync.Mutex
	said []string
}

func (c *sayConn) Join(context.Context, string) error { return nil }
func (c *sayConn) Part(context.Context, string) error { return nil }
func (c *sayConn) Joined() []string                   { return nil }
func (c *sayConn) Connected() bool                    { return true }

func (c *sayConn) Say(_ context.Context, channel, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.said = append(c.said, channel+": "+text)
	return nil
}

func (c *sayConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.said...)
}

var _ chat.Connection = (*sayConn)(nil)

type fakePlatform struct {
	users map[string]string
	clips map[string][]twitchapi.Clip
	err   error
	calls int
}

func (p *fakePlatform) ResolveUserID(_ context.Context, _ *tenant.Tenant, login string) (string, bool, error) {
	p.calls++
	if p.err != nil {
		return "", false, p.err
	}
	id, ok := p.users[login]
	return id, ok, nil
}

func (p *fakePlatform) PickRandomClip(_ context.Context, _ *tenant.Tenant, id string) (twitchapi.Clip, bool, error) {
	p.calls++
	cs := p.clips[id]
	if len(cs) == 0 {
		return twitchapi.Clip{}, false, nil
	}
	return cs[0], true, nil
}

type fakePublisher struct {
	events []overlay.ClipEvent
	tenant string
}

func (f *fakePublisher) PublishClip(_ context.Context, tenantID string, ev overlay.ClipEvent) error {
	f.tenant = tenantID
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	store    *tenant.MemoryStore
	conn     *sayConn
	platform *fakePlatform
	pub      *fakePublisher
	h        *Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: tenant.NewMemoryStore(),
		conn:  &sayConn{},
		platform: &fakePlatform{
			users: map[string]string{"streamer_b": "222", "empty": "333"},
			clips: map[string][]twitchapi.Clip{
				"222": {{ID: "ClipA", URL: "https://clips.twitch.tv/ClipA", Title: "nice", Duration: 28.5}},
			},
		},
		pub: &fakePublisher{},
	}
	err := f.store.Upsert(context.Background(), tenant.Tenant{
		ID: "t1", Channel: "streamer_a", AccessToken: "a", RefreshToken: "r", Active: true,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	f.h = New(f.conn, f.store, f.platform, f.pub, opts)
	return f
}

func modMessage(text string) chat.Message {
	return chat.Message{Channel: "streamer_a", Sender: "mod_x", Text: text, Moderator: true}
}

func TestNonModeratorIsDeniedWithoutPlatformCalls(t *testing.T) {
	f := newFixture(t, Options{})
	m := chat.Message{Channel: "streamer_a", Sender: "viewer", Text: "!so streamer_b"}

	if got := f.h.Handle(context.Background(), m); got != OutcomeDenied {
		t.Fatalf("outcome = %s, want denied", got)
	}
	if f.platform.calls != 0 {
		t.Errorf("platform calls = %d, want 0", f.platform.calls)
	}
	if lines := f.conn.lines(); len(lines) != 1 || !strings.Contains(lines[0], msgDenied) {
		t.Errorf("said = %v", lines)
	}
}

func TestBroadcasterMayShoutout(t *testing.T) {
	f := newFixture(t, Options{})
	m := chat.Message{Channel: "streamer_a", Sender: "streamer_a", Text: "!so streamer_b", Broadcaster: true}
	if got := f.h.Handle(context.Background(), m); got != OutcomeClipSent {
		t.Fatalf("outcome = %s, want clip_sent", got)
	}
}

func TestMissingArgumentPrintsUsage(t *testing.T) {
	f := newFixture(t, Options{})
	if got := f.h.Handle(context.Background(), modMessage("!so   ")); got != OutcomeUsage {
		t.Fatalf("outcome = %s, want usage", got)
	}
	if f.platform.calls != 0 {
		t.Errorf("platform calls = %d, want 0", f.platform.calls)
	}
	if lines := f.conn.lines(); len(lines) != 1 || !strings.HasSuffix(lines[0], "Usage: !so <username>") {
		t.Errorf("said = %v", lines)
	}
}

func TestUnknownUser(t *testing.T) {
	f := newFixture(t, Options{})
	if got := f.h.Handle(context.Background(), modMessage("!so ghost_user")); got != OutcomeUserNotFound {
		t.Fatalf("outcome = %s, want user_not_found", got)
	}
	if len(f.pub.events) != 0 {
		t.Errorf("overlay received %d events, want 0", len(f.pub.events))
	}
	if lines := f.conn.lines(); len(lines) != 1 || !strings.HasSuffix(lines[0], msgNotFound) {
		t.Errorf("said = %v", lines)
	}
}

func TestUserWithoutClips(t *testing.T) {
	f := newFixture(t, Options{})
	if got := f.h.Handle(context.Background(), modMessage("!shoutout empty")); got != OutcomeNoClips {
		t.Fatalf("outcome = %s, want no_clips", got)
	}
	if lines := f.conn.lines(); len(lines) != 1 || !strings.HasSuffix(lines[0], msgNoClips) {
		t.Errorf("said = %v", lines)
	}
}

func TestShoutoutRepliesAndPublishes(t *testing.T) {
	f := newFixture(t, Options{})
	if got := f.h.Handle(context.Background(), modMessage("!SO @Streamer_B")); got != OutcomeClipSent {
		t.Fatalf("outcome = %s, want clip_sent", got)
	}
	want := "streamer_a: 🎬 Clip from streamer_b: https://clips.twitch.tv/ClipA"
	if lines := f.conn.lines(); len(lines) != 1 || lines[0] != want {
		t.Errorf("said = %v, want %q", lines, want)
	}
	if len(f.pub.events) != 1 || f.pub.tenant != "t1" {
		t.Fatalf("published = %+v to %q", f.pub.events, f.pub.tenant)
	}
	ev := f.pub.events[0]
	if ev.ClipID != "ClipA" || ev.DurationMs != 28500 || ev.Target != "streamer_b" || ev.RequestedBy != "mod_x" {
		t.Errorf("event = %+v", ev)
	}
}

func TestUnknownChannelIsSilent(t *testing.T) {
	f := newFixture(t, Options{})
	m := modMessage("!so streamer_b")
	m.Channel = "someone_else"
	if got := f.h.Handle(context.Background(), m); got != OutcomeNoTenant {
		t.Fatalf("outcome = %s, want no_tenant", got)
	}
	if len(f.conn.lines()) != 0 || f.platform.calls != 0 {
		t.Errorf("said %v with %d platform calls; want silence", f.conn.lines(), f.platform.calls)
	}
}

func TestInactiveTenantIsSilent(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.store.SetActive(context.Background(), "t1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if got := f.h.Handle(context.Background(), modMessage("!so streamer_b")); got != OutcomeNoTenant {
		t.Fatalf("outcome = %s, want no_tenant", got)
	}
}

func TestOtherMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	for _, text := range []string{"", "hello", "so streamer_b", "!lurk", "!sox streamer_b"} {
		if got := f.h.Handle(context.Background(), modMessage(text)); got != OutcomeIgnored {
			t.Errorf("Handle(%q) = %s, want ignored", text, got)
		}
	}
	if len(f.conn.lines()) != 0 {
		t.Errorf("said = %v", f.conn.lines())
	}
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, Options{BotUsername: "ShoutBot"})
	m := modMessage("!so streamer_b")
	m.Sender = "shoutbot"
	if got := f.h.Handle(context.Background(), m); got != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", got)
	}
}

func TestRejectedCredentialDeactivatesTenant(t *testing.T) {
	f := newFixture(t, Options{DeactivateOnExpired: true})
	f.platform.err = &twitchapi.CredentialExpiredError{TenantID: "t1", Rejected: true, Err: errors.New("invalid_grant")}

	if got := f.h.Handle(context.Background(), modMessage("!so streamer_b")); got != OutcomeError {
		t.Fatalf("outcome = %s, want error", got)
	}
	got, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Active {
		t.Error("tenant still active after its refresh token was rejected")
	}
	if len(f.conn.lines()) != 0 {
		t.Errorf("said = %v; failures stay out of chat", f.conn.lines())
	}
}

func TestTransientCredentialFailureKeepsTenant(t *testing.T) {
	f := newFixture(t, Options{DeactivateOnExpired: true})
	f.platform.err = &twitchapi.CredentialExpiredError{TenantID: "t1", Err: errors.New("502 bad gateway")}

	f.h.Handle(context.Background(), modMessage("!so streamer_b"))
	got, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Active {
		t.Error("tenant deactivated on a transient refresh failure")
	}
}

func TestParseCustomPrefixAndAliases(t *testing.T) {
	p := NewParser("?", []string{"clip", "?co"})
	inv, ok := p.Parse(chat.Message{Channel: "c", Text: "?CO  @Foo extra words"})
	if !ok {
		t.Fatal("expected a match")
	}
	if inv.Name != "co" || inv.Argument != "foo" {
		t.Errorf("invocation = %+v", inv)
	}
	if _, ok := p.Parse(chat.Message{Text: "!clip foo"}); ok {
		t.Error("default prefix matched a custom-prefix parser")
	}
}
