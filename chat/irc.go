package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/shoutclip/telemetry"
)

// ErrNotConnected is returned by Join, Part and Say while the bot is offline.
var ErrNotConnected = errors.New("chat: not connected")

// Connection is the chat handle shared by the reconciler and the command handler.
type Connection interface {
	Join(ctx context.Context, channel string) error
	Part(ctx context.Context, channel string) error
	Say(ctx context.Context, channel, text string) error
	// Joined returns the channels currently joined, sorted.
	Joined() []string
	Connected() bool
}

// IRC is a Connection over go-twitch-irc.
type IRC struct {
	client *twitch.Client
	log    *slog.Logger

	mu        sync.RWMutex
	joined    map[string]struct{}
	onConnect []func()
	onMessage []func(Message)

	connected atomic.Bool
	connects  atomic.Int64
}

// NewIRC builds a client for the bot account. token is the bare OAuth token.
func NewIRC(username, token string) *IRC {
	c := &IRC{
		client: twitch.NewClient(username, "oauth:"+strings.TrimPrefix(token, "oauth:")),
		log:    slog.Default().With(slog.String("component", "chat")),
		joined: make(map[string]struct{}),
	}
	c.client.OnConnect(c.handleConnect)
	c.client.OnPrivateMessage(func(m twitch.PrivateMessage) { c.handleMessage(FromPrivateMessage(m)) })
	c.client.OnSelfPartMessage(c.handleSelfPart)
	return c
}

// OnConnect registers fn to run (in its own goroutine) after every successful connect.
func (c *IRC) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnMessage registers fn for every inbound chat message. fn runs on the read loop and must not block.
func (c *IRC) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

func (c *IRC) Connected() bool { return c.connected.Load() }

func (c *IRC) Join(ctx context.Context, channel string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	channel = normalize(channel)
	c.client.Join(channel)
	c.mu.Lock()
	c.joined[channel] = struct{}{}
	n := len(c.joined)
	c.mu.Unlock()
	telemetry.SetJoinedChannels(n)
	return nil
}

func (c *IRC) Part(ctx context.Context, channel string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	channel = normalize(channel)
	c.client.Depart(channel)
	c.forget(channel)
	return nil
}

func (c *IRC) Say(ctx context.Context, channel, text string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	c.client.Say(normalize(channel), text)
	return nil
}

func (c *IRC) Joined() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Run connects and keeps reconnecting with capped exponential backoff until ctx is done.
func (c *IRC) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.client.Disconnect()
	}()
	const maxBackoff = 2 * time.Minute
	backoff := time.Second
	for {
		before := c.connects.Load()
		err := c.client.Connect()
		c.connected.Store(false)
		if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
			c.log.Info("chat disconnected")
			return nil
		}
		if c.connects.Load() != before {
			backoff = time.Second
		}
		c.log.Warn("chat connection lost; reconnecting", slog.Any("err", err), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *IRC) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (c *IRC) handleConnect() {
	c.connected.Store(true)
	c.connects.Add(1)
	c.mu.RLock()
	hooks := append([]func(){}, c.onConnect...)
	n := len(c.joined)
	c.mu.RUnlock()
	telemetry.SetJoinedChannels(n)
	c.log.Info("chat connected", slog.Int("channels", n))
	for _, fn := range hooks {
		go fn()
	}
}

func (c *IRC) handleMessage(m Message) {
	c.mu.RLock()
	hooks := c.onMessage
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(m)
	}
}

// handleSelfPart covers parts the bot did not ask for (ban, channel closed).
func (c *IRC) handleSelfPart(m twitch.UserPartMessage) {
	c.forget(normalize(m.Channel))
	c.log.Info("left channel", slog.String("channel", m.Channel))
}

func (c *IRC) forget(channel string) {
	c.mu.Lock()
	delete(c.joined, channel)
	n := len(c.joined)
	c.mu.Unlock()
	telemetry.SetJoinedChannels(n)
}

func normalize(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}
