// Package command turns chat messages into shoutouts: a moderator types
// "!so <user>", the bot answers with a random clip of that user and pushes it
// to the channel owner's overlays.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/overlay"
	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/twitchapi"
)

// Outcome is how a message was handled.
type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDenied       Outcome = "denied"
	OutcomeUsage        Outcome = "usage"
	OutcomeNoTenant     Outcome = "no_tenant"
	OutcomeUserNotFound Outcome = "user_not_found"
	OutcomeNoClips      Outcome = "no_clips"
	OutcomeClipSent     Outcome = "clip_sent"
	OutcomeError        Outcome = "error"
)

// Chat notices.
const (
	msgDenied   = "Only moderators can use this command."
	msgUsage    = "Usage: %s%s <username>"
	msgNotFound = "User not found."
	msgNoClips  = "That channel has no clips."
	msgClip     = "🎬 Clip from %s: %s"
)

// Platform is the Helix surface the handler needs.
type Platform interface {
	ResolveUserID(ctx context.Context, t *tenant.Tenant, login string) (string, bool, error)
	PickRandomClip(ctx context.Context, t *tenant.Tenant, broadcasterID string) (twitchapi.Clip, bool, error)
}

// TenantLookup finds the tenant owning a channel and can switch it off.
type TenantLookup interface {
	GetByChannel(ctx context.Context, channel string) (tenant.Tenant, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// ClipPublisher pushes a clip to a tenant's overlays.
type ClipPublisher interface {
	PublishClip(ctx context.Context, tenantID string, ev overlay.ClipEvent) error
}

type Options struct {
	Prefix  string
	Aliases []string
	// BotUsername messages are never handled.
	BotUsername string
	Timeout     time.Duration
	// DeactivateOnExpired switches a tenant off when its refresh token is rejected.
	DeactivateOnExpired bool
}

type Handler struct {
	parser   Parser
	conn     chat.Connection
	tenants  TenantLookup
	platform Platform
	overlay  ClipPublisher
	opts     Options
	log      *slog.Logger
}

func New(conn chat.Connection, tenants TenantLookup, platform Platform, pub ClipPublisher, opts Options) *Handler {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if len(opts.Aliases) == 0 {
		opts.Aliases = []string{"so", "shoutout"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Handler{
		parser:   NewParser(opts.Prefix, opts.Aliases),
		conn:     conn,
		tenants:  tenants,
		platform: platform,
		overlay:  pub,
		opts:     opts,
		log:      slog.Default().With(slog.String("component", "command")),
	}
}

// OnMessage handles m in its own goroutine with the command timeout. It is
// meant to be registered as the chat message callback.
func (h *Handler) OnMessage(m chat.Message) {
	if _, ok := h.parser.Parse(m); !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.Timeout)
		defer cancel()
		h.Handle(ctx, m)
	}()
}

// Handle processes one message synchronously.
func (h *Handler) Handle(ctx context.Context, m chat.Message) Outcome {
	if h.opts.BotUsername != "" && strings.EqualFold(m.Sender, h.opts.BotUsername) {
		return OutcomeIgnored
	}
	inv, ok := h.parser.Parse(m)
	if !ok {
		return OutcomeIgnored
	}
	ctx, span := telemetry.StartSpan(ctx, "command", "command.shoutout",
		attribute.String("channel", inv.Channel), attribute.String("target", inv.Argument))
	start := time.Now()
	outcome, err := h.shoutout(ctx, inv)
	telemetry.ObserveSince(telemetry.CommandDuration, start)
	telemetry.IncCommand(string(outcome))
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	telemetry.EndSpan(span, err)
	return outcome
}

func (h *Handler) shoutout(ctx context.Context, inv Invocation) (Outcome, error) {
	if !inv.Privileged() {
		h.say(ctx, inv.Channel, msgDenied)
		return OutcomeDenied, nil
	}
	if inv.Argument == "" {
		h.say(ctx, inv.Channel, fmt.Sprintf(msgUsage, h.opts.Prefix, inv.Name))
		return OutcomeUsage, nil
	}

	t, err := h.tenants.GetByChannel(ctx, inv.Channel)
	if errors.Is(err, tenant.ErrNotFound) || (err == nil && !t.Active) {
		// the bot is still in a channel it is about to leave
		return OutcomeNoTenant, nil
	}
	if err != nil {
		h.log.Error("tenant lookup failed", slog.String("channel", inv.Channel), slog.Any("err", err))
		return OutcomeError, err
	}

	userID, found, err := h.platform.ResolveUserID(ctx, &t, inv.Argument)
	if err != nil {
		return OutcomeError, h.platformFailure(ctx, t, inv, err)
	}
	if !found {
		h.say(ctx, inv.Channel, msgNotFound)
		return OutcomeUserNotFound, nil
	}

	clip, found, err := h.platform.PickRandomClip(ctx, &t, userID)
	if err != nil {
		return OutcomeError, h.platformFailure(ctx, t, inv, err)
	}
	if !found {
		h.say(ctx, inv.Channel, msgNoClips)
		return OutcomeNoClips, nil
	}

	h.say(ctx, inv.Channel, fmt.Sprintf(msgClip, inv.Argument, clip.URL))
	ev := overlay.ClipEvent{
		VideoURL:     clip.URL,
		EmbedURL:     clip.EmbedURL,
		ThumbnailURL: clip.ThumbnailURL,
		ClipID:       clip.ID,
		Title:        clip.Title,
		Duration:     clip.Duration,
		DurationMs:   clip.DurationMs(),
		Channel:      inv.Channel,
		Target:       inv.Argument,
		RequestedBy:  inv.Sender,
	}
	if err := h.overlay.PublishClip(ctx, t.ID, ev); err != nil {
		h.log.Warn("overlay publish failed", slog.String("tenant", t.ID), slog.Any("err", err))
	}
	h.log.Info("shoutout sent", slog.String("channel", inv.Channel), slog.String("target", inv.Argument), slog.String("clip", clip.ID))
	return OutcomeClipSent, nil
}

// platformFailure logs err and, for a rejected credential, optionally switches the tenant off.
// Nothing is said in chat.
func (h *Handler) platformFailure(ctx context.Context, t tenant.Tenant, inv Invocation, err error) error {
	h.log.Error("shoutout failed", slog.String("channel", inv.Channel), slog.String("tenant", t.ID),
		slog.String("target", inv.Argument), slog.Any("err", err))
	var ce *twitchapi.CredentialExpiredError
	if !h.opts.DeactivateOnExpired || !errors.As(err, &ce) || !ce.Rejected {
		return err
	}
	if derr := h.tenants.SetActive(context.WithoutCancel(ctx), t.ID, false); derr != nil {
		h.log.Error("deactivate tenant failed", slog.String("tenant", t.ID), slog.Any("err", derr))
		return err
	}
	telemetry.IncTenantDeactivated()
	h.log.Warn("tenant deactivated: credential rejected", slog.String("tenant", t.ID), slog.String("channel", t.Channel))
	return err
}

func (h *Handler) say(ctx context.Context, channel, text string) {
	if err := h.conn.Say(ctx, channel, text); err != nil {
		h.log.Warn("say failed", slog.String("channel", channel), slog.Any("err", err))
	}
}
