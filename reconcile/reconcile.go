// Package reconcile keeps the bot's joined chat channels equal to the set of
// active tenants.
//
// A run reads the persisted intent (ListActive) and the live observation
// (Connection.Joined), joins what is missing and parts what is extra. Runs
// never overlap: a run requested while another is in flight is dropped with
// ErrRunInProgress, and the next trigger or the periodic loop converges.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
)

// ErrRunInProgress is returned by Run when another run has not finished yet.
var ErrRunInProgress = errors.New("reconcile: run already in progress")

// ActiveLister is the part of the tenant store the reconciler reads.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]tenant.Tenant, error)
}

// ActionError is one failed join or part.
type ActionError struct {
	Action  string // "join" or "part"
	Channel string
	Err     error
}

func (e ActionError) Error() string { return fmt.Sprintf("%s %s: %v", e.Action, e.Channel, e.Err) }

func (e ActionError) Unwrap() error { return e.Err }

// Result describes what a run changed.
type Result struct {
	Joined []string
	Parted []string
	Failed []ActionError
}

// Changed reports whether the run issued any successful action.
func (r Result) Changed() bool { return len(r.Joined)+len(r.Parted) > 0 }

type Reconciler struct {
	store   ActiveLister
	conn    chat.Connection
	timeout time.Duration
	log     *slog.Logger

	running atomic.Bool
}

// New returns a reconciler. timeout bounds runs started by Trigger and Start.
func New(store ActiveLister, conn chat.Connection, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Reconciler{
		store:   store,
		conn:    conn,
		timeout: timeout,
		log:     slog.Default().With(slog.String("component", "reconcile")),
	}
}

// Run performs one reconciliation pass. Per-channel failures are collected in
// Result.Failed; the returned error is reserved for a pass that could not start.
func (r *Reconciler) Run(ctx context.Context) (res Result, err error) {
	if !r.running.CompareAndSwap(false, true) {
		telemetry.IncReconcileRun("skipped")
		return Result{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "reconcile", "reconcile.run")
	defer func() {
		span.SetAttributes(attribute.Int("joined", len(res.Joined)), attribute.Int("parted", len(res.Parted)), attribute.Int("failed", len(res.Failed)))
		telemetry.EndSpan(span, err)
	}()
	start := time.Now()
	defer func() { telemetry.ObserveSince(telemetry.ReconcileDuration, start) }()

	if !r.conn.Connected() {
		telemetry.IncReconcileRun("error")
		return Result{}, chat.ErrNotConnected
	}
	active, err := r.store.ListActive(ctx)
	if err != nil {
		telemetry.IncReconcileRun("error")
		return Result{}, fmt.Errorf("list active tenants: %w", err)
	}
	desired := lo.Uniq(lo.Map(active, func(t tenant.Tenant, _ int) string { return tenant.NormalizeChannel(t.Channel) }))
	toJoin, toPart := lo.Difference(desired, r.conn.Joined())

	// joins first so a channel handed between tenants is never left unjoined
	for _, ch := range toJoin {
		if err := r.conn.Join(ctx, ch); err != nil {
			res.Failed = append(res.Failed, ActionError{Action: "join", Channel: ch, Err: err})
			telemetry.IncReconcileAction("join", "error")
			r.log.Warn("join failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		res.Joined = append(res.Joined, ch)
		telemetry.IncReconcileAction("join", "ok")
	}
	for _, ch := range toPart {
		if err := r.conn.Part(ctx, ch); err != nil {
			res.Failed = append(res.Failed, ActionError{Action: "part", Channel: ch, Err: err})
			telemetry.IncReconcileAction("part", "error")
			r.log.Warn("part failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		res.Parted = append(res.Parted, ch)
		telemetry.IncReconcileAction("part", "ok")
	}

	telemetry.IncReconcileRun(lo.Ternary(len(res.Failed) > 0, "partial", "ok"))
	if res.Changed() || len(res.Failed) > 0 {
		r.log.Info("membership reconciled",
			slog.Any("joined", res.Joined), slog.Any("parted", res.Parted), slog.Int("failed", len(res.Failed)))
	}
	return res, nil
}

// Trigger starts a run in the background, detached from ctx's cancellation.
func (r *Reconciler) Trigger(ctx context.Context) {
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		r.logRun(r.Run(rctx))
	}()
}

// Start runs a pass every interval (±20% jitter) until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		for {
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
			next := interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
			rctx, cancel := context.WithTimeout(ctx, r.timeout)
			r.logRun(r.Run(rctx))
			cancel()
		}
	}()
}

func (r *Reconciler) logRun(_ Result, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		r.log.Debug("reconcile trigger dropped; run in progress")
	case errors.Is(err, chat.ErrNotConnected):
		r.log.Debug("reconcile skipped; chat offline")
	default:
		r.log.Error("reconcile failed", slog.Any("err", err))
	}
}
