// Package oauth keeps tenant credentials fresh ahead of expiry. A jittered
// loop scans the store for tokens expiring inside a window and refreshes them
// through the same single-flight path the Helix client uses on a 401, so a
// proactive and a reactive refresh of one tenant never race.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/twitchapi"
)

// Refresher exchanges a tenant's refresh token and persists the result.
type Refresher interface {
	RefreshTenant(ctx context.Context, t *tenant.Tenant, trigger string) error
}

// ExpiringStore is the part of the tenant store the refresher needs.
type ExpiringStore interface {
	ListExpiring(ctx context.Context, before time.Time) ([]tenant.Tenant, error)
	SetActive(ctx context.Context, id string, active bool) error
}

type Options struct {
	// Interval is how often to wake up and check.
	Interval time.Duration
	// Window refreshes tokens whose remaining lifetime is at most Window.
	Window time.Duration
	// DeactivateOnRejected switches a tenant off when Twitch refuses its refresh token.
	DeactivateOnRejected bool
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Refreshed   int
	Failed      int
	Deactivated int
}

// StartRefresher launches a goroutine that sweeps the store every Interval (±20%) until ctx is done.
func StartRefresher(ctx context.Context, store ExpiringStore, client Refresher, opts Options) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(opts.Interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			Sweep(ctx, store, client, opts)

			jitterRange := int64(opts.Interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			nextSleep := opts.Interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
			if nextSleep < opts.Interval/2 {
				nextSleep = opts.Interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// Sweep refreshes every active tenant whose token expires within opts.Window.
// One tenant's failure never stops the pass.
func Sweep(ctx context.Context, store ExpiringStore, client Refresher, opts Options) SweepResult {
	log := slog.Default().With(slog.String("component", "oauth_refresh"))
	var res SweepResult

	due, err := store.ListExpiring(ctx, time.Now().Add(opts.Window))
	if err != nil {
		log.Warn("list expiring tenants failed", slog.Any("err", err))
		return res
	}
	for i := range due {
		if ctx.Err() != nil {
			return res
		}
		t := &due[i]
		// inactive tenants refresh on demand if an admin reactivates them
		if !t.Active || t.RefreshToken == "" {
			continue
		}
		err := client.RefreshTenant(ctx, t, "proactive")
		if err == nil {
			res.Refreshed++
			continue
		}
		res.Failed++
		log.Warn("token refresh failed", slog.String("tenant", t.ID), slog.String("channel", t.Channel), slog.Any("err", err))

		var ce *twitchapi.CredentialExpiredError
		if !opts.DeactivateOnRejected || !errors.As(err, &ce) || !ce.Rejected {
			continue
		}
		if err := store.SetActive(ctx, t.ID, false); err != nil {
			log.Error("deactivate tenant failed", slog.String("tenant", t.ID), slog.Any("err", err))
			continue
		}
		res.Deactivated++
		telemetry.IncTenantDeactivated()
		log.Warn("tenant deactivated: credential rejected", slog.String("tenant", t.ID), slog.String("channel", t.Channel))
	}
	if len(due) > 0 {
		log.Info("token sweep finished", slog.Int("due", len(due)), slog.Int("refreshed", res.Refreshed), slog.Int("failed", res.Failed))
	}
	return res
}
