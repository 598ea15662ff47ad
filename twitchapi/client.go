// Package twitchapi is the authenticated Helix client used on behalf of tenants.
//
// Every request goes through Call, a fixed two-step pipeline: the request is
// attempted with the tenant's access token and, only when Helix answers 401,
// the token pair is refreshed, persisted and the request attempted exactly once
// more. There is no loop, so a request is never sent more than twice.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
)

const (
	defaultHelixBaseURL = "https://api.twitch.tv/helix"
	maxErrorBody        = 512
)

// TokenStore persists a refreshed token pair.
type TokenStore interface {
	SaveTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error
}

// Options configures a Client. Zero values fall back to production defaults.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// AuthBaseURL is the OAuth2 root holding /authorize and /token.
	AuthBaseURL  string
	HelixBaseURL string
	Timeout      time.Duration
	HTTPClient   *http.Client
	ClipPageSize int
	ClipMaxPages int
	Store        TokenStore
	// Intn picks the clip index; defaults to math/rand/v2.
	Intn func(n int) int
}

// Client talks to Helix and the Twitch OAuth2 endpoints.
type Client struct {
	clientID     string
	helixBase    string
	http         *http.Client
	oauth        *oauth2.Config
	store        TokenStore
	clipPageSize int
	clipMaxPages int
	intn         func(int) int
	timeout      time.Duration

	sf singleflight.Group
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	helix := opts.HelixBaseURL
	if helix == "" {
		helix = defaultHelixBaseURL
	}
	endpoint := twitch.Endpoint
	if opts.AuthBaseURL != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:   opts.AuthBaseURL + "/authorize",
			TokenURL:  opts.AuthBaseURL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	c := &Client{
		clientID:  opts.ClientID,
		helixBase: helix,
		http:      hc,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       opts.Scopes,
			Endpoint:     endpoint,
		},
		store:        opts.Store,
		clipPageSize: opts.ClipPageSize,
		clipMaxPages: opts.ClipMaxPages,
		intn:         opts.Intn,
		timeout:      timeout,
	}
	if c.clipPageSize <= 0 || c.clipPageSize > 100 {
		c.clipPageSize = 100
	}
	if c.clipMaxPages <= 0 {
		c.clipMaxPages = 1
	}
	if c.intn == nil {
		c.intn = rand.IntN
	}
	return c
}

// Call performs GET {helix}/{endpoint}?{query} as tenant t and decodes the JSON body into out.
// On a 401 it refreshes t's credential, updates t in place and retries once.
func (c *Client) Call(ctx context.Context, t *tenant.Tenant, endpoint string, query url.Values, out any) (err error) {
	if t == nil {
		return errors.New("twitchapi: nil tenant")
	}
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix."+endpoint,
		attribute.String("tenant.id", t.ID), attribute.String("helix.endpoint", endpoint))
	defer func() { telemetry.EndSpan(span, err) }()

	err = c.attempt(ctx, t.AccessToken, endpoint, query, out)
	if !errors.Is(err, ErrAuthExpired) {
		return err
	}
	if err := c.RefreshTenant(ctx, t, "reactive"); err != nil {
		return err
	}
	span.AddEvent("token refreshed")
	return c.attempt(ctx, t.AccessToken, endpoint, query, out)
}

func (c *Client) attempt(ctx context.Context, accessToken, endpoint string, query url.Values, out any) error {
	u := c.helixBase + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.IncPlatformRequest(endpoint, "error")
		return fmt.Errorf("helix %s: %w", endpoint, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.IncPlatformRequest(endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("helix %s: %w", endpoint, ErrAuthExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode helix %s: %w", endpoint, err)
	}
	return nil
}

// RefreshTenant exchanges t's refresh token, persists the new pair through the
// token store and updates t in place. Concurrent refreshes of one tenant share
// a single exchange. Failures are returned as *CredentialExpiredError.
func (c *Client) RefreshTenant(ctx context.Context, t *tenant.Tenant, trigger string) error {
	refreshToken := t.RefreshToken
	v, err, _ := c.sf.Do(t.ID, func() (any, error) {
		// shared by every waiter, so one caller's cancellation must not fail the rest
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		tok, err := c.Refresh(rctx, refreshToken)
		if err != nil {
			rejected := isRejected(err)
			telemetry.IncTokenRefresh(trigger, lo.Ternary(rejected, "rejected", "error"))
			return nil, &CredentialExpiredError{TenantID: t.ID, Rejected: rejected, Err: err}
		}
		telemetry.IncTokenRefresh(trigger, "ok")
		if c.store != nil {
			if err := c.store.SaveTokens(rctx, t.ID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
				// the new pair is still usable for this process
				slog.Warn("persist refreshed token failed", slog.String("component", "twitchapi"),
					slog.String("tenant", t.ID), slog.Any("err", err))
			}
		}
		return tok, nil
	})
	if err != nil {
		return err
	}
	tok := v.(Token)
	t.AccessToken = tok.AccessToken
	t.RefreshToken = tok.RefreshToken
	t.ExpiresAt = tok.ExpiresAt
	slog.Info("tenant token refreshed", slog.String("component", "twitchapi"),
		slog.String("tenant", t.ID), slog.String("trigger", trigger), slog.Time("expires_at", tok.ExpiresAt))
	return nil
}

// isRejected distinguishes a refused grant from an unreachable identity provider.
func isRejected(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
	}
	return errors.Is(err, errNoRefreshToken)
}

