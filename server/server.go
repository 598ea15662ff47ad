// Package server exposes the HTTP surface: tenant login, the overlay
// WebSocket and clip proxy, admin operations, health and metrics. Every
// request carries a correlation ID and a tracing span.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/config"
	"github.com/onnwee/shoutclip/overlay"
	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Config     *config.Config
	Store      tenant.FullStore
	Auth       Authenticator // nil disables tenant login
	Chat       chat.Connection
	Reconciler Reconciler
	Hub        *overlay.Hub
	// Redis, when set, backs the rate limiter shared by all instances.
	Redis *redis.Client
	// Checks are extra readiness checks.
	Checks []Check
	// ProxyClient fetches clip media; nil uses a default client.
	ProxyClient *http.Client
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, d Deps) http.Handler {
	cfg := d.Config
	authCfg := newAuthConfig(cfg)
	rateLimiterCfg := newRateLimiterConfig(cfg)
	corsCfg := newCORSConfig(cfg)

	var rateLimiter RateLimiter
	if d.Redis != nil {
		slog.Info("initializing distributed rate limiter", slog.String("backend", "redis"))
		rateLimiter = newRedisRateLimiter(d.Redis, rateLimiterCfg)
	} else {
		slog.Info("initializing in-memory rate limiter", slog.String("backend", "memory"))
		rateLimiter = newIPRateLimiter(ctx, rateLimiterCfg)
	}
	limited := func(h http.Handler) http.Handler { return rateLimitMiddleware(h, rateLimiter, rateLimiterCfg.window) }

	h := &Handlers{
		store:        d.Store,
		auth:         d.Auth,
		chat:         d.Chat,
		reconciler:   d.Reconciler,
		checks:       d.Checks,
		autoActivate: cfg.AutoActivateTenants,
		proxy:        newClipProxy(cfg.ClipProxyHosts(), d.ProxyClient),
		stateStore:   make(map[string]time.Time),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.Handle("GET /auth/twitch/start", limited(http.HandlerFunc(h.HandleTwitchOAuthStart)))
	mux.Handle("GET /auth/twitch/callback", limited(http.HandlerFunc(h.HandleTwitchOAuthCallback)))

	if d.Hub != nil {
		mux.Handle("GET /overlay/ws", overlay.NewHandler(d.Hub, overlayOriginCheck(corsCfg)))
	}
	mux.HandleFunc("GET /overlay/clip-proxy", h.HandleClipProxy)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/tenants", h.HandleAdminTenants)
	admin.HandleFunc("POST /admin/tenants/{id}/active", h.HandleAdminSetActive)
	admin.HandleFunc("DELETE /admin/tenants/{id}", h.HandleAdminDeleteTenant)
	admin.HandleFunc("GET /admin/tenants/{id}/projects", h.HandleAdminProjects)
	admin.HandleFunc("POST /admin/tenants/{id}/projects", h.HandleAdminCreateProject)
	if d.Reconciler != nil {
		admin.HandleFunc("POST /admin/reconcile", h.HandleAdminReconcile)
	}
	// auth first, then rate limiting
	mux.Handle("/admin/", adminAuth(limited(admin), authCfg))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder captures the status code. It passes Flush and Hijack through
// so streaming and WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start serves handler on addr and shuts down gracefully when ctx is done.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
