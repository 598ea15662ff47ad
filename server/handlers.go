package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/reconcile"
	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Authenticator runs the tenant login handshake.
type Authenticator interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (twitchapi.Token, error)
	GetAuthenticatedUser(ctx context.Context, accessToken string) (twitchapi.User, error)
}

// Reconciler runs a membership pass on demand.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Result, error)
}

// Check is a named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store        tenant.FullStore
	auth         Authenticator
	chat         chat.Connection
	reconciler   Reconciler
	checks       []Check
	autoActivate bool
	proxy        *clipProxy

	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

// cleanExpiredStates removes expired OAuth states. Callers hold stateMu.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records a login state. It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	// refuse rather than grow without bound
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was live.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
