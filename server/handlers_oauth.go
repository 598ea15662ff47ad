package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
)

const defaultProjectName = "default"

type loginResponse struct {
	Status      string   `json:"status"`
	TenantID    string   `json:"tenant_id"`
	Channel     string   `json:"channel"`
	DisplayName string   `json:"display_name"`
	Active      bool     `json:"active"`
	Projects    []string `json:"projects"`
	OverlayURLs []string `json:"overlay_urls"`
}

// HandleTwitchOAuthStart redirects the broadcaster to Twitch to authorize the bot.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET + TWITCH_REDIRECT_URI)", http.StatusServiceUnavailable)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending logins", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.auth.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback completes the login: it exchanges the code, stores
// the tenant and makes sure it owns at least one overlay project.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth_login"))
	if h.auth == nil {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.consumeOAuthState(q.Get("state"))
		writeError(w, http.StatusBadRequest, "authorization declined: "+e)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !h.consumeOAuthState(st) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	ctx := r.Context()
	tok, err := h.auth.ExchangeCode(ctx, code)
	if err != nil {
		log.Warn("code exchange failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	user, err := h.auth.GetAuthenticatedUser(ctx, tok.AccessToken)
	if err != nil {
		log.Warn("user lookup failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "user lookup failed")
		return
	}

	// the store keeps an existing active flag, so re-login never switches a tenant off
	t := tenant.Tenant{
		ID:              user.ID,
		Channel:         user.Login,
		DisplayName:     user.DisplayName,
		ProfileImageURL: user.ProfileImageURL,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		ExpiresAt:       tok.ExpiresAt,
		Scope:           tok.Scope,
		Active:          h.autoActivate,
	}
	if err := h.store.Upsert(ctx, t); err != nil {
		log.Error("tenant upsert failed", slog.String("tenant", t.ID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not save tenant")
		return
	}
	if saved, err := h.store.Get(ctx, t.ID); err == nil {
		t.Active = saved.Active
	}

	projects, err := h.store.ListProjects(ctx, t.ID)
	if err == nil && len(projects) == 0 {
		var p tenant.Project
		if p, err = h.store.CreateProject(ctx, t.ID, defaultProjectName); err == nil {
			projects = append(projects, p)
		}
	}
	if err != nil {
		// the tenant is saved; projects can be created from the admin API
		log.Warn("default project setup failed", slog.String("tenant", t.ID), slog.Any("err", err))
	}

	log.Info("tenant logged in", slog.String("tenant", t.ID), slog.String("channel", t.Channel), slog.Bool("active", t.Active))
	ids := lo.Map(projects, func(p tenant.Project, _ int) string { return p.ID })
	writeJSON(w, http.StatusOK, loginResponse{
		Status:      "ok",
		TenantID:    t.ID,
		Channel:     tenant.NormalizeChannel(t.Channel),
		DisplayName: t.DisplayName,
		Active:      t.Active,
		Projects:    ids,
		OverlayURLs: lo.Map(ids, func(id string, _ int) string { return "/overlay/ws?project=" + id }),
	})
}
