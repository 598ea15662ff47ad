package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/reconcile"
	"github.com/onnwee/shoutclip/telemetry"
	"github.com/onnwee/shoutclip/tenant"
)

// tenantView is a tenant without its credential.
type tenantView struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	Joined      bool      `json:"joined"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (h *Handlers) view(t tenant.Tenant, joined []string) tenantView {
	return tenantView{
		ID:          t.ID,
		Channel:     t.Channel,
		DisplayName: t.DisplayName,
		Active:      t.Active,
		Joined:      slices.Contains(joined, tenant.NormalizeChannel(t.Channel)),
		ExpiresAt:   t.ExpiresAt,
		Scope:       t.Scope,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (h *Handlers) joined() []string {
	if h.chat == nil {
		return nil
	}
	return h.chat.Joined()
}

// HandleAdminTenants lists every tenant with its live membership.
func (h *Handlers) HandleAdminTenants(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	joined := h.joined()
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": lo.Map(all, func(t tenant.Tenant, _ int) tenantView { return h.view(t, joined) }),
		"joined":  joined,
	})
}

// HandleAdminSetActive switches the bot on or off for a tenant.
func (h *Handlers) HandleAdminSetActive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}
	err := h.store.SetActive(r.Context(), id, *req.Active)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	case errors.Is(err, tenant.ErrChannelClaimed):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("tenant active flag set",
		slog.String("component", "admin"), slog.String("tenant", id), slog.Bool("active", t.Active))
	writeJSON(w, http.StatusOK, h.view(t, h.joined()))
}

// HandleAdminDeleteTenant parts an active tenant's channel if joined, then deletes the tenant.
func (h *Handlers) HandleAdminDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"))
	t, err := h.store.Get(r.Context(), id)
	if errors.Is(err, tenant.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	channel := tenant.NormalizeChannel(t.Channel)
	// an inactive record never owns the joined channel; another tenant may
	if t.Active && slices.Contains(h.joined(), channel) {
		// best effort; the reconciler parts it later otherwise
		if err := h.chat.Part(r.Context(), channel); err != nil {
			log.Warn("part before delete failed", slog.String("channel", channel), slog.Any("err", err))
		}
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("tenant deleted", slog.String("tenant", id), slog.String("channel", channel))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// HandleAdminProjects lists a tenant's overlay projects.
func (h *Handlers) HandleAdminProjects(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); errors.Is(err, tenant.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	ps, err := h.store.ListProjects(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": ps})
}

// HandleAdminCreateProject adds an overlay project to a tenant.
func (h *Handlers) HandleAdminCreateProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultProjectName
	}
	p, err := h.store.CreateProject(r.Context(), id, name)
	if errors.Is(err, tenant.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleAdminReconcile runs a membership pass and returns what it changed.
func (h *Handlers) HandleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := h.reconciler.Run(ctx)
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, chat.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failed := lo.Map(res.Failed, func(e reconcile.ActionError, _ int) map[string]string {
		return map[string]string{"action": e.Action, "channel": e.Channel, "error": e.Err.Error()}
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"joined": lo.Ternary(res.Joined == nil, []string{}, res.Joined),
		"parted": lo.Ternary(res.Parted == nil, []string{}, res.Parted),
		"failed": failed,
	})
}
