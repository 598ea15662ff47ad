package server

import (
	"context"
	"net/http"

	"github.com/onnwee/shoutclip/chat"
)

// HandleHealthz answers liveness checks.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports not ready when the store, the chat connection or any extra check fails.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]Check{
		{"store", h.store.Ping},
		{"chat", func(context.Context) error {
			if h.chat != nil && !h.chat.Connected() {
				return chat.ErrNotConnected
			}
			return nil
		}},
	}, h.checks...)

	for _, check := range checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
