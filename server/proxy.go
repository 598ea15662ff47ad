package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// clipProxy streams clip media to overlays that cannot load it cross-origin.
// Only allowlisted hosts are fetched.
type clipProxy struct {
	hosts  []string // exact hosts or "*.domain"
	client *http.Client
}

var errRedirectNotAllowed = errors.New("redirect to a host off the allowlist")

func newClipProxy(hosts []string, client *http.Client) *clipProxy {
	p := &clipProxy{hosts: hosts}
	c := http.Client{Timeout: 2 * time.Minute}
	if client != nil {
		c = *client
	}
	// every hop must stay on the allowlist
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if !p.allowed(req.URL) {
			return errRedirectNotAllowed
		}
		return nil
	}
	p.client = &c
	return p
}

func (p *clipProxy) allowed(u *url.URL) bool {
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range p.hosts {
		if host == h {
			return true
		}
		if strings.HasPrefix(h, "*.") && strings.HasSuffix(host, h[1:]) {
			return true
		}
	}
	return false
}

// HandleClipProxy serves GET /overlay/clip-proxy?url=<media url>, forwarding Range.
func (h *Handlers) HandleClipProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || !h.proxy.allowed(u) {
		writeError(w, http.StatusForbidden, "url not allowed")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad url")
		return
	}
	req.Header.Set("User-Agent", "shoutclip-overlay/1.0")
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := h.proxy.client.Do(req)
	if errors.Is(err, errRedirectNotAllowed) {
		writeError(w, http.StatusForbidden, "redirect not allowed")
		return
	}
	if err != nil {
		slog.Warn("clip proxy fetch failed", slog.String("component", "http"), slog.String("host", u.Host), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	for _, k := range []string{"Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" || ct == "binary/octet-stream" {
		ct = "video/mp4"
	}
	w.Header().Set("Content-Type", ct)
	// clips outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("clip proxy stream ended early", slog.String("component", "http"), slog.Any("err", err))
	}
}
