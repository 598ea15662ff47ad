package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockUser is a Helix user as served by MockTwitchServer.
type MockUser struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// MockClip is a Helix clip as served by MockTwitchServer.
type MockClip struct {
	ID           string  `json:"id"`
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Duration     float64 `json:"duration"`
}

// MockTwitchServer fakes the Helix API under /helix and the OAuth2 token endpoint under /oauth2.
type MockTwitchServer struct {
	*httptest.Server

	mu         sync.Mutex
	handlers   map[string]http.HandlerFunc
	hits       map[string]int
	validToken string
	tokenForms []url.Values
}

// NewMockTwitchServer creates a new mock Twitch server closed on test cleanup.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTwitchServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.hits[r.URL.Path]++
	handler, ok := m.handlers[r.URL.Path]
	valid := m.validToken
	m.mu.Unlock()

	if strings.HasPrefix(r.URL.Path, "/helix/") && valid != "" && r.Header.Get("Authorization") != "Bearer "+valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"})
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	handler(w, r)
}

// HelixURL is the Helix base URL to configure clients with.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AuthURL is the OAuth2 base URL to configure clients with.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2" }

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// HelixHits returns the number of requests made to any Helix endpoint.
func (m *MockTwitchServer) HelixHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p, c := range m.hits {
		if strings.HasPrefix(p, "/helix/") {
			n += c
		}
	}
	return n
}

// TokenForms returns the form bodies posted to the token endpoint.
func (m *MockTwitchServer) TokenForms() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.tokenForms...)
}

// RequireAccessToken makes every Helix endpoint answer 401 unless the bearer token matches.
// A successful token response replaces the accepted token.
func (m *MockTwitchServer) RequireAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validToken = token
}

// Handle installs a raw handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// MockUsers serves /helix/users. A request without login returns self, the token owner.
func (m *MockTwitchServer) MockUsers(self MockUser, known ...MockUser) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []MockUser{}
		logins := r.URL.Query()["login"]
		if len(logins) == 0 {
			data = append(data, self)
		}
		for _, l := range logins {
			for _, u := range append([]MockUser{self}, known...) {
				if strings.EqualFold(u.Login, l) {
					data = append(data, u)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockClips serves /helix/clips for broadcasterID, one page per argument. The cursor
// of page i points at page i+1; the last page has no cursor.
func (m *MockTwitchServer) MockClips(broadcasterID string, pages ...[]MockClip) {
	m.Handle("/helix/clips", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcaster_id") != broadcasterID {
			writeJSON(w, http.StatusOK, map[string]any{"data": []MockClip{}, "pagination": map[string]any{}})
			return
		}
		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			idx, _ = strconv.Atoi(strings.TrimPrefix(after, "page-"))
		}
		data := []MockClip{}
		if idx < len(pages) {
			data = pages[idx]
		}
		pagination := map[string]any{}
		if idx+1 < len(pages) {
			pagination["cursor"] = "page-" + strconv.Itoa(idx+1)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data, "pagination": pagination})
	})
}

// MockStatus makes path answer with status and an error body.
func (m *MockTwitchServer) MockStatus(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{"error": http.StatusText(status), "status": status, "message": "mock failure"})
	})
}

// MockOAuthTokenResponse serves /oauth2/token with a fixed token pair for both grants.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.tokenForms = append(m.tokenForms, r.PostForm)
		if m.validToken != "" {
			m.validToken = accessToken
		}
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"user:read:email"},
			"token_type":    "bearer",
		})
	})
}

// MockOAuthTokenRejected makes /oauth2/token refuse every grant like Twitch does for a revoked token.
func (m *MockTwitchServer) MockOAuthTokenRejected() {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.tokenForms = append(m.tokenForms, r.PostForm)
		m.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Invalid refresh token"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
