package twitchapi

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/testutil"
)

func TestResolveUserID(t *testing.T) {
	tests := []struct {
		name        string
		login       string
		wantID      string
		wantFound   bool
		errContains string
	}{
		{name: "known login", login: "friend", wantID: "2002", wantFound: true},
		{name: "case insensitive", login: "FRIEND", wantID: "2002", wantFound: true},
		{name: "unknown login", login: "ghost_user"},
		{name: "empty login", login: "", errContains: "login empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockTwitchServer(t)
			m.MockUsers(testutil.MockUser{ID: "1001", Login: "streamer"}, testutil.MockUser{ID: "2002", Login: "friend"})
			c := newTestClient(t, m, nil)
			tn := tenant.Tenant{ID: "1001", AccessToken: "tok"}

			id, found, err := c.ResolveUserID(context.Background(), &tn, tt.login)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("err = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveUserID: %v", err)
			}
			if id != tt.wantID || found != tt.wantFound {
				t.Errorf("ResolveUserID = %q, %v; want %q, %v", id, found, tt.wantID, tt.wantFound)
			}
		})
	}
}

func TestHelixRequestHeaders(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("Client-Id = %q", r.Header.Get("Client-Id"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	c := newTestClient(t, m, nil)
	tn := tenant.Tenant{ID: "1001", AccessToken: "tok"}
	if _, _, err := c.ResolveUserID(context.Background(), &tn, "friend"); err != nil {
		t.Fatalf("ResolveUserID: %v", err)
	}
}

func clips(prefix string, n int) []testutil.MockClip {
	out := make([]testutil.MockClip, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", prefix, i)
		out[i] = testutil.MockClip{ID: id, URL: "https://clips.twitch.tv/" + id, Duration: 30}
	}
	return out
}

func TestPickRandomClipNoClips(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockClips("2002")
	c := newTestClient(t, m, nil)
	tn := tenant.Tenant{ID: "1001", AccessToken: "tok"}

	_, found, err := c.PickRandomClip(context.Background(), &tn, "2002")
	if err != nil {
		t.Fatalf("PickRandomClip: %v", err)
	}
	if found {
		t.Error("expected found=false for a broadcaster without clips")
	}
}

func TestPickRandomClipWalksPagesUpToLimit(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockClips("2002", clips("a", 3), clips("b", 2), clips("c", 4))

	var seenN int
	c := New(Options{
		ClientID:     "test-client-id",
		HelixBaseURL: m.HelixURL(),
		ClipPageSize: 3,
		ClipMaxPages: 2,
		Intn: func(n int) int {
			seenN = n
			return n - 1
		},
	})
	tn := tenant.Tenant{ID: "1001", AccessToken: "tok"}

	clip, found, err := c.PickRandomClip(context.Background(), &tn, "2002")
	if err != nil || !found {
		t.Fatalf("PickRandomClip = %v, %v", found, err)
	}
	if seenN != 5 {
		t.Errorf("picked among %d clips, want 5 (two pages)", seenN)
	}
	if clip.ID != "b-1" {
		t.Errorf("clip = %q, want b-1", clip.ID)
	}
	if got := m.Hits("/helix/clips"); got != 2 {
		t.Errorf("clips hits = %d, want 2", got)
	}
}

func TestPickRandomClipStopsWithoutCursor(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockClips("2002", clips("a", 2))
	c := New(Options{HelixBaseURL: m.HelixURL(), ClipMaxPages: 5})
	tn := tenant.Tenant{ID: "1001", AccessToken: "tok"}

	if _, found, err := c.PickRandomClip(context.Background(), &tn, "2002"); err != nil || !found {
		t.Fatalf("PickRandomClip = %v, %v", found, err)
	}
	if got := m.Hits("/helix/clips"); got != 1 {
		t.Errorf("clips hits = %d, want 1", got)
	}
}

// Chi-square goodness of fit over 10 clips; 27.88 is the 0.999 quantile for 9 degrees of freedom.
func TestPickRandomClipIsUniform(t *testing.T) {
	const (
		k     = 10
		draws = 2000
	)
	m := testutil.NewMockTwitchServer(t)
	m.MockClips("2002", clips("u", k))
	rng := rand.New(rand.NewPCG(42, 1024))
	c := New(Options{HelixBaseURL: m.HelixURL(), Intn: rng.IntN})
	tn := tenant.Tenant{ID: "1001", AccessToken: "tok"}

	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		clip, found, err := c.PickRandomClip(context.Background(), &tn, "2002")
		if err != nil || !found {
			t.Fatalf("PickRandomClip = %v, %v", found, err)
		}
		counts[clip.ID]++
	}
	if len(counts) != k {
		t.Fatalf("only %d distinct clips picked", len(counts))
	}
	expected := float64(draws) / k
	var chi2 float64
	for _, n := range counts {
		d := float64(n) - expected
		chi2 += d * d / expected
	}
	if chi2 > 27.88 {
		t.Errorf("chi-square = %.2f, distribution not uniform: %v", chi2, counts)
	}
}

func TestClipDurationMs(t *testing.T) {
	if got := (Clip{Duration: 29.5}).DurationMs(); got != 29500 {
		t.Errorf("DurationMs = %d, want 29500", got)
	}
}
