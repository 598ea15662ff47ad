package oauth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/shoutclip/tenant"
	"github.com/onnwee/shoutclip/testutil"
	"github.com/onnwee/shoutclip/twitchapi"
)

func setup(t *testing.T) (*tenant.MemoryStore, *testutil.MockTwitchServer, *twitchapi.Client) {
	t.Helper()
	store := tenant.NewMemoryStore()
	mock := testutil.NewMockTwitchServer(t)
	client := twitchapi.New(twitchapi.Options{
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthBaseURL:  mock.AuthURL(),
		HelixBaseURL: mock.HelixURL(),
		Timeout:      2 * time.Second,
		Store:        store,
	})
	return store, mock, client
}

func seed(t *testing.T, store *tenant.MemoryStore, id string, refresh string, expiresIn time.Duration) {
	t.Helper()
	err := store.Upsert(context.Background(), tenant.Tenant{
		ID: id, Channel: "chan_" + id, AccessToken: "old-access-" + id, RefreshToken: refresh,
		ExpiresAt: time.Now().Add(expiresIn), Active: true,
	})
	if err != nil {
		t.Fatalf("Upsert %s: %v", id, err)
	}
}

func TestSweepRefreshesOnlyTokensInsideWindow(t *testing.T) {
	store, mock, client := setup(t)
	mock.MockOAuthTokenResponse("new-access", "new-refresh", 3600)
	seed(t, store, "soon", "refresh-soon", 5*time.Minute)
	seed(t, store, "later", "refresh-later", 2*time.Hour)

	res := Sweep(context.Background(), store, client, Options{Window: 15 * time.Minute})
	if res.Refreshed != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want one refresh", res)
	}
	soon, _ := store.Get(context.Background(), "soon")
	if soon.AccessToken != "new-access" || soon.RefreshToken != "new-refresh" {
		t.Errorf("soon not updated: %+v", soon)
	}
	if time.Until(soon.ExpiresAt) < 30*time.Minute {
		t.Errorf("expiry not advanced: %v", soon.ExpiresAt)
	}
	later, _ := store.Get(context.Background(), "later")
	if later.AccessToken != "old-access-later" {
		t.Errorf("later refreshed outside window: %+v", later)
	}
	forms := mock.TokenForms()
	if len(forms) != 1 || forms[0].Get("refresh_token") != "refresh-soon" {
		t.Errorf("token forms = %v", forms)
	}
}

func TestSweepSkipsInactiveTenants(t *testing.T) {
	store, mock, client := setup(t)
	mock.MockOAuthTokenResponse("new-access", "new-refresh", 3600)
	seed(t, store, "parked", "refresh-parked", 5*time.Minute)
	if err := store.SetActive(context.Background(), "parked", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	res := Sweep(context.Background(), store, client, Options{Window: 15 * time.Minute})
	if res.Refreshed != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v, want no work", res)
	}
	if forms := mock.TokenForms(); len(forms) != 0 {
		t.Errorf("token endpoint hit %d times for an inactive tenant", len(forms))
	}
	got, _ := store.Get(context.Background(), "parked")
	if got.AccessToken != "old-access-parked" {
		t.Errorf("inactive tenant refreshed: %+v", got)
	}
}

func TestSweepRejectedTokenDeactivatesTenant(t *testing.T) {
	store, mock, client := setup(t)
	mock.MockOAuthTokenRejected()
	seed(t, store, "revoked", "refresh-revoked", time.Minute)

	res := Sweep(context.Background(), store, client, Options{Window: 15 * time.Minute, DeactivateOnRejected: true})
	if res.Failed != 1 || res.Deactivated != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Get(context.Background(), "revoked")
	if got.Active {
		t.Error("tenant still active")
	}
	if got.AccessToken != "old-access-revoked" {
		t.Errorf("credential changed on failed refresh: %+v", got)
	}
}

func TestSweepRejectedTokenKeptWhenPolicyOff(t *testing.T) {
	store, mock, client := setup(t)
	mock.MockOAuthTokenRejected()
	seed(t, store, "revoked", "refresh-revoked", time.Minute)

	res := Sweep(context.Background(), store, client, Options{Window: 15 * time.Minute})
	if res.Deactivated != 0 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Get(context.Background(), "revoked")
	if !got.Active {
		t.Error("tenant deactivated with the policy off")
	}
}

type countingRefresher struct{ calls atomic.Int32 }

func (c *countingRefresher) RefreshTenant(context.Context, *tenant.Tenant, string) error {
	c.calls.Add(1)
	return nil
}

func TestStartRefresherRuns(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "soon", "r", time.Minute)
	ref := &countingRefresher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRefresher(ctx, store, ref, Options{Interval: 20 * time.Millisecond, Window: 15 * time.Minute})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ref.calls.Load() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("refresher never ran")
}

func TestStartRefresherCancellation(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "soon", "r", time.Minute)
	ref := &countingRefresher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	StartRefresher(ctx, store, ref, Options{Interval: time.Second})

	time.Sleep(50 * time.Millisecond)
	if n := ref.calls.Load(); n != 0 {
		t.Errorf("refresher ran %d times after cancellation", n)
	}
}
