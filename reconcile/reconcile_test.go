package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/shoutclip/chat"
	"github.com/onnwee/shoutclip/tenant"
)

type fakeConn struct {
	mu        sync.Mutex
	joined    map[string]bool
	connected bool
	failJoin  map[string]error
	calls     []string
	// when set, Join signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newFakeConn(joined ...string) *fakeConn {
	c := &fakeConn{joined: map[string]bool{}, connected: true, failJoin: map[string]error{}}
	for _, ch := range joined {
		c.joined[ch] = true
	}
	return c
}

func (c *fakeConn) Join(_ context.Context, ch string) error {
	if c.entered != nil {
		c.entered <- struct{}{}
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "join "+ch)
	if err := c.failJoin[ch]; err != nil {
		return err
	}
	c.joined[ch] = true
	return nil
}

func (c *fakeConn) Part(_ context.Context, ch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "part "+ch)
	delete(c.joined, ch)
	return nil
}

func (c *fakeConn) Say(context.Context, string, string) error { return nil }

func (c *fakeConn) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

var _ chat.Connection = (*fakeConn)(nil)

func seed(t *testing.T, store *tenant.MemoryStore, channel string, active bool) {
	t.Helper()
	err := store.Upsert(context.Background(), tenant.Tenant{
		ID: "id-" + channel, Channel: channel, AccessToken: "a", RefreshToken: "r", Active: active,
	})
	if err != nil {
		t.Fatalf("Upsert %s: %v", channel, err)
	}
}

func TestRunConverges(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	seed(t, store, "bravo", true)
	seed(t, store, "charlie", false)
	conn := newFakeConn("charlie", "delta")
	r := New(store, conn, time.Second)

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"alpha", "bravo"}; !reflect.DeepEqual(res.Joined, want) {
		t.Errorf("Joined = %v, want %v", res.Joined, want)
	}
	if want := []string{"charlie", "delta"}; !reflect.DeepEqual(res.Parted, want) {
		t.Errorf("Parted = %v, want %v", res.Parted, want)
	}
	if got, want := conn.Joined(), []string{"alpha", "bravo"}; !reflect.DeepEqual(got, want) {
		t.Errorf("live set = %v, want %v", got, want)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	conn := newFakeConn()
	r := New(store, conn, time.Second)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	calls := len(conn.callLog())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Changed() || len(conn.callLog()) != calls {
		t.Errorf("second run issued actions: %+v, calls %v", res, conn.callLog())
	}
}

func TestDeactivatingTenantPartsOnlyItsChannel(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	seed(t, store, "bravo", true)
	conn := newFakeConn("alpha", "bravo")
	r := New(store, conn, time.Second)

	if err := store.SetActive(context.Background(), "id-alpha", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Joined) != 0 || !reflect.DeepEqual(res.Parted, []string{"alpha"}) {
		t.Errorf("result = %+v, want only alpha parted", res)
	}
	if got := conn.Joined(); !reflect.DeepEqual(got, []string{"bravo"}) {
		t.Errorf("live set = %v, want [bravo]", got)
	}
}

func TestRunIsolatesChannelFailures(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	seed(t, store, "bravo", true)
	seed(t, store, "charlie", true)
	conn := newFakeConn()
	boom := errors.New("msg_banned")
	conn.failJoin["bravo"] = boom
	r := New(store, conn, time.Second)

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"alpha", "charlie"}; !reflect.DeepEqual(res.Joined, want) {
		t.Errorf("Joined = %v, want %v", res.Joined, want)
	}
	if len(res.Failed) != 1 || res.Failed[0].Channel != "bravo" || res.Failed[0].Action != "join" {
		t.Fatalf("Failed = %+v", res.Failed)
	}
	if !errors.Is(res.Failed[0], boom) {
		t.Errorf("ActionError does not unwrap to the cause: %v", res.Failed[0])
	}
}

func TestJoinsHappenBeforeParts(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "newname", true)
	conn := newFakeConn("oldname")
	r := New(store, conn, time.Second)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := conn.callLog(), []string{"join newname", "part oldname"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestConcurrentRunIsDropped(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	conn := newFakeConn()
	conn.entered = make(chan struct{})
	conn.release = make(chan struct{})
	r := New(store, conn, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background())
		done <- err
	}()
	<-conn.entered

	if _, err := r.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("overlapping Run err = %v, want ErrRunInProgress", err)
	}
	close(conn.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if got := conn.callLog(); !reflect.DeepEqual(got, []string{"join alpha"}) {
		t.Errorf("calls = %v, want a single join", got)
	}
}

func TestRunRequiresConnection(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	conn := newFakeConn()
	conn.connected = false
	r := New(store, conn, time.Second)

	if _, err := r.Run(context.Background()); !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(conn.callLog()) != 0 {
		t.Errorf("calls = %v, want none", conn.callLog())
	}
}

type failingLister struct{}

func (failingLister) ListActive(context.Context) ([]tenant.Tenant, error) {
	return nil, errors.New("connection refused")
}

func TestRunStoreFailureIssuesNoActions(t *testing.T) {
	conn := newFakeConn("alpha")
	r := New(failingLister{}, conn, time.Second)
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(conn.callLog()) != 0 {
		t.Errorf("calls = %v; a failed read must not part everything", conn.callLog())
	}
}

func TestTriggerIgnoresCallerCancellation(t *testing.T) {
	store := tenant.NewMemoryStore()
	seed(t, store, "alpha", true)
	conn := newFakeConn()
	r := New(store, conn, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Trigger(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(conn.Joined(), []string{"alpha"}) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("trigger did not reconcile; live set = %v", conn.Joined())
}
