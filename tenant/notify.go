package tenant

import "context"

// FullStore is a Store that also keeps overlay projects.
type FullStore interface {
	Store
	ProjectStore
}

// NotifyingStore calls hook after every successful mutation that can change
// the set of channels the bot should be in. Token refreshes do not fire it.
type NotifyingStore struct {
	FullStore
	hook func()
}

// NewNotifyingStore wraps s. hook must not block.
func NewNotifyingStore(s FullStore, hook func()) *NotifyingStore {
	return &NotifyingStore{FullStore: s, hook: hook}
}

func (n *NotifyingStore) fire(err error) error {
	if err == nil && n.hook != nil {
		n.hook()
	}
	return err
}

func (n *NotifyingStore) Upsert(ctx context.Context, t Tenant) error {
	return n.fire(n.FullStore.Upsert(ctx, t))
}

func (n *NotifyingStore) SetActive(ctx context.Context, id string, active bool) error {
	return n.fire(n.FullStore.SetActive(ctx, id, active))
}

func (n *NotifyingStore) Delete(ctx context.Context, id string) error {
	return n.fire(n.FullStore.Delete(ctx, id))
}
