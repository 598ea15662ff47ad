package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore is a process-local Store and ProjectStore.
type MemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]Tenant
	projects map[string][]Project
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]Tenant),
		projects: make(map[string][]Project),
		now:      time.Now,
	}
}

func (m *MemoryStore) Upsert(_ context.Context, t Tenant) error {
	t, err := prepare(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.tenants[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
		t.Active = t.Active || prev.Active
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Active {
		for id, other := range m.tenants {
			if id != t.ID && other.Channel == t.Channel && other.Active {
				other.Active = false
				other.UpdatedAt = now
				m.tenants[id] = other
			}
		}
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	if active {
		for _, other := range m.tenants {
			if other.ID != id && other.Channel == t.Channel && other.Active {
				return errChannelClaimed(t.Channel)
			}
		}
	}
	t.Active = active
	t.UpdatedAt = m.now()
	m.tenants[id] = t
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(m.tenants, id)
	delete(m.projects, id)
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortByChannel(lo.Filter(lo.Values(m.tenants), func(t Tenant, _ int) bool { return t.Active })), nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortByChannel(lo.Values(m.tenants)), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// GetByChannel prefers the active holder of a channel, then the most recently updated one.
func (m *MemoryStore) GetByChannel(_ context.Context, channel string) (Tenant, error) {
	channel = NormalizeChannel(channel)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best Tenant
	found := false
	for _, t := range m.tenants {
		if t.Channel != channel {
			continue
		}
		if !found || (t.Active && !best.Active) || (t.Active == best.Active && t.UpdatedAt.After(best.UpdatedAt)) {
			best, found = t, true
		}
	}
	if !found {
		return Tenant{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) SaveTokens(_ context.Context, id, access, refresh string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.AccessToken, t.RefreshToken, t.ExpiresAt = access, refresh, expiresAt
	t.UpdatedAt = m.now()
	m.tenants[id] = t
	return nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, before time.Time) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortByChannel(lo.Filter(lo.Values(m.tenants), func(t Tenant, _ int) bool {
		return t.RefreshToken != "" && !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(before)
	})), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateProject(_ context.Context, tenantID, name string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return Project{}, ErrNotFound
	}
	p := Project{ID: uuid.NewString(), TenantID: tenantID, Name: name, CreatedAt: m.now()}
	m.projects[tenantID] = append(m.projects[tenantID], p)
	return p, nil
}

func (m *MemoryStore) ListProjects(_ context.Context, tenantID string) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Project(nil), m.projects[tenantID]...), nil
}

func sortByChannel(ts []Tenant) []Tenant {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Channel < ts[j].Channel })
	return ts
}
