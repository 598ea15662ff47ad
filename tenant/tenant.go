// Package tenant persists broadcaster accounts: their Twitch OAuth credential,
// the flag saying whether the bot should sit in their chat, and the overlay
// projects that receive their clips.
//
// Two stores implement the same contract: PostgresStore for production and
// MemoryStore for local runs and tests. NotifyingStore wraps either one and
// reports mutations that can change which channels the bot should be in.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("tenant: not found")
	// ErrChannelClaimed is returned when activating a tenant whose channel already has an active holder.
	ErrChannelClaimed = errors.New("tenant: channel already claimed by an active tenant")
)

func errChannelClaimed(channel string) error {
	return fmt.Errorf("%w: %s", ErrChannelClaimed, channel)
}

var validate = validator.New()

// Tenant is one broadcaster using the service.
type Tenant struct {
	ID              string `validate:"required,max=64"`
	Channel         string `validate:"required,max=64"`
	DisplayName     string
	ProfileImageURL string
	AccessToken     string `validate:"required"`
	RefreshToken    string `validate:"required"`
	ExpiresAt       time.Time
	Scope           string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Project is an overlay push topic owned by a tenant.
type Project struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the credential store contract. Implementations never retry; storage
// failures are returned to the caller wrapped.
type Store interface {
	// Upsert inserts or replaces the record keyed by ID. It never switches an
	// active record off; Active=false keeps the stored flag. Claiming a channel
	// deactivates any other tenant holding the same channel.
	Upsert(ctx context.Context, t Tenant) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]Tenant, error)
	ListAll(ctx context.Context) ([]Tenant, error)
	Get(ctx context.Context, id string) (Tenant, error)
	GetByChannel(ctx context.Context, channel string) (Tenant, error)
	// SaveTokens replaces the token pair only, leaving Active untouched.
	SaveTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error
	// ListExpiring returns tenants whose access token expires before the given time.
	ListExpiring(ctx context.Context, before time.Time) ([]Tenant, error)
	Ping(ctx context.Context) error
}

// ProjectStore keeps the overlay projects of each tenant.
type ProjectStore interface {
	CreateProject(ctx context.Context, tenantID, name string) (Project, error)
	ListProjects(ctx context.Context, tenantID string) ([]Project, error)
}

// NormalizeChannel lower-cases a channel handle and strips the IRC '#' prefix.
func NormalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

func prepare(t Tenant) (Tenant, error) {
	t.Channel = NormalizeChannel(t.Channel)
	if err := validate.Struct(t); err != nil {
		return t, fmt.Errorf("invalid tenant: %w", err)
	}
	return t, nil
}
