package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/shoutclip/crypto"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store and ProjectStore on the tenants and
// overlay_projects tables. Tokens are sealed when a Sealer is configured;
// rows written without one (encryption_version=0) are read back as plaintext.
type PostgresStore struct {
	db     *sql.DB
	sealer crypto.Sealer
}

// NewPostgresStore returns a store over db. sealer may be nil.
func NewPostgresStore(db *sql.DB, sealer crypto.Sealer) *PostgresStore {
	return &PostgresStore{db: db, sealer: sealer}
}

const tenantColumns = `tenant_id, channel, display_name, profile_image_url, access_token, refresh_token,
	expires_at, scope, active, encryption_version, encryption_key_id, created_at, updated_at`

func (s *PostgresStore) seal(access, refresh string) (a, r string, version int, keyID string, err error) {
	if s.sealer == nil {
		return access, refresh, 0, "", nil
	}
	if a, keyID, err = s.sealer.Seal(access); err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt access token: %w", err)
	}
	if r, _, err = s.sealer.Seal(refresh); err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, 1, keyID, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, t Tenant) error {
	t, err := prepare(t)
	if err != nil {
		return err
	}
	access, refresh, encVersion, keyID, err := s.seal(t.AccessToken, t.RefreshToken)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// a renamed or re-registered account takes the channel over from any stale holder
	if _, err := tx.ExecContext(ctx,
		`UPDATE tenants SET active=FALSE, updated_at=NOW()
		WHERE channel=$1 AND tenant_id<>$2 AND active
		  AND ($3 OR EXISTS (SELECT 1 FROM tenants WHERE tenant_id=$2 AND active))`,
		t.Channel, t.ID, t.Active); err != nil {
		return fmt.Errorf("release channel %s: %w", t.Channel, err)
	}
	q := `INSERT INTO tenants (tenant_id, channel, display_name, profile_image_url, access_token, refresh_token,
			expires_at, scope, active, encryption_version, encryption_key_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			channel=EXCLUDED.channel,
			display_name=EXCLUDED.display_name,
			profile_image_url=EXCLUDED.profile_image_url,
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			active=EXCLUDED.active OR tenants.active,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`
	if _, err := tx.ExecContext(ctx, q, t.ID, t.Channel, t.DisplayName, t.ProfileImageURL, access, refresh,
		nullTime(t.ExpiresAt), t.Scope, t.Active, encVersion, keyID); err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET active=$2, updated_at=NOW() WHERE tenant_id=$1`, id, active)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w (tenant %s)", ErrChannelClaimed, id)
		}
		return fmt.Errorf("set active %s: %w", id, err)
	}
	return expectOne(res)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	return expectOne(res)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Tenant, error) {
	return s.query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE active ORDER BY channel`)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Tenant, error) {
	return s.query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY channel`)
}

func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time) ([]Tenant, error) {
	return s.query(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE refresh_token<>'' AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at`, before)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Tenant, error) {
	return s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id=$1`, id)
}

func (s *PostgresStore) GetByChannel(ctx context.Context, channel string) (Tenant, error) {
	return s.queryOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE channel=$1
		ORDER BY active DESC, updated_at DESC LIMIT 1`, NormalizeChannel(channel))
}

// SaveTokens is a single-statement update so it cannot lose a concurrent SetActive.
func (s *PostgresStore) SaveTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error {
	a, r, encVersion, keyID, err := s.seal(access, refresh)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET access_token=$2, refresh_token=$3, expires_at=$4,
		encryption_version=$5, encryption_key_id=$6, updated_at=NOW() WHERE tenant_id=$1`,
		id, a, r, nullTime(expiresAt), encVersion, keyID)
	if err != nil {
		return fmt.Errorf("save tokens %s: %w", id, err)
	}
	return expectOne(res)
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) CreateProject(ctx context.Context, tenantID, name string) (Project, error) {
	p := Project{ID: uuid.NewString(), TenantID: tenantID, Name: name}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO overlay_projects (project_id, tenant_id, name) VALUES ($1,$2,$3) RETURNING created_at`,
		p.ID, tenantID, name).Scan(&p.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("create project for %s: %w", tenantID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, tenantID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, tenant_id, name, created_at FROM overlay_projects WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list projects for %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func (s *PostgresStore) scan(row scanner) (Tenant, error) {
	var (
		t          Tenant
		expires    sql.NullTime
		encVersion int
		keyID      string
	)
	if err := row.Scan(&t.ID, &t.Channel, &t.DisplayName, &t.ProfileImageURL, &t.AccessToken, &t.RefreshToken,
		&expires, &t.Scope, &t.Active, &encVersion, &keyID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Tenant{}, err
	}
	t.ExpiresAt = expires.Time
	if encVersion == 0 {
		return t, nil
	}
	if s.sealer == nil {
		return Tenant{}, fmt.Errorf("tenant %s tokens are encrypted but ENCRYPTION_KEY not configured", t.ID)
	}
	var err error
	if t.AccessToken, err = s.sealer.Open(t.AccessToken, keyID); err != nil {
		return Tenant{}, fmt.Errorf("decrypt access token for %s: %w", t.ID, err)
	}
	if t.RefreshToken, err = s.sealer.Open(t.RefreshToken, keyID); err != nil {
		return Tenant{}, fmt.Errorf("decrypt refresh token for %s: %w", t.ID, err)
	}
	return t, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Tenant
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryOne(ctx context.Context, q string, args ...any) (Tenant, error) {
	t, err := s.scan(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
