// Package main provides a CLI tool to re-seal tenant OAuth tokens with the primary encryption key.
//
// It encrypts plaintext rows (encryption_version=0) and re-encrypts rows sealed under a retired
// key, so a retired key can be dropped from ENCRYPTION_KEYS_RETIRED once the tool reports no errors.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--channel CHANNEL]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--channel: Migrate the tenant holding this channel only (default: all tenants)
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte primary key (required)
//	ENCRYPTION_KEYS_RETIRED: Comma separated keys the current rows may still be sealed with
//
// Example:
//
//	export ENCRYPTION_KEYS_RETIRED="$ENCRYPTION_KEY"
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/shoutclip/config"
	"github.com/onnwee/shoutclip/crypto"
	"github.com/onnwee/shoutclip/db"
	"github.com/onnwee/shoutclip/tenant"
)

// tokenRow is the sealed state of one tenant's token pair.
type tokenRow struct {
	TenantID          string
	Channel           string
	AccessToken       string
	RefreshToken      string
	EncryptionVersion int
	EncryptionKeyID   string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	channel := flag.String("channel", "", "Migrate the tenant holding this channel only (default: all tenants)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	keyring, err := crypto.NewKeyring(cfg.EncryptionKey, cfg.RetiredKeys()...)
	if err != nil {
		slog.Error("failed to initialize keyring", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := migrateTokens(ctx, database, keyring, *dryRun, tenant.NormalizeChannel(*channel)); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		database.Close()
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens re-seals every row not already sealed with the keyring's primary key.
func migrateTokens(ctx context.Context, database *sql.DB, keyring *crypto.Keyring, dryRun bool, channelFilter string) error {
	query := `
		SELECT tenant_id, channel, access_token, refresh_token, encryption_version, encryption_key_id
		FROM tenants
		WHERE (encryption_version = 0 OR encryption_key_id <> $1)
	`
	args := []any{keyring.KeyID()}
	if channelFilter != "" {
		query += " AND channel = $2"
		args = append(args, channelFilter)
	}
	query += " ORDER BY channel, tenant_id"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query tenant tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var tr tokenRow
		if err := rows.Scan(&tr.TenantID, &tr.Channel, &tr.AccessToken, &tr.RefreshToken,
			&tr.EncryptionVersion, &tr.EncryptionKeyID); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, tr)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no tokens need re-sealing", slog.String("key_id", keyring.KeyID()))
		return nil
	}
	slog.Info("found tokens to re-seal",
		slog.Int("count", len(tokens)),
		slog.String("key_id", keyring.KeyID()),
		slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, tr := range tokens {
		logger := slog.With(
			slog.String("tenant_id", tr.TenantID),
			slog.String("channel", tr.Channel),
			slog.Int("from_version", tr.EncryptionVersion),
			slog.String("from_key", tr.EncryptionKeyID),
			slog.Int("index", i+1),
			slog.Int("total", len(tokens)))

		if dryRun {
			logger.Info("would re-seal token (dry-run)")
			migrated++
			continue
		}
		if err := resealToken(ctx, database, keyring, tr); err != nil {
			logger.Error("failed to re-seal token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("re-sealed token")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// resealToken rewrites one row. The update only applies if the row still holds the sealed
// values that were read, so a concurrent refresh is never overwritten.
func resealToken(ctx context.Context, database *sql.DB, keyring *crypto.Keyring, tr tokenRow) error {
	access, refresh := tr.AccessToken, tr.RefreshToken
	if tr.EncryptionVersion != 0 {
		var err error
		if access, err = keyring.Open(tr.AccessToken, tr.EncryptionKeyID); err != nil {
			return fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = keyring.Open(tr.RefreshToken, tr.EncryptionKeyID); err != nil {
			return fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	sealedAccess, keyID, err := keyring.Seal(access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	sealedRefresh, _, err := keyring.Seal(refresh)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	res, err := database.ExecContext(ctx, `
		UPDATE tenants
		SET access_token = $1,
		    refresh_token = $2,
		    encryption_version = 1,
		    encryption_key_id = $3,
		    updated_at = NOW()
		WHERE tenant_id = $4 AND access_token = $5 AND refresh_token = $6 AND encryption_version = $7`,
		sealedAccess, sealedRefresh, keyID, tr.TenantID, tr.AccessToken, tr.RefreshToken, tr.EncryptionVersion)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return nil
}
