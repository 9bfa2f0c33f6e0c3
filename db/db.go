// Package db persists relay history, the watch set and OAuth tokens. Postgres
// (via pgx) and SQLite (via modernc) share one schema, applied with embedded
// golang-migrate migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/onnwee/bilirelay/crypto"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// ErrDriver is returned for a driver name other than pgx/postgres or sqlite.
var ErrDriver = errors.New("unsupported database driver")

// NormalizeDriver maps config spellings onto registered driver names.
func NormalizeDriver(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pgx", "postgres", "postgresql":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrDriver, name)
}

// Connect opens and pings a database. SQLite gets a single connection so
// writers never contend for the file lock.
func Connect(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	driver, err := NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// Store is the data access layer. A nil Sealer stores tokens in plaintext.
type Store struct {
	db     *sql.DB
	driver string
	sealer crypto.Sealer
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, driver string, sealer crypto.Sealer) *Store {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db_encryption"))
	}
	return &Store{db: db, driver: driver, sealer: sealer}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// q rewrites ? placeholders to $n for Postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertOAuthToken stores a provider token, sealed when a key is configured.
// raw is kept in the scope column for providers that report one.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	version, keyID := 0, ""
	if s.sealer != nil {
		var err error
		if access, err = s.sealer.Seal(access); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
		if refresh, err = s.sealer.Seal(refresh); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		version, keyID = 1, s.sealer.KeyID()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(provider) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			scope=excluded.scope,
			encryption_version=excluded.encryption_version,
			encryption_key_id=excluded.encryption_key_id,
			updated_at=excluded.updated_at`),
		provider, access, refresh, expiry.UTC(), raw, version, keyID, time.Now().UTC())
	return err
}

// GetOAuthToken returns the stored token; all zero values when none exists.
// Plaintext rows written before a key was configured still read back.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var (
		acc, ref, scope, keyID sql.NullString
		exp                    sql.NullTime
		version                int
	)
	row := s.db.QueryRowContext(ctx, s.q(`SELECT access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id
		FROM oauth_tokens WHERE provider = ?`), provider)
	if err = row.Scan(&acc, &ref, &exp, &scope, &version, &keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", time.Time{}, "", nil
		}
		return "", "", time.Time{}, "", err
	}
	access, refresh, raw = acc.String, ref.String, scope.String
	if exp.Valid {
		expiry = exp.Time
	}
	if version == 1 {
		if s.sealer == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token for %s is sealed but ENCRYPTION_KEY is not configured", provider)
		}
		if keyID.String != "" && keyID.String != s.sealer.KeyID() {
			return "", "", time.Time{}, "", fmt.Errorf("token for %s was sealed under key %s, current key is %s", provider, keyID.String, s.sealer.KeyID())
		}
		if access, err = s.sealer.Open(access); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open access token: %w", err)
		}
		if refresh, err = s.sealer.Open(refresh); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open refresh token: %w", err)
		}
	}
	return access, refresh, expiry, raw, nil
}
