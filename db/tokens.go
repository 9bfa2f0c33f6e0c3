package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type plainToken struct {
	provider string
	access   string
	refresh  string
}

// plaintextTokens lists rows written before a key was configured.
func (s *Store) plaintextTokens(ctx context.Context) ([]plainToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE encryption_version = 0 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []plainToken
	for rows.Next() {
		var (
			t        plainToken
			acc, ref sql.NullString
		)
		if err := rows.Scan(&t.provider, &acc, &ref); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		t.access, t.refresh = acc.String, ref.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// SealPlaintextTokens seals every plaintext token row under the store's key.
// With dryRun it only counts them. Rows that fail are reported together and
// do not stop the others.
func (s *Store) SealPlaintextTokens(ctx context.Context, dryRun bool) (int, error) {
	if s.sealer == nil {
		return 0, errors.New("ENCRYPTION_KEY is required to seal tokens")
	}
	pending, err := s.plaintextTokens(ctx)
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(pending), nil
	}
	sealed := 0
	var errs []error
	for _, t := range pending {
		if err := s.sealToken(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.provider, err))
			continue
		}
		sealed++
	}
	return sealed, errors.Join(errs...)
}

func (s *Store) sealToken(ctx context.Context, t plainToken) error {
	access, err := s.sealer.Seal(t.access)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(t.refresh)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.q(`UPDATE oauth_tokens SET access_token = ?, refresh_token = ?, encryption_version = 1, encryption_key_id = ?, updated_at = ?
		WHERE provider = ? AND encryption_version = 0`),
		access, refresh, s.sealer.KeyID(), time.Now().UTC(), t.provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return tx.Commit()
}

// TokenEncryptionCounts returns the number of token rows per encryption
// version (0 plaintext, 1 AES-256-GCM).
func (s *Store) TokenEncryptionCounts(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT encryption_version, COUNT(*) FROM oauth_tokens GROUP BY encryption_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var version, n int
		if err := rows.Scan(&version, &n); err != nil {
			return nil, err
		}
		out[version] = n
	}
	return out, rows.Err()
}
