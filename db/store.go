package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/relay"
)

// RecordTransition appends a supervisor state change.
func (s *Store) RecordTransition(ctx context.Context, t relay.Transition) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO relay_transitions(from_state, to_state, platform, channel, reason, at) VALUES(?,?,?,?,?,?)`),
		t.From.String(), t.To.String(), string(t.Target.Channel.Platform), t.Target.Channel.Name, t.Reason, t.At.UTC())
	return err
}

// StartSession records a session that reached the running state.
func (s *Store) StartSession(ctx context.Context, sess relay.Session) error {
	t := sess.Target
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO relay_sessions(id, platform, channel, channel_id, origin, category_id, title, started_at)
		VALUES(?,?,?,?,?,?,?,?)`),
		sess.ID, string(t.Channel.Platform), t.Channel.Name, t.Channel.PlatformID, t.Origin.String(), t.CategoryID, t.Title, sess.StartedAt.UTC())
	return err
}

// EndSession closes a session. A nil cause means a deliberate stop.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time, cause error) error {
	var msg sql.NullString
	if cause != nil {
		msg = sql.NullString{String: cause.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE relay_sessions SET ended_at = ?, end_error = ? WHERE id = ? AND ended_at IS NULL`), at.UTC(), msg, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not open", id)
	}
	return nil
}

// RecordFailure stores a persistent failure (retries exhausted).
func (s *Store) RecordFailure(ctx context.Context, t relay.Target, cause error, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO relay_failures(platform, channel, error, at) VALUES(?,?,?,?)`),
		string(t.Channel.Platform), t.Channel.Name, cause.Error(), at.UTC())
	return err
}

// SessionRow is a stored relay session.
type SessionRow struct {
	ID         string     `json:"id"`
	Platform   string     `json:"platform"`
	Channel    string     `json:"channel"`
	Origin     string     `json:"origin"`
	CategoryID int        `json:"category_id"`
	Title      string     `json:"title"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndError   string     `json:"end_error,omitempty"`
}

// RecentSessions lists the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, platform, channel, origin, category_id, title, started_at, ended_at, end_error
		FROM relay_sessions ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var (
			r     SessionRow
			ended sql.NullTime
			cause sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Platform, &r.Channel, &r.Origin, &r.CategoryID, &r.Title, &r.StartedAt, &ended, &cause); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		r.EndError = cause.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveWatch replaces the stored watch set.
func (s *Store) SaveWatch(ctx context.Context, ws []registry.Watch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM watch`); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, w := range ws {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO watch(platform, channel, channel_id, category_id, category, updated_at) VALUES(?,?,?,?,?,?)`),
			string(w.Channel.Platform), w.Channel.Name, w.Channel.PlatformID, w.CategoryID, w.Category, now)
		if err != nil {
			return fmt.Errorf("save watch %s: %w", w.Channel.Name, err)
		}
	}
	return tx.Commit()
}

// LoadWatch returns the stored watch set. Channels carry only name, platform
// and platform id; callers resolve them against the registry.
func (s *Store) LoadWatch(ctx context.Context) ([]registry.Watch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform, channel, channel_id, category_id, category FROM watch ORDER BY platform DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.Watch
	for rows.Next() {
		var (
			w        registry.Watch
			platform string
		)
		if err := rows.Scan(&platform, &w.Channel.Name, &w.Channel.PlatformID, &w.CategoryID, &w.Category); err != nil {
			return nil, err
		}
		w.Channel.Platform = registry.Platform(platform)
		out = append(out, w)
	}
	return out, rows.Err()
}
