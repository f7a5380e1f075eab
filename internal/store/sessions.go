package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionRow is the persisted form of a session (§3 "Session").
type SessionRow struct {
	ID        string
	Tool      string
	Argv      []string
	Cwd       string
	Label     string
	PID       int
	Status    string
	Tag       string
	StartedAt time.Time
	UpdatedAt time.Time
	EndedAt   time.Time
}

// InsertSession persists a new session row.
func (d *DB) InsertSession(ctx context.Context, s SessionRow) error {
	argv, err := json.Marshal(s.Argv)
	if err != nil {
		return fmt.Errorf("encode argv: %w", err)
	}
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, tool, argv, cwd, label, pid, status, tag, started_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.Tool, string(argv), s.Cwd, s.Label, s.PID, s.Status, s.Tag, ts(s.StartedAt), ts(s.UpdatedAt))
		return err
	})
}

// UpdateSessionStatus moves a session's lifecycle status, optionally
// recording the end time for terminal states.
func (d *DB) UpdateSessionStatus(ctx context.Context, id, status string, ended bool) error {
	now := time.Now()
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		if ended {
			_, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, updated_at = ?, ended_at = ? WHERE id = ?`,
				status, ts(now), ts(now), id)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			status, ts(now), id)
		return err
	})
}

// UpdateSessionPID records the spawned child's OS PID.
func (d *DB) UpdateSessionPID(ctx context.Context, id string, pid int) error {
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET pid = ?, updated_at = ? WHERE id = ?`, pid, ts(time.Now()), id)
		return err
	})
}

// GetSession loads one session row.
func (d *DB) GetSession(ctx context.Context, id string) (SessionRow, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT id, tool, argv, cwd, label, pid, status, tag, started_at, updated_at, COALESCE(ended_at, '')
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions newest first.
func (d *DB) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, tool, argv, cwd, label, pid, status, tag, started_at, updated_at, COALESCE(ended_at, '')
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRow, error) {
	var s SessionRow
	var argv, started, updated, ended string
	if err := sc.Scan(&s.ID, &s.Tool, &argv, &s.Cwd, &s.Label, &s.PID, &s.Status, &s.Tag, &started, &updated, &ended); err != nil {
		return SessionRow{}, err
	}
	if err := json.Unmarshal([]byte(argv), &s.Argv); err != nil {
		return SessionRow{}, fmt.Errorf("decode argv: %w", err)
	}
	s.StartedAt = parseTS(started)
	s.UpdatedAt = parseTS(updated)
	s.EndedAt = parseTS(ended)
	return s, nil
}

// PromptRow is the persisted form of a PromptEvent plus its lifecycle state.
type PromptRow struct {
	ID         string
	SessionID  string
	Type       string
	Confidence string
	Excerpt    string
	DetectedAt time.Time
	RoutedAt   time.Time
	ExpiresAt  time.Time
	ResolvedAt time.Time
	Status     string
}

// InsertPrompt persists a freshly detected prompt.
func (d *DB) InsertPrompt(ctx context.Context, p PromptRow) error {
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (id, session_id, prompt_type, confidence, excerpt, detected_at, expires_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SessionID, p.Type, p.Confidence, p.Excerpt, ts(p.DetectedAt), ts(p.ExpiresAt), p.Status)
		return err
	})
}

// UpdatePromptStatus advances a prompt's lifecycle column.
func (d *DB) UpdatePromptStatus(ctx context.Context, id, status string) error {
	now := ts(time.Now())
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		switch status {
		case "routed", "awaiting_reply":
			_, err := tx.ExecContext(ctx,
				`UPDATE prompts SET status = ?, routed_at = COALESCE(routed_at, ?) WHERE id = ?`, status, now, id)
			return err
		case "resolved", "expired", "failed":
			_, err := tx.ExecContext(ctx,
				`UPDATE prompts SET status = ?, resolved_at = ? WHERE id = ?`, status, now, id)
			return err
		default:
			_, err := tx.ExecContext(ctx, `UPDATE prompts SET status = ? WHERE id = ?`, status, id)
			return err
		}
	})
}

// ReplyRow is the persisted form of an accepted reply.
type ReplyRow struct {
	ID            string
	PromptID      string
	Nonce         string
	Channel       string
	ChannelUserID string
	Value         string
	ReceivedAt    time.Time
	InjectedAt    time.Time
}

// InsertReply persists an accepted reply. The UNIQUE constraint on nonce
// backs the single-use invariant at the storage layer too.
func (d *DB) InsertReply(ctx context.Context, r ReplyRow) error {
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		injected := any(nil)
		if !r.InjectedAt.IsZero() {
			injected = ts(r.InjectedAt)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO replies (id, prompt_id, nonce, channel, channel_user_id, value, received_at, injected_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.PromptID, r.Nonce, r.Channel, r.ChannelUserID, r.Value, ts(r.ReceivedAt), injected)
		return err
	})
}

// ProviderConfigMeta is key lifecycle metadata only; never the key itself.
type ProviderConfigMeta struct {
	Provider  string
	KeyPrefix string
	KeySource string
	CreatedAt time.Time
	RotatedAt time.Time
}

// UpsertProviderConfig records (or refreshes) provider key metadata.
func (d *DB) UpsertProviderConfig(ctx context.Context, m ProviderConfigMeta) error {
	return d.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO provider_configs (provider, key_prefix, key_source, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(provider) DO UPDATE SET key_prefix = excluded.key_prefix,
			   key_source = excluded.key_source, rotated_at = ?`,
			m.Provider, m.KeyPrefix, m.KeySource, ts(m.CreatedAt), ts(time.Now()))
		return err
	})
}

// ListProviderConfigs returns all provider key metadata rows.
func (d *DB) ListProviderConfigs(ctx context.Context) ([]ProviderConfigMeta, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT provider, key_prefix, key_source, created_at, COALESCE(rotated_at, '') FROM provider_configs ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderConfigMeta
	for rows.Next() {
		var m ProviderConfigMeta
		var created, rotated string
		if err := rows.Scan(&m.Provider, &m.KeyPrefix, &m.KeySource, &created, &rotated); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTS(created)
		m.RotatedAt = parseTS(rotated)
		out = append(out, m)
	}
	return out, rows.Err()
}
