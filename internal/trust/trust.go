// Package trust persists the workspace trust allowlist: canonical
// (symlink-resolved) folder paths with grant/revoke lifecycle (§4.9).
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

// ErrAnonymousGrant is returned when a grant carries no actor.
var ErrAnonymousGrant = errors.New("trust: grant requires a non-empty actor")

// Record is one trust row.
type Record struct {
	Path      string
	Trusted   bool
	Actor     string
	Channel   string
	SessionID string
	GrantedAt time.Time
	RevokedAt time.Time
}

// Store persists trust records in the shared database.
type Store struct {
	db *store.DB
}

// NewStore builds a Store over an open database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Canonicalize resolves symlinks and returns the absolute cleaned path.
// If the path does not exist yet, the absolute cleaned form is used so a
// grant can precede the first use of a folder.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}

// Grant upserts a trust row. A grant after a revoke re-trusts; re-grants
// refresh the actor and timestamp.
func (s *Store) Grant(ctx context.Context, path, actor, channel, sessionID string) error {
	if actor == "" {
		return ErrAnonymousGrant
	}
	canonical, err := Canonicalize(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_trust (path, trusted, actor, channel, session_id, granted_at, revoked_at)
			 VALUES (?, 1, ?, ?, ?, ?, NULL)
			 ON CONFLICT(path) DO UPDATE SET trusted = 1, actor = excluded.actor,
			   channel = excluded.channel, session_id = excluded.session_id,
			   granted_at = excluded.granted_at, revoked_at = NULL`,
			canonical, actor, nullable(channel), nullable(sessionID), now)
		return err
	})
}

// Revoke flips trusted off and stamps revoked_at. Revoking an unknown path
// is a no-op.
func (s *Store) Revoke(ctx context.Context, path string) error {
	canonical, err := Canonicalize(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE workspace_trust SET trusted = 0, revoked_at = ? WHERE path = ?`, now, canonical)
		return err
	})
}

// GetTrust reports whether the canonical form of path is currently trusted.
func (s *Store) GetTrust(ctx context.Context, path string) (bool, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return false, err
	}
	var trusted int
	err = s.db.SQL().QueryRowContext(ctx,
		`SELECT trusted FROM workspace_trust WHERE path = ?`, canonical).Scan(&trusted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return trusted == 1, nil
}

// List returns all trust records, trusted first, newest grants first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT path, trusted, actor, COALESCE(channel, ''), COALESCE(session_id, ''), granted_at, COALESCE(revoked_at, '')
		 FROM workspace_trust ORDER BY trusted DESC, granted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var trusted int
		var granted, revoked string
		if err := rows.Scan(&r.Path, &trusted, &r.Actor, &r.Channel, &r.SessionID, &granted, &revoked); err != nil {
			return nil, err
		}
		r.Trusted = trusted == 1
		r.GrantedAt = parseTime(granted)
		r.RevokedAt = parseTime(revoked)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
