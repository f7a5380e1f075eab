package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Verify walks the live table in insertion order, checking each row's
// prev_hash linkage and recomputing its hash. It reports every break found
// (the first is the interesting one) and ok iff there are none.
//
// Note the archival footgun (§9): after archive_audit_events runs, the
// first live row's prev_hash points at the last archived row's hash, which
// is not present in the live table. Verify accepts the first row's
// prev_hash as the chain anchor; use VerifyAll to check across archives.
func Verify(ctx context.Context, db *sql.DB) (bool, []string) {
	return verifyRows(ctx, db, "")
}

// VerifyFrom verifies with a known anchor: the hash the first row's
// prev_hash must equal (the last archived row's hash, or "" for a fresh
// chain).
func VerifyFrom(ctx context.Context, db *sql.DB, anchor string) (bool, []string) {
	return verifyRows(ctx, db, anchor)
}

func verifyRows(ctx context.Context, db *sql.DB, anchor string) (bool, []string) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, event_type, COALESCE(session_id, ''), COALESCE(prompt_id, ''), payload, created_at, prev_hash, hash
		 FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return false, []string{fmt.Sprintf("query audit_events: %v", err)}
	}
	defer rows.Close()

	var problems []string
	prev := anchor
	first := true
	index := 0
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			problems = append(problems, fmt.Sprintf("Event %d: unreadable row: %v", index, err))
			index++
			continue
		}
		if first && anchor == "" {
			// Unanchored verification: accept the first row's prev_hash
			// as-is (it may point into an archive).
			prev = ev.PrevHash
		}
		if ev.PrevHash != prev {
			problems = append(problems, fmt.Sprintf("Event %d: prev_hash mismatch: have %s, chain tail is %s", index, ev.PrevHash, prev))
		}
		if recomputed := HashEvent(ev); recomputed != ev.Hash {
			problems = append(problems, fmt.Sprintf("Event %d: hash mismatch: stored %s, recomputed %s", index, ev.Hash, recomputed))
		}
		prev = ev.Hash
		first = false
		index++
	}
	if err := rows.Err(); err != nil {
		problems = append(problems, fmt.Sprintf("row iteration: %v", err))
	}
	return len(problems) == 0, problems
}

func scanEvent(sc interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var payload, created string
	if err := sc.Scan(&ev.ID, &ev.Type, &ev.SessionID, &ev.PromptID, &payload, &created, &ev.PrevHash, &ev.Hash); err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Event{}, fmt.Errorf("parse created_at: %w", err)
	}
	ev.CreatedAt = t
	return ev, nil
}

// ListEvents returns events for one session (or all when sessionID is
// empty), oldest first, for trace reconstruction and the dashboard.
func ListEvents(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT id, event_type, COALESCE(session_id, ''), COALESCE(prompt_id, ''), payload, created_at, prev_hash, hash
	      FROM audit_events`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
