package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

const maxArchives = 3

// archiveSchema mirrors the live audit_events table minus the autoincrement
// counter; rows keep their original seq for ordering.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    seq              INTEGER PRIMARY KEY,
    id               TEXT NOT NULL UNIQUE,
    event_type       TEXT NOT NULL,
    session_id       TEXT,
    prompt_id        TEXT,
    payload          TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    prev_hash        TEXT NOT NULL,
    hash             TEXT NOT NULL
)`

// ArchivePath returns the path of archive n (1 = newest) for a live DB.
func ArchivePath(livePath string, n int) string {
	return filepath.Join(filepath.Dir(livePath), fmt.Sprintf("audit_archive.%d.db", n))
}

// ArchiveResult summarizes what Archive moved.
type ArchiveResult struct {
	Moved       int
	ArchiveFile string
	DryRun      bool
}

// Archive moves all events older than cutoff into a fresh
// audit_archive.1.db, rotating existing archives .1 → .2 → .3 and dropping
// what would become .4. Archived rows are deleted from the live table; the
// live chain restarts anchored on the last archived row's hash.
func (w *Writer) Archive(ctx context.Context, cutoff time.Time, dryRun bool) (ArchiveResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cut := cutoff.UTC().Format(time.RFC3339Nano)
	var count int
	if err := w.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE created_at < ?`, cut).Scan(&count); err != nil {
		return ArchiveResult{}, fmt.Errorf("count archivable rows: %w", err)
	}
	res := ArchiveResult{Moved: count, DryRun: dryRun, ArchiveFile: ArchivePath(w.db.Path(), 1)}
	if dryRun || count == 0 {
		return res, nil
	}

	if err := rotateArchives(w.db.Path()); err != nil {
		return ArchiveResult{}, err
	}

	dest, err := sql.Open("sqlite", fmt.Sprintf("file:%s", res.ArchiveFile))
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("create archive db: %w", err)
	}
	defer dest.Close()
	if _, err := dest.ExecContext(ctx, archiveSchema); err != nil {
		return ArchiveResult{}, fmt.Errorf("create archive schema: %w", err)
	}

	rows, err := w.db.SQL().QueryContext(ctx,
		`SELECT seq, id, event_type, COALESCE(session_id, ''), COALESCE(prompt_id, ''), payload, created_at, prev_hash, hash
		 FROM audit_events WHERE created_at < ? ORDER BY seq ASC`, cut)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("read archivable rows: %w", err)
	}
	type raw struct {
		seq                                                  int64
		id, typ, sess, prompt, payload, created, prev, hash string
	}
	var moved []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.seq, &r.id, &r.typ, &r.sess, &r.prompt, &r.payload, &r.created, &r.prev, &r.hash); err != nil {
			rows.Close()
			return ArchiveResult{}, err
		}
		moved = append(moved, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ArchiveResult{}, err
	}

	tx, err := dest.BeginTx(ctx, nil)
	if err != nil {
		return ArchiveResult{}, err
	}
	for _, r := range moved {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events (seq, id, event_type, session_id, prompt_id, payload, created_at, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.seq, r.id, r.typ, nullable(r.sess), nullable(r.prompt), r.payload, r.created, r.prev, r.hash); err != nil {
			tx.Rollback()
			return ArchiveResult{}, fmt.Errorf("copy row to archive: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, err
	}

	err = w.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cut)
		return err
	})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("delete archived rows: %w", err)
	}

	// Re-anchor the chain: if every live row was archived, the next append
	// must link to the archived tail, which no longer exists in the live
	// table.
	var remaining int
	if err := w.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&remaining); err == nil && remaining == 0 && len(moved) > 0 {
		w.lastHash = moved[len(moved)-1].hash
		w.primed = true
	}
	return res, nil
}

func rotateArchives(livePath string) error {
	// Oldest first: what would become .4 is dropped.
	oldest := ArchivePath(livePath, maxArchives)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("drop oldest archive: %w", err)
		}
	}
	for n := maxArchives - 1; n >= 1; n-- {
		from := ArchivePath(livePath, n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, ArchivePath(livePath, n+1)); err != nil {
			return fmt.Errorf("rotate archive %d: %w", n, err)
		}
	}
	return nil
}

// VerifyAll checks the full chain across archives (oldest first) and the
// live table, linking each file's tail to the next file's anchor.
func VerifyAll(ctx context.Context, db *store.DB) (bool, []string) {
	var problems []string
	anchor := ""
	sawAny := false
	for n := maxArchives; n >= 1; n-- {
		p := ArchivePath(db.Path(), n)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		arch, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", p))
		if err != nil {
			problems = append(problems, fmt.Sprintf("archive %d: open: %v", n, err))
			continue
		}
		var ok bool
		var probs []string
		if sawAny {
			ok, probs = VerifyFrom(ctx, arch, anchor)
		} else {
			ok, probs = Verify(ctx, arch)
		}
		for _, p := range probs {
			problems = append(problems, fmt.Sprintf("archive %d: %s", n, p))
		}
		_ = ok
		anchor = tailOf(ctx, arch, anchor)
		arch.Close()
		sawAny = true
	}

	var ok bool
	var probs []string
	if sawAny {
		ok, probs = VerifyFrom(ctx, db.SQL(), anchor)
	} else {
		ok, probs = Verify(ctx, db.SQL())
	}
	_ = ok
	problems = append(problems, probs...)
	return len(problems) == 0, problems
}

func tailOf(ctx context.Context, db *sql.DB, fallback string) string {
	var h string
	err := db.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if err != nil {
		return fallback
	}
	return h
}
