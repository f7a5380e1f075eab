// Package bundle assembles the `debug bundle` tarball: redacted config,
// decision trace files, and the tail of the audit log, every text blob run
// through the redactor before archiving.
package bundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/redact"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

// auditTail bounds how many recent audit events a bundle carries.
const auditTail = 500

// Options names the inputs a bundle draws from. Absent paths are skipped,
// not errors: a bundle from a half-configured install is still useful.
type Options struct {
	ConfigPath string
	TracePath  string
	DB         *store.DB
}

// Write assembles a gzipped tarball at destPath.
func Write(ctx context.Context, destPath string, opts Options) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("bundle: create %s: %w", destPath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	if opts.ConfigPath != "" {
		if err := addRedactedFile(tw, opts.ConfigPath, "config.toml"); err != nil {
			return err
		}
	}
	if opts.TracePath != "" {
		// Active file plus rotated archives.
		addRedactedFile(tw, opts.TracePath, filepath.Base(opts.TracePath))
		for n := 1; n <= 3; n++ {
			p := fmt.Sprintf("%s.%d", opts.TracePath, n)
			addRedactedFile(tw, p, filepath.Base(p))
		}
	}
	if opts.DB != nil {
		if err := addAuditTail(ctx, tw, opts.DB); err != nil {
			return err
		}
	}
	return addManifest(tw)
}

// addRedactedFile streams a file into the tar, redacting line by line.
// Missing files are silently skipped.
func addRedactedFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var body []byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		body = append(body, []byte(redact.Redact(sc.Text()))...)
		body = append(body, '\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("bundle: read %s: %w", path, err)
	}
	return writeEntry(tw, name, body)
}

func addAuditTail(ctx context.Context, tw *tar.Writer, db *store.DB) error {
	events, err := audit.ListEvents(ctx, db.SQL(), "", auditTail)
	if err != nil {
		return fmt.Errorf("bundle: read audit tail: %w", err)
	}
	var body []byte
	for _, ev := range events {
		line, err := json.Marshal(map[string]any{
			"id":         ev.ID,
			"event_type": ev.Type,
			"session_id": ev.SessionID,
			"prompt_id":  ev.PromptID,
			"payload":    ev.Payload,
			"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			"prev_hash":  ev.PrevHash,
			"hash":       ev.Hash,
		})
		if err != nil {
			continue
		}
		body = append(body, []byte(redact.Redact(string(line)))...)
		body = append(body, '\n')
	}
	return writeEntry(tw, "audit_tail.jsonl", body)
}

func addManifest(tw *tar.Writer) error {
	manifest, _ := json.MarshalIndent(map[string]any{
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"contents":   []string{"config.toml", "decision_trace.jsonl*", "audit_tail.jsonl"},
		"note":       "all text redacted before archiving",
	}, "", "  ")
	return writeEntry(tw, "MANIFEST.json", manifest)
}

func writeEntry(tw *tar.Writer, name string, body []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(body)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("bundle: tar header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("bundle: tar body %s: %w", name, err)
	}
	return nil
}
