package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMigratesAndReportsVersion(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v < 1 {
		t.Fatalf("schema version = %d, want >= 1", v)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	now := time.Now()
	row := SessionRow{
		ID: "sess-1", Tool: "claude", Argv: []string{"claude", "--dangerously"},
		Cwd: "/work/repo", Label: "demo", PID: 4242, Status: "starting",
		StartedAt: now, UpdatedAt: now,
	}
	if err := db.InsertSession(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.UpdateSessionStatus(ctx, "sess-1", "running", false); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := db.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "running" || got.Tool != "claude" || len(got.Argv) != 2 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if !got.EndedAt.IsZero() {
		t.Fatal("ended_at set before session end")
	}

	if err := db.UpdateSessionStatus(ctx, "sess-1", "completed", true); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, _ = db.GetSession(ctx, "sess-1")
	if got.EndedAt.IsZero() {
		t.Fatal("ended_at not set on terminal status")
	}

	list, err := db.ListSessions(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v (%d rows)", err, len(list))
	}
}

func TestReplyNonceUnique(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	now := time.Now()
	db.InsertSession(ctx, SessionRow{ID: "s", Tool: "t", Argv: []string{"t"}, Cwd: "/", Status: "running", StartedAt: now, UpdatedAt: now})
	db.InsertPrompt(ctx, PromptRow{ID: "p", SessionID: "s", Type: "yes_no", Confidence: "high", DetectedAt: now, ExpiresAt: now.Add(time.Minute), Status: "detected"})

	r := ReplyRow{ID: "r1", PromptID: "p", Nonce: "nonce-1", Channel: "telegram", ChannelUserID: "telegram:42", Value: "y", ReceivedAt: now}
	if err := db.InsertReply(ctx, r); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	r.ID = "r2"
	if err := db.InsertReply(ctx, r); err == nil {
		t.Fatal("duplicate nonce accepted by the database")
	}
}
