package trust

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestGrantRevokeRegrant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	trusted, err := s.GetTrust(ctx, dir)
	if err != nil || trusted {
		t.Fatalf("fresh path: trusted=%v err=%v", trusted, err)
	}

	if err := s.Grant(ctx, dir, "operator", "telegram", "sess-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if trusted, _ := s.GetTrust(ctx, dir); !trusted {
		t.Fatal("granted path not trusted")
	}

	if err := s.Revoke(ctx, dir); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if trusted, _ := s.GetTrust(ctx, dir); trusted {
		t.Fatal("revoked path still trusted")
	}

	// A grant after a revoke re-trusts.
	if err := s.Grant(ctx, dir, "operator2", "", ""); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if trusted, _ := s.GetTrust(ctx, dir); !trusted {
		t.Fatal("re-granted path not trusted")
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("want a single row after re-grant, got %d", len(records))
	}
	if records[0].Actor != "operator2" {
		t.Fatalf("re-grant did not refresh actor: %q", records[0].Actor)
	}
	if !records[0].RevokedAt.IsZero() {
		t.Fatal("re-grant did not clear revoked_at")
	}
}

func TestAnonymousGrantRejected(t *testing.T) {
	s := testStore(t)
	err := s.Grant(context.Background(), t.TempDir(), "", "", "")
	if !errors.Is(err, ErrAnonymousGrant) {
		t.Fatalf("want ErrAnonymousGrant, got %v", err)
	}
}

func TestSymlinkCanonicalization(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := t.TempDir()
	real := filepath.Join(base, "real")
	if err := os.Mkdir(real, 0o700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := s.Grant(ctx, link, "operator", "", ""); err != nil {
		t.Fatalf("grant via symlink: %v", err)
	}
	// The grant resolves to the real path, so both spellings are trusted.
	if trusted, _ := s.GetTrust(ctx, real); !trusted {
		t.Fatal("real path not trusted after symlink grant")
	}
	if trusted, _ := s.GetTrust(ctx, link); !trusted {
		t.Fatal("symlink path not trusted")
	}
}
