package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
)

func TestBundleRedactsEverything(t *testing.T) {
	dir := t.TempDir()
	secret := "api_key=sk-proj-abcdef1234567890abcdef1234567890abcd"

	cfgPath := filepath.Join(dir, "config.toml")
	os.WriteFile(cfgPath, []byte("# "+secret+"\n[telegram]\n"), 0o600)
	tracePath := filepath.Join(dir, "decision_trace.jsonl")
	os.WriteFile(tracePath, []byte(`{"explanation":"`+secret+`"}`+"\n"), 0o600)

	db, err := store.Open(filepath.Join(dir, "bundle.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	w := audit.NewWriter(db)
	w.Append(context.Background(), audit.EventReplyReceived, "s", "", map[string]any{"text": secret})

	dest := filepath.Join(dir, "debug.tar.gz")
	if err := Write(context.Background(), dest, Options{
		ConfigPath: cfgPath,
		TracePath:  tracePath,
		DB:         db,
	}); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)

	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		names[hdr.Name] = true
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		if strings.Contains(string(body), "sk-proj") {
			t.Fatalf("%s leaks the secret", hdr.Name)
		}
	}
	for _, want := range []string{"config.toml", "decision_trace.jsonl", "audit_tail.jsonl", "MANIFEST.json"} {
		if !names[want] {
			t.Errorf("bundle missing %s (have %v)", want, names)
		}
	}
}
