package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	key := "sk-ant-REDACTED"
	if err := s.Set("anthropic", key); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get("anthropic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != key {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestValueNotStoredInPlaintext(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	key := "sk-ant-REDACTED"
	if err := s.Set("anthropic", key); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.Contains(string(b), key) {
			return fmt.Errorf("%s holds the key in plaintext", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetUnknownAndDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Set("x", "value"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("x"); !errors.Is(err, ErrNotFound) {
		t.Fatal("deleted key still readable")
	}
	if err := s.Delete("x"); err != nil {
		t.Fatalf("deleting an absent key should be a no-op: %v", err)
	}
}

func TestPrefix(t *testing.T) {
	if got := Prefix("sk-ant-api03-xyz"); got != "sk-ant" {
		t.Fatalf("prefix = %q", got)
	}
	if got := Prefix("ab"); got != "ab" {
		t.Fatalf("short prefix = %q", got)
	}
}

func TestRedactError(t *testing.T) {
	key := "sk-ant-REDACTED"
	err := RedactError(fmt.Errorf("request failed for key %s: unauthorized", key), key)
	if strings.Contains(err.Error(), "verysecret") {
		t.Fatalf("error still holds the key: %v", err)
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Fatalf("no redaction marker: %v", err)
	}
}
