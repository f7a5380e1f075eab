package policy

import (
	"strings"
	"testing"
)

func TestMigrateV0ToV1RewritesVersionOnly(t *testing.T) {
	path := writeTemp(t, "v0.yaml", `# a hand-written policy
policy_version: "0"
name: default
rules:
  - id: allow-git-status
    match:
      contains: "git status" # comment worth keeping
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "ask a human"
`)
	out, err := MigrateV0ToV1(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, `policy_version: "1"`) {
		t.Fatalf("expected version rewritten to 1, got:\n%s", s)
	}
	if !strings.Contains(s, "# a hand-written policy") {
		t.Fatalf("expected leading comment preserved, got:\n%s", s)
	}
	if !strings.Contains(s, "# comment worth keeping") {
		t.Fatalf("expected inline comment preserved, got:\n%s", s)
	}
	if !strings.Contains(s, "allow-git-status") {
		t.Fatalf("expected rule content preserved, got:\n%s", s)
	}
}

func TestMigratedFileParsesAsV1(t *testing.T) {
	path := writeTemp(t, "v0.yaml", `
policy_version: "0"
name: default
rules: []
defaults:
  no_match:
    deny:
      reason: "no"
`)
	out, err := MigrateV0ToV1(path)
	if err != nil {
		t.Fatal(err)
	}
	migratedPath := writeTemp(t, "v1.yaml", string(out))
	p, err := LoadFile(migratedPath)
	if err != nil {
		t.Fatalf("migrated file failed to parse: %v", err)
	}
	if p.Version != "1" {
		t.Fatalf("expected version 1, got %s", p.Version)
	}
}

func TestMigrateAddsVersionWhenAbsent(t *testing.T) {
	path := writeTemp(t, "noversion.yaml", `
name: default
rules: []
defaults:
  no_match:
    deny:
      reason: "no"
`)
	out, err := MigrateV0ToV1(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `policy_version: "1"`) {
		t.Fatalf("expected policy_version inserted, got:\n%s", string(out))
	}
}
