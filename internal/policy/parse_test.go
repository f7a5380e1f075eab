package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseBasicPolicy(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
autonomy_mode: supervised
rules:
  - id: allow-git-status
    match:
      tool_id: claude
      contains: "git status"
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "need a human"
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Rules) != 1 || p.Rules[0].ID != "allow-git-status" {
		t.Fatalf("got %+v", p.Rules)
	}
	if p.Rules[0].Action.Kind != ActionAutoReply || p.Rules[0].Action.Value != "y" {
		t.Fatalf("got action %+v", p.Rules[0].Action)
	}
	if p.Defaults.NoMatch.Kind != ActionRequireHuman {
		t.Fatalf("got defaults %+v", p.Defaults)
	}
	if p.Hash == "" {
		t.Fatal("expected non-empty hash")
	}
}

func TestParseUnknownFieldReportsPath(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: r1
    match:
      bogus_field: true
    deny:
      reason: "no"
defaults:
  no_match:
    deny:
      reason: "no"
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.Path != "rules[0].match.bogus_field" {
		t.Fatalf("expected precise path, got %q", pe.Path)
	}
}

func TestParseRejectsDuplicateRuleIDs(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: dup
    match:
      tool_id: claude
    deny:
      reason: "a"
  - id: dup
    match:
      tool_id: codex
    deny:
      reason: "b"
defaults:
  no_match:
    deny:
      reason: "no"
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestExtendsInheritsBaseRulesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte(`
policy_version: "1"
name: base
autonomy_mode: supervised
rules:
  - id: base-rule
    match:
      tool_id: claude
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "ask a human"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	childPath := filepath.Join(dir, "child.yaml")
	if err := os.WriteFile(childPath, []byte(`
policy_version: "1"
name: child
extends: base.yaml
rules:
  - id: child-rule
    match:
      tool_id: codex
    deny:
      reason: "blocked"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFile(childPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Rules) != 2 {
		t.Fatalf("expected 2 rules after extends merge, got %d: %+v", len(p.Rules), p.Rules)
	}
	if p.Rules[0].ID != "child-rule" {
		t.Fatalf("expected child rule first (precedence), got %s", p.Rules[0].ID)
	}
	if p.AutonomyMode != "supervised" {
		t.Fatalf("expected inherited autonomy_mode, got %q", p.AutonomyMode)
	}
	if p.Defaults.NoMatch.Kind != ActionRequireHuman {
		t.Fatalf("expected inherited no_match default, got %+v", p.Defaults.NoMatch)
	}
}

func TestExtendsCycleDetected(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.yaml")
	bPath := filepath.Join(dir, "b.yaml")
	os.WriteFile(aPath, []byte(`
policy_version: "1"
name: a
extends: b.yaml
rules: []
defaults:
  no_match:
    deny:
      reason: "no"
`), 0o600)
	os.WriteFile(bPath, []byte(`
policy_version: "1"
name: b
extends: a.yaml
rules: []
defaults:
  no_match:
    deny:
      reason: "no"
`), 0o600)

	_, err := LoadFile(aPath)
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestExtendsRequiresV1(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "0"
name: child
extends: base.yaml
rules: []
defaults:
  no_match:
    deny:
      reason: "no"
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error: extends requires v1")
	}
}

func TestAnyOfCannotCombineWithFlatPredicates(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: r1
    match:
      tool_id: claude
      any_of:
        - contains: "rm -rf"
    deny:
      reason: "no"
defaults:
  no_match:
    deny:
      reason: "no"
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error")
	}
}
