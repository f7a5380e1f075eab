package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestContainsTooLongRejected(t *testing.T) {
	long := strings.Repeat("x", maxContainsLen+1)
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: too-broad
    match:
      contains: "`+long+`"
      contains_is_regex: true
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "ask a human"
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for over-long contains pattern")
	}
	if !strings.Contains(err.Error(), "rules[0].match.contains") || !strings.Contains(err.Error(), "200") {
		t.Fatalf("error %q does not name the field and limit", err)
	}
}

func TestContainsRegexMatchingEmptyRejected(t *testing.T) {
	cases := []string{`.*`, `x?`, `(a|)`}
	for _, pattern := range cases {
		t.Run(pattern, func(t *testing.T) {
			path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: empty-match
    match:
      contains: "`+pattern+`"
      contains_is_regex: true
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "ask a human"
`)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("expected error for regex matching the empty string")
			}
			if !strings.Contains(err.Error(), "empty string") {
				t.Fatalf("error %q does not explain the empty-string rule", err)
			}
		})
	}
}

func TestContainsRegexAnchoredAccepted(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: ok-regex
    match:
      contains: "continue\\?"
      contains_is_regex: true
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "ask a human"
`)
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("valid regex rejected: %v", err)
	}
}

func TestContainsRegexValidatedInsideAnyOf(t *testing.T) {
	path := writeTemp(t, "p.yaml", `
policy_version: "1"
name: default
rules:
  - id: nested
    match:
      any_of:
        - contains: ".*"
          contains_is_regex: true
    auto_reply:
      value: "y"
defaults:
  no_match:
    require_human:
      message: "ask a human"
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for empty-matching regex inside any_of")
	}
	if !strings.Contains(err.Error(), "any_of[0]") {
		t.Fatalf("error %q does not name the nested path", err)
	}
}

func TestExtendsChildOverridesBaseRule(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte(`
policy_version: "1"
name: base
rules:
  - id: shared-rule
    match:
      tool_id: claude
    auto_reply:
      value: "y"
  - id: base-only
    match:
      tool_id: aider
    notify_only:
      message: "heads up"
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
  - id: shared-rule
    match:
      tool_id: claude
    deny:
      reason: "locked down"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFile(childPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The child's copy replaces the base's; no duplicate survives the merge.
	if len(p.Rules) != 2 {
		t.Fatalf("expected 2 rules after override merge, got %d: %+v", len(p.Rules), p.Rules)
	}
	if p.Rules[0].ID != "shared-rule" || p.Rules[0].Action.Kind != ActionDeny {
		t.Fatalf("child override lost: %+v", p.Rules[0])
	}
	if p.Rules[1].ID != "base-only" {
		t.Fatalf("remaining base rule missing: %+v", p.Rules[1])
	}
	seen := map[string]int{}
	for _, r := range p.Rules {
		seen[r.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("rule id %q appears %d times after merge", id, n)
		}
	}
}
