package policy

import "testing"

func testPolicy() *Policy {
	return &Policy{
		Name:         "test",
		Version:      "1",
		AutonomyMode: "supervised",
		Rules: []Rule{
			{
				ID:     "deny-rm-rf",
				Match:  MatchCriteria{Contains: "rm -rf"},
				Action: Action{Kind: ActionDeny, Reason: "destructive command"},
			},
			{
				ID:     "auto-yes-git-status",
				Match:  MatchCriteria{ToolID: "claude", Contains: "git status"},
				Action: Action{Kind: ActionAutoReply, Value: "y"},
			},
			{
				ID: "any-of-example",
				Match: MatchCriteria{
					AnyOf: []MatchCriteria{
						{Repo: "internal/"},
						{SessionTag: "prod"},
					},
				},
				Action: Action{Kind: ActionRequireHuman, Message: "needs review"},
			},
		},
		Defaults: Defaults{
			NoMatch: Action{Kind: ActionRequireHuman, Message: "default human review"},
			LowConfidence: &Action{
				Kind: ActionRequireHuman, Message: "low confidence, ask a human",
			},
		},
	}
}

func TestFirstMatchWins(t *testing.T) {
	p := testPolicy()
	d := Evaluate(p, Event{ToolID: "claude", Excerpt: "rm -rf /tmp/x and git status", Confidence: ConfidenceHigh})
	if d.MatchedRuleID != "deny-rm-rf" {
		t.Fatalf("expected first matching rule to win, got %s", d.MatchedRuleID)
	}
}

func TestSecondRuleMatchesWhenFirstDoesNot(t *testing.T) {
	p := testPolicy()
	d := Evaluate(p, Event{ToolID: "claude", Excerpt: "git status", Confidence: ConfidenceHigh})
	if d.MatchedRuleID != "auto-yes-git-status" {
		t.Fatalf("got %s", d.MatchedRuleID)
	}
	if d.Action.Value != "y" {
		t.Fatalf("got action %+v", d.Action)
	}
}

func TestAnyOfMatchesOnEitherBranch(t *testing.T) {
	p := testPolicy()
	d1 := Evaluate(p, Event{Repo: "internal/foo", Confidence: ConfidenceHigh})
	if d1.MatchedRuleID != "any-of-example" {
		t.Fatalf("expected any_of repo branch to match, got %s", d1.MatchedRuleID)
	}
	d2 := Evaluate(p, Event{SessionTag: "prod", Confidence: ConfidenceHigh})
	if d2.MatchedRuleID != "any-of-example" {
		t.Fatalf("expected any_of session_tag branch to match, got %s", d2.MatchedRuleID)
	}
}

func TestNoMatchFallsBackToDefault(t *testing.T) {
	p := testPolicy()
	d := Evaluate(p, Event{ToolID: "other-tool", Excerpt: "hello", Confidence: ConfidenceHigh})
	if d.MatchedRuleID != "" {
		t.Fatalf("expected no rule matched, got %s", d.MatchedRuleID)
	}
	if d.Action.Kind != ActionRequireHuman || d.Action.Message != "default human review" {
		t.Fatalf("got %+v", d.Action)
	}
}

func TestLowConfidenceDefaultAppliesBeforeNoMatch(t *testing.T) {
	p := testPolicy()
	d := Evaluate(p, Event{ToolID: "other-tool", Excerpt: "hello", Confidence: ConfidenceLow})
	if d.Action.Message != "low confidence, ask a human" {
		t.Fatalf("expected low-confidence default, got %+v", d.Action)
	}
}

func TestMinMaxConfidenceBounds(t *testing.T) {
	p := &Policy{
		Rules: []Rule{
			{ID: "mid-only", Match: MatchCriteria{MinConfidence: ConfidenceMedium, MaxConfidence: ConfidenceMedium}, Action: Action{Kind: ActionAutoReply, Value: "y"}},
		},
		Defaults: Defaults{NoMatch: Action{Kind: ActionDeny, Reason: "no"}},
	}
	if d := Evaluate(p, Event{Confidence: ConfidenceLow}); d.MatchedRuleID != "" {
		t.Fatal("low confidence should not satisfy min_confidence=medium")
	}
	if d := Evaluate(p, Event{Confidence: ConfidenceMedium}); d.MatchedRuleID != "mid-only" {
		t.Fatal("medium confidence should match")
	}
	if d := Evaluate(p, Event{Confidence: ConfidenceHigh}); d.MatchedRuleID != "" {
		t.Fatal("high confidence should exceed max_confidence=medium")
	}
}

func TestDenyInputTypesExcludes(t *testing.T) {
	p := &Policy{
		Rules: []Rule{
			{ID: "no-passwords", Match: MatchCriteria{DenyInputTypes: []string{"password_input"}}, Action: Action{Kind: ActionAutoReply, Value: "y"}},
		},
		Defaults: Defaults{NoMatch: Action{Kind: ActionRequireHuman, Message: "human"}},
	}
	d := Evaluate(p, Event{PromptType: "password_input", Confidence: ConfidenceHigh})
	if d.MatchedRuleID != "" {
		t.Fatal("expected deny_input_types to exclude password_input from matching")
	}
}

func TestContainsIsRegex(t *testing.T) {
	p := &Policy{
		Rules: []Rule{
			{ID: "regex-rule", Match: MatchCriteria{Contains: `rm\s+-rf`, ContainsIsRegex: true}, Action: Action{Kind: ActionDeny, Reason: "no"}},
		},
		Defaults: Defaults{NoMatch: Action{Kind: ActionRequireHuman, Message: "human"}},
	}
	d := Evaluate(p, Event{Excerpt: "about to rm   -rf /", Confidence: ConfidenceHigh})
	if d.MatchedRuleID != "regex-rule" {
		t.Fatalf("expected regex match, got %s", d.MatchedRuleID)
	}
}

func TestDebugTracesEveryRule(t *testing.T) {
	p := testPolicy()
	_, traces := Debug(p, Event{ToolID: "claude", Excerpt: "git status", Confidence: ConfidenceHigh})
	if len(traces) != len(p.Rules) {
		t.Fatalf("expected a trace entry per rule, got %d", len(traces))
	}
	if !traces[1].Matched {
		t.Fatal("expected rule 1 (auto-yes-git-status) to be traced as matched")
	}
}
