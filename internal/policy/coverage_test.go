package policy

import "testing"

func TestCoverage(t *testing.T) {
	p := &Policy{
		Name: "cov", Version: "1",
		Rules: []Rule{
			{ID: "yes-no", Match: MatchCriteria{PromptType: []string{"yes_no"}}, Action: Action{Kind: ActionAutoReply, Value: "y"}},
			{ID: "never", Match: MatchCriteria{PromptType: []string{"multiple_choice"}, ToolID: "nonexistent"}, Action: Action{Kind: ActionDeny}},
		},
		Defaults: Defaults{NoMatch: Action{Kind: ActionRequireHuman}},
	}
	corpus := []Event{
		{PromptType: "yes_no", Confidence: ConfidenceHigh},
		{PromptType: "yes_no", Confidence: ConfidenceMedium},
		{PromptType: "free_text", Confidence: ConfidenceHigh},
	}

	report := Coverage(p, corpus)
	if report.Total != 3 || report.Matched != 2 {
		t.Fatalf("total=%d matched=%d, want 3/2", report.Total, report.Matched)
	}
	if len(report.NeverFired) != 1 || report.NeverFired[0] != "never" {
		t.Fatalf("never fired = %v", report.NeverFired)
	}
	if report.MatchedRatio < 0.66 || report.MatchedRatio > 0.67 {
		t.Fatalf("ratio = %f", report.MatchedRatio)
	}
}

func TestCoverageEmptyCorpus(t *testing.T) {
	p := &Policy{Defaults: Defaults{NoMatch: Action{Kind: ActionRequireHuman}}}
	report := Coverage(p, nil)
	if report.Total != 0 || report.MatchedRatio != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}
