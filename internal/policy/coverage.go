package policy

// RuleCoverage is one rule's hit count over a recorded event corpus.
type RuleCoverage struct {
	RuleID string
	Hits   int
}

// CoverageReport cross-references a corpus of recorded events against a
// policy: which rules fired, which never did, and what fraction of events
// matched something other than the defaults.
type CoverageReport struct {
	Total        int
	Matched      int
	PerRule      []RuleCoverage
	NeverFired   []string
	MatchedRatio float64
}

// Coverage evaluates every event against the policy and tallies matches.
// Rules that never fire are candidates for removal or reordering; a low
// matched ratio means the defaults are doing most of the work.
func Coverage(p *Policy, events []Event) CoverageReport {
	hits := make(map[string]int, len(p.Rules))
	matched := 0
	for _, ev := range events {
		dec := Evaluate(p, ev)
		if dec.MatchedRuleID != "" {
			hits[dec.MatchedRuleID]++
			matched++
		}
	}

	report := CoverageReport{Total: len(events), Matched: matched}
	for _, rule := range p.Rules {
		report.PerRule = append(report.PerRule, RuleCoverage{RuleID: rule.ID, Hits: hits[rule.ID]})
		if hits[rule.ID] == 0 {
			report.NeverFired = append(report.NeverFired, rule.ID)
		}
	}
	if report.Total > 0 {
		report.MatchedRatio = float64(matched) / float64(report.Total)
	}
	return report
}
