package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Evaluate runs FIRST-MATCH-WINS evaluation: rules are tried in order,
// predicates within a rule are ANDed, and the first rule that matches
// wins. On no match, Defaults.NoMatch applies (or Defaults.LowConfidence
// when the event's confidence is LOW and that default is set).
func Evaluate(p *Policy, ev Event) Decision {
	for _, r := range p.Rules {
		if matchCriteria(r.Match, ev) {
			return Decision{
				Action:        r.Action,
				MatchedRuleID: r.ID,
				Explanation:   fmt.Sprintf("rule %q matched", r.ID),
				PolicyHash:    p.Hash,
				Confidence:    ev.Confidence,
				AutonomyMode:  p.AutonomyMode,
			}
		}
	}

	if ev.Confidence == ConfidenceLow && p.Defaults.LowConfidence != nil {
		return Decision{
			Action:       *p.Defaults.LowConfidence,
			Explanation:  "no rule matched; low-confidence default applied",
			PolicyHash:   p.Hash,
			Confidence:   ev.Confidence,
			AutonomyMode: p.AutonomyMode,
		}
	}

	return Decision{
		Action:       p.Defaults.NoMatch,
		Explanation:  "no rule matched; no_match default applied",
		PolicyHash:   p.Hash,
		Confidence:   ev.Confidence,
		AutonomyMode: p.AutonomyMode,
	}
}

// RuleTrace is one rule's independent (non-short-circuiting) evaluation,
// used by "debug" mode (§4.6).
type RuleTrace struct {
	RuleID  string
	Matched bool
	Reason  string
}

// Debug evaluates every rule independently, without short-circuiting, so
// operators can see why later rules would or would not have matched. The
// winning rule (first matcher) is still reported separately.
func Debug(p *Policy, ev Event) (Decision, []RuleTrace) {
	traces := make([]RuleTrace, 0, len(p.Rules))
	var winner *Decision
	for _, r := range p.Rules {
		matched := matchCriteria(r.Match, ev)
		reason := "did not match"
		if matched {
			reason = "matched"
		}
		traces = append(traces, RuleTrace{RuleID: r.ID, Matched: matched, Reason: reason})
		if matched && winner == nil {
			d := Decision{
				Action:        r.Action,
				MatchedRuleID: r.ID,
				Explanation:   fmt.Sprintf("rule %q matched", r.ID),
				PolicyHash:    p.Hash,
				Confidence:    ev.Confidence,
				AutonomyMode:  p.AutonomyMode,
			}
			winner = &d
		}
	}
	if winner != nil {
		return *winner, traces
	}
	return Evaluate(p, ev), traces
}

// Explain evaluates like Evaluate (short-circuits on first match) but is a
// distinct entry point so callers can request an explanation string
// without the full per-rule trace of Debug.
func Explain(p *Policy, ev Event) Decision {
	return Evaluate(p, ev)
}

func matchCriteria(m MatchCriteria, ev Event) bool {
	if len(m.AnyOf) > 0 {
		for _, sub := range m.AnyOf {
			if matchCriteria(sub, ev) {
				return true
			}
		}
		return false
	}

	if len(m.NoneOf) > 0 {
		for _, sub := range m.NoneOf {
			if matchCriteria(sub, ev) {
				return false
			}
		}
	}

	if m.ToolID != "" && m.ToolID != ev.ToolID {
		return false
	}
	if m.Repo != "" && !strings.HasPrefix(ev.Repo, m.Repo) {
		return false
	}
	if len(m.PromptType) > 0 && !contains(m.PromptType, ev.PromptType) {
		return false
	}
	if m.Contains != "" && !matchContains(m.Contains, m.ContainsIsRegex, ev.Excerpt) {
		return false
	}
	if m.MinConfidence != "" && ev.Confidence.rank() < m.MinConfidence.rank() {
		return false
	}
	if m.MaxConfidence != "" && ev.Confidence.rank() > m.MaxConfidence.rank() {
		return false
	}
	if m.SessionTag != "" && m.SessionTag != ev.SessionTag {
		return false
	}
	if len(m.SessionState) > 0 && !contains(m.SessionState, ev.SessionState) {
		return false
	}
	if m.ChannelMessage != nil && *m.ChannelMessage != ev.ChannelMessage {
		return false
	}
	if len(m.DenyInputTypes) > 0 && contains(m.DenyInputTypes, ev.PromptType) {
		return false
	}
	if m.Environment != "" && m.Environment != ev.Environment {
		return false
	}

	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func matchContains(pattern string, isRegex bool, text string) bool {
	if !isRegex {
		return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}
