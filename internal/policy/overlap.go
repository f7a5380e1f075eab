package policy

import "fmt"

// Overlap reports two rules whose flat predicates are not mutually
// exclusive, meaning a later rule can never fire because an earlier rule
// would always match first, or an operator might reasonably assume both
// apply. any_of-bearing rules are skipped: their effective predicate set
// can't be reasoned about structurally without evaluating every branch.
type Overlap struct {
	EarlierRuleID string
	LaterRuleID   string
	Note          string
}

// FindOverlaps performs a static, best-effort scan for rule pairs that
// share every constrained field, which under FIRST-MATCH-WINS makes the
// later rule unreachable whenever the earlier one also matches.
func FindOverlaps(p *Policy) []Overlap {
	var overlaps []Overlap
	for i := 0; i < len(p.Rules); i++ {
		if len(p.Rules[i].Match.AnyOf) > 0 || len(p.Rules[i].Match.NoneOf) > 0 {
			continue
		}
		for j := i + 1; j < len(p.Rules); j++ {
			if len(p.Rules[j].Match.AnyOf) > 0 || len(p.Rules[j].Match.NoneOf) > 0 {
				continue
			}
			if overlaps1(p.Rules[i].Match, p.Rules[j].Match) {
				overlaps = append(overlaps, Overlap{
					EarlierRuleID: p.Rules[i].ID,
					LaterRuleID:   p.Rules[j].ID,
					Note: fmt.Sprintf("rule %q shadows rule %q: every constraint on %q is also satisfied whenever %q matches",
						p.Rules[j].ID, p.Rules[i].ID, p.Rules[i].ID, p.Rules[j].ID),
				})
			}
		}
	}
	return overlaps
}

// overlaps1 reports whether the earlier rule's constraints are a subset of
// (or equal to) the later rule's, i.e. whenever `later` would match, so
// would `earlier` -- meaning `earlier`, appearing first, always wins.
func overlaps1(earlier, later MatchCriteria) bool {
	if earlier.ToolID != "" && earlier.ToolID != later.ToolID {
		return false
	}
	if earlier.Repo != "" && earlier.Repo != later.Repo {
		return false
	}
	if earlier.Contains != "" && earlier.Contains != later.Contains {
		return false
	}
	if earlier.SessionTag != "" && earlier.SessionTag != later.SessionTag {
		return false
	}
	if earlier.Environment != "" && earlier.Environment != later.Environment {
		return false
	}
	if len(earlier.PromptType) > 0 && !stringSetSubset(earlier.PromptType, later.PromptType) {
		return false
	}
	if len(earlier.SessionState) > 0 && !stringSetSubset(earlier.SessionState, later.SessionState) {
		return false
	}
	if earlier.MinConfidence != "" && earlier.MinConfidence != later.MinConfidence {
		return false
	}
	if earlier.MaxConfidence != "" && earlier.MaxConfidence != later.MaxConfidence {
		return false
	}
	if earlier.ChannelMessage != nil {
		if later.ChannelMessage == nil || *earlier.ChannelMessage != *later.ChannelMessage {
			return false
		}
	}
	return true
}

func stringSetSubset(a, b []string) bool {
	set := map[string]bool{}
	for _, x := range b {
		set[x] = true
	}
	for _, x := range a {
		if !set[x] {
			return false
		}
	}
	return true
}
