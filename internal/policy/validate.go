package policy

import (
	"fmt"
	"regexp"
)

// maxContainsLen bounds a contains pattern: anything longer is either a
// paste mistake or a pattern too broad to reason about.
const maxContainsLen = 200

func validate(p *Policy) error {
	if p.Name == "" {
		return &ParseError{Path: "name", Msg: "required"}
	}
	if p.Version != "0" && p.Version != "1" {
		return &ParseError{Path: "policy_version", Msg: fmt.Sprintf("unsupported version %q", p.Version)}
	}
	if p.Defaults.NoMatch.Kind == "" {
		return &ParseError{Path: "defaults.no_match", Msg: "required"}
	}
	// Rule IDs must be unique in the final rule list. parseRules already
	// rejects duplicates within one file; this re-check covers the merged
	// result of an extends chain.
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if seen[r.ID] {
			return &ParseError{Path: fmt.Sprintf("rules[%d].id", i), Msg: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true
		if r.MaxAutoReplies < 0 {
			return &ParseError{Path: fmt.Sprintf("rules[%d].max_auto_replies", i), Msg: "must be >= 0"}
		}
		if err := validateMatch(r.Match, fmt.Sprintf("rules[%d].match", i)); err != nil {
			return err
		}
	}
	return nil
}

// validateMatch enforces the contains-regex constraints on a criteria
// block and recursively on its any_of/none_of sub-blocks: a regex pattern
// is capped at maxContainsLen and must not match the empty string (such a
// pattern matches every prompt, which is never what the author meant).
func validateMatch(m MatchCriteria, path string) error {
	if m.ContainsIsRegex && m.Contains != "" {
		if len(m.Contains) > maxContainsLen {
			return &ParseError{
				Path: path + ".contains",
				Msg:  fmt.Sprintf("regex too long (%d chars, max %d)", len(m.Contains), maxContainsLen),
			}
		}
		re, err := regexp.Compile("(?i)" + m.Contains)
		if err != nil {
			return &ParseError{Path: path + ".contains", Msg: fmt.Sprintf("invalid regex: %v", err)}
		}
		if re.MatchString("") {
			return &ParseError{Path: path + ".contains", Msg: "regex matches the empty string; use a more specific pattern"}
		}
	}
	for i, sub := range m.AnyOf {
		if err := validateMatch(sub, fmt.Sprintf("%s.any_of[%d]", path, i)); err != nil {
			return err
		}
	}
	for i, sub := range m.NoneOf {
		if err := validateMatch(sub, fmt.Sprintf("%s.none_of[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// mergeExtends applies a v1 "extends" chain: child rules override base
// rules with the same ID, remaining base rules are appended after the
// child's (child rules take precedence under FIRST-MATCH-WINS), and the
// child inherits any defaults/autonomy_mode it did not itself set.
func mergeExtends(base, child *Policy) *Policy {
	merged := &Policy{
		Name:         child.Name,
		Version:      child.Version,
		AutonomyMode: child.AutonomyMode,
		Defaults:     child.Defaults,
	}
	if merged.AutonomyMode == "" {
		merged.AutonomyMode = base.AutonomyMode
	}
	if merged.Defaults.NoMatch.Kind == "" {
		merged.Defaults.NoMatch = base.Defaults.NoMatch
	}
	if merged.Defaults.LowConfidence == nil {
		merged.Defaults.LowConfidence = base.Defaults.LowConfidence
	}

	overridden := make(map[string]bool, len(child.Rules))
	for _, r := range child.Rules {
		overridden[r.ID] = true
	}
	merged.Rules = append(merged.Rules, child.Rules...)
	for _, r := range base.Rules {
		if overridden[r.ID] {
			continue
		}
		merged.Rules = append(merged.Rules, r)
	}
	return merged
}
