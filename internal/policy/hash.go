package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// computeHash derives a stable fingerprint of a parsed policy by hashing a
// canonical, deterministically-ordered text rendering of its rules and
// defaults. Comments, key order, and formatting in the source YAML never
// affect the hash -- only the semantic content does.
func computeHash(p *Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s\n", p.Name)
	fmt.Fprintf(&b, "version=%s\n", p.Version)
	fmt.Fprintf(&b, "autonomy_mode=%s\n", p.AutonomyMode)
	for _, r := range p.Rules {
		fmt.Fprintf(&b, "rule=%s\n", r.ID)
		writeMatch(&b, r.Match)
		writeAction(&b, "action", r.Action)
		fmt.Fprintf(&b, "max_auto_replies=%d\n", r.MaxAutoReplies)
	}
	writeAction(&b, "default.no_match", p.Defaults.NoMatch)
	if p.Defaults.LowConfidence != nil {
		writeAction(&b, "default.low_confidence", *p.Defaults.LowConfidence)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func writeAction(b *strings.Builder, label string, a Action) {
	fmt.Fprintf(b, "%s.kind=%s\n", label, a.Kind)
	switch a.Kind {
	case ActionAutoReply:
		fmt.Fprintf(b, "%s.value=%s\n", label, a.Value)
	case ActionRequireHuman, ActionNotifyOnly:
		fmt.Fprintf(b, "%s.message=%s\n", label, a.Message)
	case ActionDeny:
		fmt.Fprintf(b, "%s.reason=%s\n", label, a.Reason)
	}
}

func writeMatch(b *strings.Builder, m MatchCriteria) {
	fmt.Fprintf(b, "match.tool_id=%s\n", m.ToolID)
	fmt.Fprintf(b, "match.repo=%s\n", m.Repo)
	fmt.Fprintf(b, "match.prompt_type=%s\n", strings.Join(sortedCopy(m.PromptType), ","))
	fmt.Fprintf(b, "match.contains=%s\n", m.Contains)
	fmt.Fprintf(b, "match.contains_is_regex=%v\n", m.ContainsIsRegex)
	fmt.Fprintf(b, "match.min_confidence=%s\n", m.MinConfidence)
	fmt.Fprintf(b, "match.max_confidence=%s\n", m.MaxConfidence)
	fmt.Fprintf(b, "match.session_tag=%s\n", m.SessionTag)
	fmt.Fprintf(b, "match.session_state=%s\n", strings.Join(sortedCopy(m.SessionState), ","))
	if m.ChannelMessage != nil {
		fmt.Fprintf(b, "match.channel_message=%v\n", *m.ChannelMessage)
	}
	fmt.Fprintf(b, "match.deny_input_types=%s\n", strings.Join(sortedCopy(m.DenyInputTypes), ","))
	fmt.Fprintf(b, "match.environment=%s\n", m.Environment)
	for i, sub := range m.AnyOf {
		fmt.Fprintf(b, "match.any_of[%d]:\n", i)
		writeMatch(b, sub)
	}
	for i, sub := range m.NoneOf {
		fmt.Fprintf(b, "match.none_of[%d]:\n", i)
		writeMatch(b, sub)
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
