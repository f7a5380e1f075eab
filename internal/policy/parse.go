package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ParseError carries the exact field path that failed, so operators see
// "rules[3].match.foo: unknown field" rather than a generic yaml error.
type ParseError struct {
	Path string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

var topLevelKeys = map[string]bool{
	"policy_version": true,
	"name":           true,
	"autonomy_mode":  true,
	"extends":        true,
	"rules":          true,
	"defaults":       true,
}

var matchKeys = map[string]bool{
	"tool_id":           true,
	"repo":              true,
	"prompt_type":       true,
	"contains":          true,
	"contains_is_regex": true,
	"min_confidence":    true,
	"max_confidence":    true,
	"session_tag":       true,
	"session_state":     true,
	"channel_message":   true,
	"deny_input_types":  true,
	"environment":       true,
	"any_of":            true,
	"none_of":           true,
}

var ruleKeys = map[string]bool{
	"id":               true,
	"match":            true,
	"max_auto_replies": true,
	"auto_reply":       true,
	"require_human":    true,
	"deny":             true,
	"notify_only":      true,
}

var actionKeys = map[string]bool{
	"auto_reply":    true,
	"require_human": true,
	"deny":          true,
	"notify_only":   true,
}

// LoadFile parses and validates a policy file from disk, resolving any
// "extends" chain relative to its directory, and computes its hash.
func LoadFile(path string) (*Policy, error) {
	return loadFile(path, map[string]bool{})
}

func loadFile(path string, visiting map[string]bool) (*Policy, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, &ParseError{Path: "extends", Msg: fmt.Sprintf("cycle detected at %s", abs)}
	}
	visiting[abs] = true

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	if len(root.Content) == 0 {
		return nil, &ParseError{Msg: "empty document"}
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, &ParseError{Msg: "top-level document must be a mapping"}
	}

	p, extendsPath, err := parseDocument(doc)
	if err != nil {
		return nil, err
	}

	if extendsPath != "" {
		basePath := extendsPath
		if !filepath.IsAbs(basePath) {
			basePath = filepath.Join(filepath.Dir(abs), basePath)
		}
		base, err := loadFile(basePath, visiting)
		if err != nil {
			return nil, fmt.Errorf("extends %s: %w", extendsPath, err)
		}
		p = mergeExtends(base, p)
	}

	if err := validate(p); err != nil {
		return nil, err
	}
	p.Hash = computeHash(p)
	return p, nil
}

func parseDocument(doc *yaml.Node) (*Policy, string, error) {
	p := &Policy{}
	var extendsPath string

	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		val := doc.Content[i+1]
		if !topLevelKeys[key] {
			return nil, "", &ParseError{Path: key, Msg: "unknown field"}
		}
		switch key {
		case "policy_version":
			p.Version = val.Value
		case "name":
			p.Name = val.Value
		case "autonomy_mode":
			p.AutonomyMode = val.Value
		case "extends":
			extendsPath = val.Value
		case "rules":
			rules, err := parseRules(val)
			if err != nil {
				return nil, "", err
			}
			p.Rules = rules
		case "defaults":
			defaults, err := parseDefaults(val)
			if err != nil {
				return nil, "", err
			}
			p.Defaults = defaults
		}
	}

	if p.Version == "" {
		p.Version = "0"
	}
	if extendsPath != "" && p.Version != "1" {
		return nil, "", &ParseError{Path: "extends", Msg: "extends requires policy_version: \"1\""}
	}

	return p, extendsPath, nil
}

func parseRules(seq *yaml.Node) ([]Rule, error) {
	if seq.Kind != yaml.SequenceNode {
		return nil, &ParseError{Path: "rules", Msg: "must be a sequence"}
	}
	rules := make([]Rule, 0, len(seq.Content))
	seen := map[string]bool{}
	for i, item := range seq.Content {
		path := fmt.Sprintf("rules[%d]", i)
		r, err := parseRule(item, path)
		if err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, &ParseError{Path: path + ".id", Msg: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}
	return rules, nil
}

func parseRule(n *yaml.Node, path string) (Rule, error) {
	if n.Kind != yaml.MappingNode {
		return Rule{}, &ParseError{Path: path, Msg: "must be a mapping"}
	}
	r := Rule{}
	var actionNode *yaml.Node
	var actionKey string

	for i := 0; i < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]
		if !ruleKeys[key] {
			return Rule{}, &ParseError{Path: path + "." + key, Msg: "unknown field"}
		}
		switch key {
		case "id":
			r.ID = val.Value
		case "match":
			m, err := parseMatch(val, path+".match")
			if err != nil {
				return Rule{}, err
			}
			r.Match = m
		case "max_auto_replies":
			n, err := strconv.Atoi(val.Value)
			if err != nil {
				return Rule{}, &ParseError{Path: path + ".max_auto_replies", Msg: "must be an integer"}
			}
			r.MaxAutoReplies = n
		case "auto_reply", "require_human", "deny", "notify_only":
			if actionNode != nil {
				return Rule{}, &ParseError{Path: path, Msg: "only one action key allowed per rule"}
			}
			actionNode = val
			actionKey = key
		}
	}

	if r.ID == "" {
		return Rule{}, &ParseError{Path: path + ".id", Msg: "required"}
	}
	if actionNode == nil {
		return Rule{}, &ParseError{Path: path, Msg: "missing action (one of auto_reply/require_human/deny/notify_only)"}
	}
	action, err := parseAction(actionKey, actionNode, path+"."+actionKey)
	if err != nil {
		return Rule{}, err
	}
	r.Action = action
	return r, nil
}

func parseAction(key string, n *yaml.Node, path string) (Action, error) {
	a := Action{}
	switch key {
	case "auto_reply":
		a.Kind = ActionAutoReply
		v, err := scalarOrField(n, "value", path)
		if err != nil {
			return Action{}, err
		}
		a.Value = v
	case "require_human":
		a.Kind = ActionRequireHuman
		v, err := scalarOrField(n, "message", path)
		if err != nil {
			return Action{}, err
		}
		a.Message = v
	case "deny":
		a.Kind = ActionDeny
		v, err := scalarOrField(n, "reason", path)
		if err != nil {
			return Action{}, err
		}
		a.Reason = v
	case "notify_only":
		a.Kind = ActionNotifyOnly
		v, err := scalarOrField(n, "message", path)
		if err != nil {
			return Action{}, err
		}
		a.Message = v
	}
	return a, nil
}

// scalarOrField accepts either a bare scalar ("auto_reply: yes") or a
// mapping with the named field ("auto_reply: {value: yes}").
func scalarOrField(n *yaml.Node, field, path string) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.MappingNode:
		for i := 0; i < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if key != field {
				return "", &ParseError{Path: path + "." + key, Msg: "unknown field"}
			}
			return n.Content[i+1].Value, nil
		}
		return "", &ParseError{Path: path, Msg: fmt.Sprintf("missing %q", field)}
	default:
		return "", &ParseError{Path: path, Msg: "must be a scalar or mapping"}
	}
}

func parseMatch(n *yaml.Node, path string) (MatchCriteria, error) {
	if n.Kind != yaml.MappingNode {
		return MatchCriteria{}, &ParseError{Path: path, Msg: "must be a mapping"}
	}
	m := MatchCriteria{}
	for i := 0; i < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]
		if !matchKeys[key] {
			return MatchCriteria{}, &ParseError{Path: path + "." + key, Msg: "unknown field"}
		}
		var err error
		switch key {
		case "tool_id":
			m.ToolID = val.Value
		case "repo":
			m.Repo = val.Value
		case "prompt_type":
			m.PromptType, err = decodeStringSeq(val, path+".prompt_type")
		case "contains":
			m.Contains = val.Value
		case "contains_is_regex":
			m.ContainsIsRegex = val.Value == "true"
		case "min_confidence":
			m.MinConfidence = Confidence(val.Value)
		case "max_confidence":
			m.MaxConfidence = Confidence(val.Value)
		case "session_tag":
			m.SessionTag = val.Value
		case "session_state":
			m.SessionState, err = decodeStringSeq(val, path+".session_state")
		case "channel_message":
			b := val.Value == "true"
			m.ChannelMessage = &b
		case "deny_input_types":
			m.DenyInputTypes, err = decodeStringSeq(val, path+".deny_input_types")
		case "environment":
			m.Environment = val.Value
		case "any_of":
			m.AnyOf, err = decodeMatchSeq(val, path+".any_of")
		case "none_of":
			m.NoneOf, err = decodeMatchSeq(val, path+".none_of")
		}
		if err != nil {
			return MatchCriteria{}, err
		}
	}
	if len(m.AnyOf) > 0 && hasFlatPredicates(m) {
		return MatchCriteria{}, &ParseError{Path: path, Msg: "any_of cannot be combined with other predicates in the same block"}
	}
	return m, nil
}

func hasFlatPredicates(m MatchCriteria) bool {
	return m.ToolID != "" || m.Repo != "" || len(m.PromptType) > 0 || m.Contains != "" ||
		m.MinConfidence != "" || m.MaxConfidence != "" || m.SessionTag != "" ||
		len(m.SessionState) > 0 || m.ChannelMessage != nil || len(m.DenyInputTypes) > 0 || m.Environment != ""
}

func decodeStringSeq(n *yaml.Node, path string) ([]string, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, &ParseError{Path: path, Msg: "must be a sequence"}
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		out = append(out, item.Value)
	}
	return out, nil
}

func decodeMatchSeq(n *yaml.Node, path string) ([]MatchCriteria, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, &ParseError{Path: path, Msg: "must be a sequence"}
	}
	out := make([]MatchCriteria, 0, len(n.Content))
	for i, item := range n.Content {
		m, err := parseMatch(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func parseDefaults(n *yaml.Node) (Defaults, error) {
	if n.Kind != yaml.MappingNode {
		return Defaults{}, &ParseError{Path: "defaults", Msg: "must be a mapping"}
	}
	d := Defaults{}
	for i := 0; i < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]
		path := "defaults." + key
		switch key {
		case "no_match":
			a, actionKey, err := parseActionBlock(val, path)
			if err != nil {
				return Defaults{}, err
			}
			_ = actionKey
			d.NoMatch = a
		case "low_confidence":
			a, _, err := parseActionBlock(val, path)
			if err != nil {
				return Defaults{}, err
			}
			d.LowConfidence = &a
		default:
			return Defaults{}, &ParseError{Path: path, Msg: "unknown field"}
		}
	}
	return d, nil
}

// parseActionBlock parses a mapping with exactly one of the four action
// keys, e.g. `no_match: {deny: {reason: "..."}}`.
func parseActionBlock(n *yaml.Node, path string) (Action, string, error) {
	if n.Kind != yaml.MappingNode {
		return Action{}, "", &ParseError{Path: path, Msg: "must be a mapping"}
	}
	for i := 0; i < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]
		if !actionKeys[key] {
			return Action{}, "", &ParseError{Path: path + "." + key, Msg: "unknown field"}
		}
		a, err := parseAction(key, val, path+"."+key)
		if err != nil {
			return Action{}, "", err
		}
		return a, key, nil
	}
	return Action{}, "", &ParseError{Path: path, Msg: "missing action"}
}
