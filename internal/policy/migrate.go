package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MigrateV0ToV1 rewrites a v0 policy file to v1 in place in the document
// tree: it only touches the policy_version scalar (and adds an empty
// "rules: []" / "defaults" block if genuinely absent), leaving every
// comment, key order, and blank line in the rest of the file untouched.
// It returns the migrated document's bytes without writing to disk.
func MigrateV0ToV1(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
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

	found := false
	for i := 0; i < len(doc.Content); i += 2 {
		if doc.Content[i].Value == "policy_version" {
			doc.Content[i+1].Value = "1"
			doc.Content[i+1].Tag = "!!str"
			found = true
			break
		}
	}
	if !found {
		versionKey := &yaml.Node{Kind: yaml.ScalarNode, Value: "policy_version"}
		versionVal := &yaml.Node{Kind: yaml.ScalarNode, Value: "1", Tag: "!!str"}
		doc.Content = append([]*yaml.Node{versionKey, versionVal}, doc.Content...)
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return nil, fmt.Errorf("re-encode migrated policy: %w", err)
	}
	return out, nil
}
