// ABOUTME: Ordered text replacement table decoded from a YAML mapping.
// ABOUTME: Document order is preserved because the pairs are applied in sequence.

package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Replacement is one literal substitution.
type Replacement struct {
	Old string
	New string
}

// Replacements keeps the mapping's key order.
type Replacements []Replacement

// UnmarshalYAML decodes a mapping node pair by pair.
func (r *Replacements) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*r = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: replacements must be a mapping of old: new", node.Line)
	}

	out := make(Replacements, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var pair Replacement
		if err := node.Content[i].Decode(&pair.Old); err != nil {
			return fmt.Errorf("line %d: replacement key: %w", node.Content[i].Line, err)
		}
		if err := node.Content[i+1].Decode(&pair.New); err != nil {
			return fmt.Errorf("line %d: replacement value: %w", node.Content[i+1].Line, err)
		}
		if pair.Old == "" {
			return fmt.Errorf("line %d: replacement key must not be empty", node.Content[i].Line)
		}
		if seen[pair.Old] {
			return fmt.Errorf("line %d: duplicate replacement key %q", node.Content[i].Line, pair.Old)
		}
		seen[pair.Old] = true
		out = append(out, pair)
	}
	*r = out
	return nil
}
