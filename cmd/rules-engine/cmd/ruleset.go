package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/securecheckio/rules-engine/internal/domain/rule"
)

// ruleFile is the on-disk YAML shape for a rule set. It mirrors rule.Rule
// field-for-field so a human-authored YAML rule bundle maps directly onto
// the domain type without a lossy intermediate representation.
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID                string       `yaml:"id"`
	Content           []string     `yaml:"content,omitempty"`
	PCRE              []string     `yaml:"pcre,omitempty"`
	Semantic          []string     `yaml:"semantic,omitempty"`
	SemanticThreshold *float64     `yaml:"semantic_threshold,omitempty"`
	Condition         string       `yaml:"condition,omitempty"`
	Flags             *flagEntry   `yaml:"flags,omitempty"`
	Threshold         int          `yaml:"threshold,omitempty"`
	Window            int          `yaml:"window,omitempty"`
	Category          string       `yaml:"category,omitempty"`
	Severity          string       `yaml:"severity,omitempty"`
	Action            string       `yaml:"action"`
	Enabled           *bool        `yaml:"enabled,omitempty"`
	NoCase            *bool        `yaml:"nocase,omitempty"`
}

type flagEntry struct {
	Set   []string `yaml:"set,omitempty"`
	Unset []string `yaml:"unset,omitempty"`
	Check []string `yaml:"check,omitempty"`
	TTL   *int     `yaml:"ttl,omitempty"`
}

// loadRuleFile reads and converts a YAML rule bundle from path. Individual
// rule validity is checked later by the engine's LoadRules -- this is a
// shape conversion only.
func loadRuleFile(path string) ([]*rule.Rule, error) {
	if path == "" {
		return nil, fmt.Errorf("--rules is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	rules := make([]*rule.Rule, 0, len(rf.Rules))
	for _, e := range rf.Rules {
		r := &rule.Rule{
			ID:                e.ID,
			Content:           e.Content,
			PCRE:              e.PCRE,
			Semantic:          e.Semantic,
			SemanticThreshold: e.SemanticThreshold,
			Condition:         e.Condition,
			Threshold:         e.Threshold,
			Window:            e.Window,
			Category:          rule.Category(e.Category),
			Severity:          rule.Severity(e.Severity),
			Action:            rule.Action(e.Action),
			NoCase:            e.NoCase,
			Enabled:           e.Enabled == nil || *e.Enabled,
		}
		if e.Flags != nil {
			r.Flags = &rule.FlagSpec{
				Set:   e.Flags.Set,
				Unset: e.Flags.Unset,
				Check: e.Flags.Check,
				TTL:   e.Flags.TTL,
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}
