package normalizer

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule drives classification: severity, controls and remediability are taken
// from the rule, never from the scanner.
type Rule struct {
	ID             string   `yaml:"id"`
	Title          string   `yaml:"title"`
	Severity       Severity `yaml:"severity"`
	Controls       []string `yaml:"controls"`
	AutoRemediable bool     `yaml:"auto_remediable"`
	Category       string   `yaml:"category"`
	Match          []string `yaml:"match"`
	Recommendation string   `yaml:"recommendation"`
	Guidance       string   `yaml:"guidance"`
}

// RuleSet is an ordered, immutable collection of rules.
type RuleSet struct {
	rules []Rule
	byID  map[string]int
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded rules are invalid: %v", err))
	}
	return rs
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates rule YAML.
func ParseRules(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	rs := &RuleSet{byID: make(map[string]int, len(file.Rules))}
	for _, r := range file.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if _, dup := rs.byID[r.ID]; dup {
			return nil, fmt.Errorf("rule %s defined twice", r.ID)
		}
		sev, err := ParseSeverity(string(r.Severity))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Severity = sev
		if len(r.Controls) == 0 {
			return nil, fmt.Errorf("rule %s maps to no controls", r.ID)
		}
		rs.byID[r.ID] = len(rs.rules)
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Get returns the rule with the given id.
func (rs *RuleSet) Get(id string) (Rule, bool) {
	i, ok := rs.byID[id]
	if !ok {
		return Rule{}, false
	}
	return rs.rules[i], true
}

// Match finds the rule for an observation: exact id first, then the first
// rule whose pattern matches the provider rule id, then the title.
func (rs *RuleSet) Match(raw RawObservation) (Rule, bool) {
	if r, ok := rs.Get(raw.RuleID); ok {
		return r, true
	}
	for _, candidate := range []string{raw.RuleID, raw.Title} {
		if candidate == "" {
			continue
		}
		for _, r := range rs.rules {
			for _, pattern := range r.Match {
				if MatchGlob(pattern, candidate) {
					return r, true
				}
			}
		}
	}
	return Rule{}, false
}

// MatchGlob matches value against a case-insensitive pattern where * spans
// any run of characters, including separators.
func MatchGlob(pattern, value string) bool {
	pattern, value = strings.ToLower(pattern), strings.ToLower(value)
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == value
	}
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(value, part)
		if i < 0 {
			return false
		}
		value = value[i+len(part):]
	}
	return strings.HasSuffix(value, last)
}
