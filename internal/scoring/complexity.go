package scoring

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

//go:embed complexity.yaml
var defaultComplexityRules []byte

// ComplexityTier represents the remediation complexity level.
type ComplexityTier int

const (
	Tier1 ComplexityTier = 1 // Low complexity - full automation candidate
	Tier2 ComplexityTier = 2 // Medium complexity - partial automation
	Tier3 ComplexityTier = 3 // High complexity - manual execution required
)

// String returns the string representation of ComplexityTier.
func (t ComplexityTier) String() string {
	switch t {
	case Tier1:
		return "Tier1"
	case Tier2:
		return "Tier2"
	case Tier3:
		return "Tier3"
	default:
		return "Unknown"
	}
}

// ComplexityInput describes the finding being estimated.
type ComplexityInput struct {
	RuleID       string
	ResourceID   string
	ResourceType string
	EnvType      string // dev, stg, prod
}

// ComplexityAssessment is the output of remediation complexity analysis.
type ComplexityAssessment struct {
	Tier                 ComplexityTier `json:"tier"`
	TierName             string         `json:"tierName"`
	ComplexityScore      int            `json:"complexityScore"`
	AutomationCandidate  bool           `json:"automationCandidate"`
	RequiresChangeWindow bool           `json:"requiresChangeWindow"`
	RequiresDowntime     bool           `json:"requiresDowntime"`
	ServiceImpact        string         `json:"serviceImpact"`
	EstimatedEffort      time.Duration  `json:"estimatedEffort"`
	RecommendedApproach  string         `json:"recommendedApproach"`
	ComplexityFactors    []string       `json:"complexityFactors,omitempty"`
	RuleMatched          string         `json:"ruleMatched,omitempty"`
}

// ComplexityRule defines a rule for assessing remediation complexity.
type ComplexityRule struct {
	ID                   string         `yaml:"id"`
	Name                 string         `yaml:"name"`
	Description          string         `yaml:"description"`
	RuleIDs              []string       `yaml:"rule_ids"`
	ResourceTypes        []string       `yaml:"resource_types"`
	Tier                 ComplexityTier `yaml:"tier"`
	AutomationCandidate  bool           `yaml:"automation_candidate"`
	RequiresChangeWindow bool           `yaml:"requires_change_window"`
	RequiresDowntime     bool           `yaml:"requires_downtime"`
	ServiceImpact        string         `yaml:"service_impact"`
	EstimatedEffortHours float64        `yaml:"estimated_effort_hours"`
	RecommendedApproach  string         `yaml:"recommended_approach"`
}

// ComplexityConfig holds configuration for complexity assessment.
type ComplexityConfig struct {
	ProdEnvironmentBump   bool           // Bump tier +1 for prod
	StatefulResourceBump  bool           // Bump tier +1 for stateful resources
	SharedResourceMinTier ComplexityTier // Minimum tier for shared resources
	BumpEffortFactor      float64        // Effort multiplier per tier bump
}

// DefaultComplexityConfig returns sensible defaults.
func DefaultComplexityConfig() ComplexityConfig {
	return ComplexityConfig{
		ProdEnvironmentBump:   true,
		StatefulResourceBump:  true,
		SharedResourceMinTier: Tier2,
		BumpEffortFactor:      1.5,
	}
}

// ResourceMetadataProvider fetches resource metadata for complexity assessment.
type ResourceMetadataProvider interface {
	IsStateful(ctx context.Context, resourceID, resourceType string) (bool, error)
	IsSharedResource(ctx context.Context, resourceID string) (bool, error)
}

// ComplexityAssessor estimates remediation effort from a rule table.
type ComplexityAssessor struct {
	rules    []ComplexityRule
	metadata ResourceMetadataProvider
	config   ComplexityConfig
}

// ParseComplexityRules decodes a YAML rule table.
func ParseComplexityRules(data []byte) ([]ComplexityRule, error) {
	var file struct {
		Rules []ComplexityRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse complexity rules: %w", err)
	}
	for _, r := range file.Rules {
		if r.Tier < Tier1 || r.Tier > Tier3 {
			return nil, fmt.Errorf("complexity rule %s: tier %d out of range", r.ID, r.Tier)
		}
		if r.EstimatedEffortHours <= 0 {
			return nil, fmt.Errorf("complexity rule %s: effort must be positive", r.ID)
		}
	}
	return file.Rules, nil
}

// NewComplexityAssessor creates an assessor with the embedded rule table.
// metadata may be nil.
func NewComplexityAssessor(metadata ResourceMetadataProvider, config ComplexityConfig) *ComplexityAssessor {
	rules, err := ParseComplexityRules(defaultComplexityRules)
	if err != nil {
		panic(fmt.Sprintf("embedded complexity rules are invalid: %v", err))
	}
	return &ComplexityAssessor{rules: rules, metadata: metadata, config: config}
}

// WithRules replaces the rule table.
func (ca *ComplexityAssessor) WithRules(rules []ComplexityRule) *ComplexityAssessor {
	next := *ca
	next.rules = append([]ComplexityRule(nil), rules...)
	return &next
}

// Assess evaluates remediation complexity for a finding.
func (ca *ComplexityAssessor) Assess(ctx context.Context, in ComplexityInput) ComplexityAssessment {
	// Step 1: Match a rule, else fall back to a conservative estimate
	var a ComplexityAssessment
	if rule := ca.matchRule(in); rule != nil {
		a = ComplexityAssessment{
			Tier:                 rule.Tier,
			AutomationCandidate:  rule.AutomationCandidate,
			RequiresChangeWindow: rule.RequiresChangeWindow,
			RequiresDowntime:     rule.RequiresDowntime,
			ServiceImpact:        rule.ServiceImpact,
			EstimatedEffort:      hours(rule.EstimatedEffortHours),
			RecommendedApproach:  rule.RecommendedApproach,
			RuleMatched:          rule.ID,
		}
	} else {
		a = ComplexityAssessment{
			Tier:                 Tier2,
			RequiresChangeWindow: true,
			ServiceImpact:        "moderate",
			EstimatedEffort:      4 * time.Hour,
			RecommendedApproach:  "Manual review and remediation by the security team",
			ComplexityFactors:    []string{"Unknown finding type - manual review required"},
		}
	}

	// Step 2: Apply environment/resource bumps
	ca.applyBumps(ctx, &a, in)

	// Step 3: Score and label
	a.ComplexityScore = calculateComplexityScore(a)
	a.TierName = a.Tier.String()
	return a
}

func (ca *ComplexityAssessor) matchRule(in ComplexityInput) *ComplexityRule {
	for i := range ca.rules {
		rule := &ca.rules[i]
		if len(rule.RuleIDs) > 0 && !matchesAnyPattern(in.RuleID, rule.RuleIDs) {
			continue
		}
		if len(rule.ResourceTypes) > 0 && !matchesAnyPattern(in.ResourceType, rule.ResourceTypes) {
			continue
		}
		return rule
	}
	return nil
}

func (ca *ComplexityAssessor) applyBumps(ctx context.Context, a *ComplexityAssessment, in ComplexityInput) {
	bump := func(reason string) {
		if a.Tier < Tier3 {
			a.Tier++
			a.ComplexityFactors = append(a.ComplexityFactors, reason)
			if ca.config.BumpEffortFactor > 1 {
				a.EstimatedEffort = time.Duration(float64(a.EstimatedEffort) * ca.config.BumpEffortFactor)
			}
		}
	}

	if ca.config.ProdEnvironmentBump && strings.EqualFold(in.EnvType, "prod") {
		bump("Production environment (+1 tier)")
		a.RequiresChangeWindow = true
	}

	if ca.metadata == nil {
		return
	}
	if ca.config.StatefulResourceBump {
		if stateful, err := ca.metadata.IsStateful(ctx, in.ResourceID, in.ResourceType); err == nil && stateful {
			bump("Stateful resource (+1 tier)")
			a.RequiresDowntime = true
		}
	}
	if shared, err := ca.metadata.IsSharedResource(ctx, in.ResourceID); err == nil && shared {
		if a.Tier < ca.config.SharedResourceMinTier {
			a.Tier = ca.config.SharedResourceMinTier
			a.ComplexityFactors = append(a.ComplexityFactors, fmt.Sprintf("Shared resource (min %s)", ca.config.SharedResourceMinTier))
		}
		a.AutomationCandidate = false
	}
}

// calculateComplexityScore computes a 1-100 complexity score.
func calculateComplexityScore(a ComplexityAssessment) int {
	score := map[ComplexityTier]int{Tier1: 20, Tier2: 50, Tier3: 80}[a.Tier]
	if a.RequiresChangeWindow {
		score += 5
	}
	if a.RequiresDowntime {
		score += 10
	}
	switch a.ServiceImpact {
	case "minimal":
		score += 2
	case "moderate":
		score += 5
	case "significant":
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func matchesAnyPattern(value string, patterns []string) bool {
	for _, p := range patterns {
		if normalizer.MatchGlob(p, value) {
			return true
		}
	}
	return false
}
