package remediation

import (
	"sort"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

// AssessmentView is the read-only slice of an assessment that hardening
// needs.
type AssessmentView interface {
	Subscription() string
	FamilyScores() map[string]float64
	AllFindings() []normalizer.Finding
}

// HardeningOptions selects and bounds hardening actions.
type HardeningOptions struct {
	Families      []string            `json:"families,omitempty"`
	MinSeverity   normalizer.Severity `json:"minSeverity,omitempty"`
	AutomatedOnly bool                `json:"automatedOnly,omitempty"`
	MaxActions    int                 `json:"maxActions,omitempty"`
	TargetScore   float64             `json:"targetScore,omitempty"`
}

// DefaultHardeningOptions returns sensible defaults.
func DefaultHardeningOptions() HardeningOptions {
	return HardeningOptions{
		MinSeverity: normalizer.SeverityMedium,
		MaxActions:  20,
		TargetScore: 90,
	}
}

// HardeningAction is one recommended change to raise a family's score.
type HardeningAction struct {
	FindingID   string              `json:"findingId"`
	RuleID      string              `json:"ruleId"`
	ControlID   string              `json:"controlId"`
	Family      string              `json:"family"`
	FamilyScore float64             `json:"familyScore"`
	ResourceID  string              `json:"resourceId"`
	Severity    normalizer.Severity `json:"severity"`
	Action      string              `json:"action"`
	Automated   bool                `json:"automated"`
}

// GenerateHardeningActions proposes fixes for families below the target
// score, weakest family first, then by severity.
func GenerateHardeningActions(view AssessmentView, opts HardeningOptions) ([]HardeningAction, error) {
	if opts.MinSeverity != "" && !opts.MinSeverity.Valid() {
		_, err := normalizer.ParseSeverity(string(opts.MinSeverity))
		return nil, err
	}
	if opts.TargetScore < 0 || opts.TargetScore > 100 {
		return nil, errs.Invalid("targetScore", "", "target score must be between 0 and 100")
	}
	if opts.TargetScore == 0 {
		opts.TargetScore = 100
	}
	wanted := map[string]bool{}
	if len(opts.Families) > 0 {
		codes, err := catalog.Default().Resolve(opts.Families)
		if err != nil {
			return nil, err
		}
		for _, c := range codes {
			wanted[c] = true
		}
	}

	scores := view.FamilyScores()
	var actions []HardeningAction
	seen := map[string]bool{}
	for _, f := range view.AllFindings() {
		if seen[f.ID] {
			continue
		}
		if opts.MinSeverity != "" && !f.Severity.AtLeast(opts.MinSeverity) {
			continue
		}
		if opts.AutomatedOnly && !f.IsAutoRemediable {
			continue
		}
		family := catalog.FamilyOf(f.PrimaryControl())
		if len(wanted) > 0 && !wanted[family] {
			continue
		}
		score, ok := scores[family]
		if !ok {
			score = 100
		}
		if score >= opts.TargetScore {
			continue
		}
		seen[f.ID] = true
		action := f.Recommendation
		if action == "" {
			action = "Remediate: " + f.Title
		}
		actions = append(actions, HardeningAction{
			FindingID:   f.ID,
			RuleID:      f.RuleID,
			ControlID:   f.PrimaryControl(),
			Family:      family,
			FamilyScore: score,
			ResourceID:  f.ResourceID,
			Severity:    f.Severity,
			Action:      action,
			Automated:   f.IsAutoRemediable,
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.FamilyScore != b.FamilyScore {
			return a.FamilyScore < b.FamilyScore
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.FindingID < b.FindingID
	})
	if opts.MaxActions > 0 && len(actions) > opts.MaxActions {
		actions = actions[:opts.MaxActions]
	}
	return actions, nil
}
