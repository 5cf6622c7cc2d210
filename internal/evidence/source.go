package evidence

import (
	"context"
	"time"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

// Evidence types.
const (
	TypeControlAssessment = "ControlAssessment"
	TypeFinding           = "FindingRecord"
	TypeConfiguration     = "ResourceConfiguration"
)

// Control implementation statuses recorded in assessment evidence.
const (
	StatusSatisfied          = "Satisfied"
	StatusOtherThanSatisfied = "Other Than Satisfied"
)

// AssessmentLookup returns the latest completed assessment of a subscription.
type AssessmentLookup interface {
	LatestAssessment(ctx context.Context, subscriptionID string) (*assessment.Assessment, error)
}

// AssessmentSource derives evidence from the latest assessment: one
// control test result per evaluated control plus one record per finding.
type AssessmentSource struct {
	lookup AssessmentLookup
}

// NewAssessmentSource creates an assessment-backed source.
func NewAssessmentSource(lookup AssessmentLookup) *AssessmentSource {
	return &AssessmentSource{lookup: lookup}
}

// Name implements Source.
func (s *AssessmentSource) Name() string { return "assessment" }

// Collect implements Source.
func (s *AssessmentSource) Collect(ctx context.Context, req Request) ([]EvidenceItem, error) {
	a, err := s.lookup.LatestAssessment(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	result, ok := a.ControlFamilyResults[req.Family.Code]
	if !ok {
		return nil, nil
	}

	byControl := map[string][]normalizer.Finding{}
	for _, f := range result.Findings {
		for _, c := range f.AffectedControls {
			base := catalog.BaseControl(c)
			if req.Family.HasControl(base) {
				byControl[base] = append(byControl[base], f)
			}
		}
	}

	scope := "/subscriptions/" + a.SubscriptionID
	if a.ResourceGroup != "" {
		scope += "/resourceGroups/" + a.ResourceGroup
	}

	var items []EvidenceItem
	for _, control := range req.Family.Controls {
		failing := byControl[control]
		status := StatusSatisfied
		if len(failing) > 0 {
			status = StatusOtherThanSatisfied
		}
		items = append(items, EvidenceItem{
			ControlID:    control,
			EvidenceType: TypeControlAssessment,
			ResourceID:   scope,
			CollectedAt:  a.EndTime,
			Data: map[string]any{
				"assessmentId": a.AssessmentID,
				"status":       status,
				"findingCount": len(failing),
				"assessedAt":   a.EndTime.UTC().Format(time.RFC3339),
				"familyScore":  result.ComplianceScore,
			},
		})
	}

	for _, f := range result.Findings {
		control := ""
		for _, c := range f.AffectedControls {
			if req.Family.HasControl(c) {
				control = catalog.BaseControl(c)
				break
			}
		}
		if control == "" {
			continue
		}
		items = append(items, EvidenceItem{
			ControlID:    control,
			EvidenceType: TypeFinding,
			ResourceID:   f.ResourceID,
			CollectedAt:  a.EndTime,
			Data: map[string]any{
				"findingId":        f.ID,
				"title":            f.Title,
				"severity":         string(f.Severity),
				"ruleId":           f.RuleID,
				"complianceStatus": f.ComplianceStatus,
				"autoRemediable":   f.IsAutoRemediable,
				"detectedAt":       f.DetectedAt.UTC().Format(time.RFC3339),
			},
		})
	}
	return items, nil
}
