package store

import (
	"encoding/json"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// Plans and packages nest maps and slices deeply; a JSON round trip is the
// copy used for both the in-memory store and database rows.

func encode(kind, id string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &errs.SerializationError{Format: "json", Item: kind + " " + id, Err: err}
	}
	return string(data), nil
}

func decode[T any](kind, id, payload string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, &errs.SerializationError{Format: "json", Item: kind + " " + id, Err: err}
	}
	return &v, nil
}

func clonePlan(p *remediation.RemediationPlan) (*remediation.RemediationPlan, error) {
	s, err := encode("plan", p.PlanID, p)
	if err != nil {
		return nil, err
	}
	return decode[remediation.RemediationPlan]("plan", p.PlanID, s)
}

func clonePackage(p *evidence.EvidencePackage) (*evidence.EvidencePackage, error) {
	s, err := encode("evidence package", p.PackageID, p)
	if err != nil {
		return nil, err
	}
	return decode[evidence.EvidencePackage]("evidence package", p.PackageID, s)
}

func decodeAssessment(id, payload string) (*assessment.Assessment, error) {
	return decode[assessment.Assessment]("assessment", id, payload)
}
