// Package store persists completed assessments, plans, executions and
// evidence packages.
package store

import (
	"context"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// Store is the persistence boundary. Getters return errs.NotFoundError
// for unknown ids. Saving an id that exists replaces it.
type Store interface {
	SaveAssessment(ctx context.Context, a *assessment.Assessment) error
	Assessment(ctx context.Context, id string) (*assessment.Assessment, error)
	// LatestAssessment returns the assessment with the latest end time.
	LatestAssessment(ctx context.Context, subscriptionID string) (*assessment.Assessment, error)
	// History returns a subscription's assessments, oldest first.
	History(ctx context.Context, subscriptionID string) ([]*assessment.Assessment, error)

	SavePlan(ctx context.Context, p *remediation.RemediationPlan) error
	Plan(ctx context.Context, id string) (*remediation.RemediationPlan, error)

	SaveExecution(ctx context.Context, e remediation.Execution) error
	Execution(ctx context.Context, id string) (remediation.Execution, error)
	Executions(ctx context.Context, findingID string) ([]remediation.Execution, error)

	SavePackage(ctx context.Context, p *evidence.EvidencePackage) error
	Package(ctx context.Context, id string) (*evidence.EvidencePackage, error)

	Close() error
}
