package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// Memory is a process-local Store. Values are copied in and out.
type Memory struct {
	mu          sync.RWMutex
	assessments map[string]*assessment.Assessment
	plans       map[string]*remediation.RemediationPlan
	executions  map[string]remediation.Execution
	packages    map[string]*evidence.EvidencePackage
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		assessments: make(map[string]*assessment.Assessment),
		plans:       make(map[string]*remediation.RemediationPlan),
		executions:  make(map[string]remediation.Execution),
		packages:    make(map[string]*evidence.EvidencePackage),
	}
}

func (m *Memory) SaveAssessment(_ context.Context, a *assessment.Assessment) error {
	if a == nil || a.AssessmentID == "" {
		return errs.Invalid("assessmentId", "", "assessment id is required")
	}
	m.mu.Lock()
	m.assessments[a.AssessmentID] = a.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Assessment(_ context.Context, id string) (*assessment.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, errs.NotFound("assessment", id)
	}
	return a.Clone(), nil
}

func (m *Memory) LatestAssessment(ctx context.Context, subscriptionID string) (*assessment.Assessment, error) {
	history, err := m.History(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errs.NotFound("assessment", subscriptionID)
	}
	return history[len(history)-1], nil
}

func (m *Memory) History(_ context.Context, subscriptionID string) ([]*assessment.Assessment, error) {
	m.mu.RLock()
	var out []*assessment.Assessment
	for _, a := range m.assessments {
		if a.SubscriptionID == subscriptionID {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].AssessmentID < out[j].AssessmentID
	})
	return out, nil
}

func (m *Memory) SavePlan(_ context.Context, p *remediation.RemediationPlan) error {
	if p == nil || p.PlanID == "" {
		return errs.Invalid("planId", "", "plan id is required")
	}
	cp, err := clonePlan(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.plans[p.PlanID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Plan(_ context.Context, id string) (*remediation.RemediationPlan, error) {
	m.mu.RLock()
	p, ok := m.plans[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("plan", id)
	}
	return clonePlan(p)
}

func (m *Memory) SaveExecution(_ context.Context, e remediation.Execution) error {
	if e.ExecutionID == "" {
		return errs.Invalid("executionId", "", "execution id is required")
	}
	e.ChangesApplied = append([]string(nil), e.ChangesApplied...)
	m.mu.Lock()
	m.executions[e.ExecutionID] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Execution(_ context.Context, id string) (remediation.Execution, error) {
	m.mu.RLock()
	e, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return remediation.Execution{}, errs.NotFound("execution", id)
	}
	e.ChangesApplied = append([]string(nil), e.ChangesApplied...)
	return e, nil
}

func (m *Memory) Executions(_ context.Context, findingID string) ([]remediation.Execution, error) {
	m.mu.RLock()
	var out []remediation.Execution
	for _, e := range m.executions {
		if e.FindingID == findingID {
			e.ChangesApplied = append([]string(nil), e.ChangesApplied...)
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sortExecutions(out)
	return out, nil
}

func (m *Memory) SavePackage(_ context.Context, p *evidence.EvidencePackage) error {
	if p == nil || p.PackageID == "" {
		return errs.Invalid("packageId", "", "package id is required")
	}
	cp, err := clonePackage(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.packages[p.PackageID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Package(_ context.Context, id string) (*evidence.EvidencePackage, error) {
	m.mu.RLock()
	p, ok := m.packages[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("evidence package", id)
	}
	return clonePackage(p)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func sortExecutions(list []remediation.Execution) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ExecutionID < list[j].ExecutionID
	})
}
