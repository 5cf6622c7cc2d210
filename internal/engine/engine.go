// Package engine is the single entry point used by the CLI and the HTTP
// API. It resolves subscriptions, runs assessments, plans and executes
// remediation, and produces evidence, persisting completed results.
package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/analysis"
	"github.com/lvonguyen/ato-compliance/internal/approval"
	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
	"github.com/lvonguyen/ato-compliance/internal/store"
	"github.com/lvonguyen/ato-compliance/internal/subscription"
)

// Deps are the components an Engine drives. Approvals may be nil, in
// which case approvals are accepted without a signed token.
type Deps struct {
	Resolver     *subscription.Resolver
	Orchestrator *assessment.Orchestrator
	Planner      *remediation.Planner
	Executor     *remediation.Executor
	Approvals    *approval.Authority
	Collector    *evidence.Collector
	Exporter     *evidence.Exporter
	POAMs        *evidence.POAMGenerator
	Analyzer     *analysis.Analyzer
	Store        store.Store
}

// Engine coordinates the components in Deps.
type Engine struct {
	Deps
	logger *zap.Logger
}

// New creates an engine. Every dependency except Approvals is required.
func New(deps Deps, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	missing := []string{}
	for name, ok := range map[string]bool{
		"resolver":     deps.Resolver != nil,
		"orchestrator": deps.Orchestrator != nil,
		"planner":      deps.Planner != nil,
		"executor":     deps.Executor != nil,
		"collector":    deps.Collector != nil,
		"exporter":     deps.Exporter != nil,
		"poam":         deps.POAMs != nil,
		"analyzer":     deps.Analyzer != nil,
		"store":        deps.Store != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("engine: missing dependencies: %s", strings.Join(missing, ", "))
	}
	return &Engine{Deps: deps, logger: logger}, nil
}

// AssessRequest starts an assessment.
type AssessRequest struct {
	Subscription  string   `json:"subscription"`
	ResourceGroup string   `json:"resourceGroup,omitempty"`
	Families      []string `json:"families,omitempty"`
	// Progress receives one best-effort update per completed family.
	Progress chan<- assessment.ProgressUpdate `json:"-"`
}

// Assess resolves the subscription, runs the orchestrator and stores the
// completed assessment.
func (e *Engine) Assess(ctx context.Context, req AssessRequest) (*assessment.Assessment, error) {
	res, err := e.Resolver.Resolve(ctx, req.Subscription)
	if err != nil {
		return nil, err
	}
	a, err := e.Orchestrator.Run(ctx, assessment.RunOptions{
		SubscriptionID: res.ID,
		ResourceGroup:  req.ResourceGroup,
		Families:       req.Families,
		Progress:       req.Progress,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Store.SaveAssessment(ctx, a); err != nil {
		return nil, fmt.Errorf("save assessment %s: %w", a.AssessmentID, err)
	}
	return a, nil
}

// Assessment returns a stored assessment.
func (e *Engine) Assessment(ctx context.Context, id string) (*assessment.Assessment, error) {
	return e.Store.Assessment(ctx, id)
}

// LatestAssessment returns the newest assessment of a subscription given
// by id or name.
func (e *Engine) LatestAssessment(ctx context.Context, sub string) (*assessment.Assessment, error) {
	res, err := e.Resolver.Resolve(ctx, sub)
	if err != nil {
		return nil, err
	}
	return e.Store.LatestAssessment(ctx, res.ID)
}

// PlanRequest builds a plan from a stored assessment.
type PlanRequest struct {
	AssessmentID string                  `json:"assessmentId"`
	Options      remediation.PlanOptions `json:"options"`
}

// Plan builds and stores a remediation plan.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) (*remediation.RemediationPlan, error) {
	if strings.TrimSpace(req.AssessmentID) == "" {
		return nil, errs.Invalid("assessmentId", "", "assessment id is required")
	}
	a, err := e.Store.Assessment(ctx, req.AssessmentID)
	if err != nil {
		return nil, err
	}
	opts := req.Options
	opts.AssessmentID = a.AssessmentID
	plan, err := e.Planner.BuildPlan(ctx, a.SubscriptionID, a.AllFindings(), opts)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan %s: %w", plan.PlanID, err)
	}
	return plan, nil
}

// GetPlan returns a stored plan.
func (e *Engine) GetPlan(ctx context.Context, id string) (*remediation.RemediationPlan, error) {
	return e.Store.Plan(ctx, id)
}

// Hardening proposes actions for the families of an assessment that are
// below target.
func (e *Engine) Hardening(ctx context.Context, assessmentID string, opts remediation.HardeningOptions) ([]remediation.HardeningAction, error) {
	a, err := e.Store.Assessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	return remediation.GenerateHardeningActions(a, opts)
}

// RemediateRequest submits one plan item for execution.
type RemediateRequest struct {
	PlanID          string `json:"planId"`
	FindingID       string `json:"findingId"`
	Mode            string `json:"mode"`
	RequireApproval *bool  `json:"requireApproval,omitempty"`
}

// Remediate submits an execution and runs it unless approval is required.
func (e *Engine) Remediate(ctx context.Context, req RemediateRequest) (remediation.Execution, error) {
	mode, err := remediation.ParseMode(req.Mode)
	if err != nil {
		return remediation.Execution{}, err
	}
	finding, item, err := e.planItem(ctx, req.PlanID, req.FindingID)
	if err != nil {
		return remediation.Execution{}, err
	}
	exec, err := e.Executor.Execute(ctx, finding, item, remediation.ExecutionRequest{
		Mode:            mode,
		RequireApproval: req.RequireApproval,
		PlanID:          req.PlanID,
	})
	if err != nil {
		return remediation.Execution{}, err
	}
	return exec, e.persist(ctx, exec)
}

// planItem loads the plan item and the finding it remediates.
func (e *Engine) planItem(ctx context.Context, planID, findingID string) (normalizer.Finding, remediation.RemediationItem, error) {
	if strings.TrimSpace(planID) == "" || strings.TrimSpace(findingID) == "" {
		return normalizer.Finding{}, remediation.RemediationItem{}, errs.Invalid("planId", planID, "plan id and finding id are required")
	}
	plan, err := e.Store.Plan(ctx, planID)
	if err != nil {
		return normalizer.Finding{}, remediation.RemediationItem{}, err
	}
	item, ok := plan.Item(findingID)
	if !ok {
		return normalizer.Finding{}, remediation.RemediationItem{}, errs.NotFound("plan item", findingID)
	}
	if plan.AssessmentID == "" {
		return normalizer.Finding{}, remediation.RemediationItem{}, errs.Invalid("planId", planID, "plan is not linked to an assessment")
	}
	a, err := e.Store.Assessment(ctx, plan.AssessmentID)
	if err != nil {
		return normalizer.Finding{}, remediation.RemediationItem{}, err
	}
	finding, ok := a.Finding(findingID)
	if !ok {
		return normalizer.Finding{}, remediation.RemediationItem{}, errs.NotFound("finding", findingID)
	}
	return finding, item, nil
}

// persist stores executions that reached a terminal state.
func (e *Engine) persist(ctx context.Context, exec remediation.Execution) error {
	if !exec.Status.Terminal() {
		return nil
	}
	if err := e.Store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

// IssueApproval signs an approval token for a pending execution.
func (e *Engine) IssueApproval(executionID, approver string) (string, error) {
	if e.Approvals == nil {
		return "", errs.Invalid("approval", "", "approval signing is not configured")
	}
	if _, err := e.Executor.Get(executionID); err != nil {
		return "", err
	}
	return e.Approvals.Issue(executionID, approver)
}

// Approve records approval. When signing is configured a valid token is
// required and its subject is the approver.
func (e *Engine) Approve(executionID, approver, token string) (remediation.Execution, error) {
	if e.Approvals != nil {
		if token == "" {
			return remediation.Execution{}, errs.Invalid("token", "", "a signed approval token is required")
		}
		subject, err := e.Approvals.Verify(token, executionID)
		if err != nil {
			return remediation.Execution{}, err
		}
		if approver != "" && !strings.EqualFold(approver, subject) {
			return remediation.Execution{}, errs.Invalid("approver", approver, "approver does not match the token subject")
		}
		approver = subject
	}
	return e.Executor.Approve(executionID, approver)
}

// Run runs an approved pending execution.
func (e *Engine) Run(ctx context.Context, executionID string) (remediation.Execution, error) {
	exec, err := e.Executor.Run(ctx, executionID)
	if err != nil {
		return remediation.Execution{}, err
	}
	return exec, e.persist(ctx, exec)
}

// Rollback restores the backup of a succeeded live execution.
func (e *Engine) Rollback(ctx context.Context, executionID string) (remediation.Execution, error) {
	exec, err := e.Executor.Rollback(ctx, executionID)
	if err != nil {
		return remediation.Execution{}, err
	}
	return exec, e.persist(ctx, exec)
}

// Execution returns an in-flight or stored execution.
func (e *Engine) Execution(ctx context.Context, executionID string) (remediation.Execution, error) {
	exec, err := e.Executor.Get(executionID)
	if err == nil {
		return exec, nil
	}
	if !errs.IsNotFound(err) {
		return remediation.Execution{}, err
	}
	return e.Store.Execution(ctx, executionID)
}

// Progress reports step progress of an execution.
func (e *Engine) Progress(ctx context.Context, executionID string) (remediation.Progress, error) {
	p, err := e.Executor.Progress(executionID)
	if err == nil || !errs.IsNotFound(err) {
		return p, err
	}
	exec, err := e.Store.Execution(ctx, executionID)
	if err != nil {
		return remediation.Progress{}, err
	}
	return remediation.ProgressOf(exec), nil
}

// Validate re-checks the finding of a completed execution.
func (e *Engine) Validate(ctx context.Context, executionID string) (remediation.ValidationResult, error) {
	return e.Executor.Validate(ctx, executionID)
}

// Executions lists executions of a finding, in-flight ones included.
func (e *Engine) Executions(ctx context.Context, findingID string) ([]remediation.Execution, error) {
	stored, err := e.Store.Executions(ctx, findingID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]bool, len(stored))
	for _, ex := range stored {
		byID[ex.ExecutionID] = true
	}
	out := stored
	for _, ex := range e.Executor.List(findingID) {
		if !byID[ex.ExecutionID] {
			out = append(out, ex)
		}
	}
	return out, nil
}

// EvidenceRequest collects evidence for one family.
type EvidenceRequest struct {
	Subscription string `json:"subscription"`
	Family       string `json:"family"`
}

// CollectEvidence builds and stores an evidence package.
func (e *Engine) CollectEvidence(ctx context.Context, req EvidenceRequest) (*evidence.EvidencePackage, error) {
	res, err := e.Resolver.Resolve(ctx, req.Subscription)
	if err != nil {
		return nil, err
	}
	pkg, err := e.Collector.Collect(ctx, res.ID, req.Family)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SavePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("save evidence package %s: %w", pkg.PackageID, err)
	}
	return pkg, nil
}

// Package returns a stored evidence package.
func (e *Engine) Package(ctx context.Context, id string) (*evidence.EvidencePackage, error) {
	return e.Store.Package(ctx, id)
}

// ExportPackage renders a stored package in format.
func (e *Engine) ExportPackage(ctx context.Context, id, format string) (evidence.Document, error) {
	f, err := evidence.ParseFormat(format)
	if err != nil {
		return evidence.Document{}, err
	}
	pkg, err := e.Store.Package(ctx, id)
	if err != nil {
		return evidence.Document{}, err
	}
	return e.Exporter.Export(pkg, f)
}

// POAMRequest selects the findings of a POA&M. Without an assessment id
// the latest assessment of Subscription is used.
type POAMRequest struct {
	Subscription string
	AssessmentID string
	PlanID       string
	Family       string
}

// POAM generates a POA&M.
func (e *Engine) POAM(ctx context.Context, req POAMRequest) (*evidence.POAM, error) {
	var (
		a   *assessment.Assessment
		err error
	)
	switch {
	case req.AssessmentID != "":
		a, err = e.Store.Assessment(ctx, req.AssessmentID)
	case req.Subscription != "":
		a, err = e.LatestAssessment(ctx, req.Subscription)
	default:
		return nil, errs.Invalid("assessmentId", "", "an assessment id or subscription is required")
	}
	if err != nil {
		return nil, err
	}
	opts := evidence.POAMOptions{Family: req.Family}
	if req.PlanID != "" {
		plan, err := e.Store.Plan(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		opts.Plan = plan
	}
	return e.POAMs.Generate(a.SubscriptionID, a.AllFindings(), opts)
}

// Risk analyzes the latest assessment of a subscription.
func (e *Engine) Risk(ctx context.Context, sub string) (*analysis.RiskReport, error) {
	a, err := e.LatestAssessment(ctx, sub)
	if err != nil {
		return nil, err
	}
	return e.Analyzer.Risk(a)
}

// Timeline returns the score history of a subscription.
func (e *Engine) Timeline(ctx context.Context, sub string) (*analysis.Timeline, error) {
	res, err := e.Resolver.Resolve(ctx, sub)
	if err != nil {
		return nil, err
	}
	history, err := e.Store.History(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	return e.Analyzer.Timeline(res.ID, history)
}

// Delta compares the two newest assessments of a subscription.
func (e *Engine) Delta(ctx context.Context, sub string) (*analysis.ScanDelta, error) {
	res, err := e.Resolver.Resolve(ctx, sub)
	if err != nil {
		return nil, err
	}
	history, err := e.Store.History(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errs.NotFound("assessment", res.ID)
	}
	var prev *assessment.Assessment
	if len(history) > 1 {
		prev = history[len(history)-2]
	}
	return e.Analyzer.Delta(prev, history[len(history)-1])
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.Store.Close()
}
