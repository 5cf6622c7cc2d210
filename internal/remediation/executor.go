package remediation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

// Mode selects whether an execution mutates the target resource.
type Mode string

const (
	ModeDryRun Mode = "DryRun"
	ModeLive   Mode = "Live"
)

// ParseMode accepts "dryrun", "dry-run", "DryRun", "live".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "dryrun", "":
		return ModeDryRun, nil
	case "live":
		return ModeLive, nil
	}
	return "", errs.Invalid("mode", s, "unknown execution mode", string(ModeDryRun), string(ModeLive))
}

// ExecutionStatus is a state of the execution state machine.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "Pending"
	StatusRunning    ExecutionStatus = "Running"
	StatusSucceeded  ExecutionStatus = "Succeeded"
	StatusFailed     ExecutionStatus = "Failed"
	StatusRolledBack ExecutionStatus = "RolledBack"
)

// Terminal reports whether no further step may run.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRolledBack
}

// Execution is one attempt to remediate one finding.
type Execution struct {
	ExecutionID     string          `json:"executionId"`
	FindingID       string          `json:"findingId"`
	PlanID          string          `json:"planId,omitempty"`
	ResourceID      string          `json:"resourceId"`
	Mode            Mode            `json:"mode"`
	Status          ExecutionStatus `json:"status"`
	RequireApproval bool            `json:"requireApproval"`
	ApprovedBy      string          `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time      `json:"approvedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	RolledBackAt    *time.Time      `json:"rolledBackAt,omitempty"`
	ChangesApplied  []string        `json:"changesApplied"`
	BackupID        string          `json:"backupId,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	StepsCompleted  int             `json:"stepsCompleted"`
	TotalSteps      int             `json:"totalSteps"`
	AutoRestored    bool            `json:"autoRestored,omitempty"`
}

func (e Execution) clone() Execution {
	e.ChangesApplied = append([]string(nil), e.ChangesApplied...)
	return e
}

// Change is what the executor asks the mutation API to apply.
type Change struct {
	Order       int
	Description string
	Command     string
	Script      string
	Patch       map[string]any
	APIVersion  string
}

// ChangeResult describes an applied change.
type ChangeResult struct {
	Summary string
}

// Mutator is the cloud mutation API.
type Mutator interface {
	Snapshot(ctx context.Context, resourceID string) (backupID string, err error)
	ApplyChange(ctx context.Context, resourceID string, change Change) (ChangeResult, error)
	Restore(ctx context.Context, backupID string) error
}

// Validator re-checks a resource after remediation.
type Validator interface {
	Verify(ctx context.Context, finding normalizer.Finding) (passed bool, detail string, err error)
}

// ExecutionRecorder receives execution telemetry.
type ExecutionRecorder interface {
	ObserveExecution(mode, status string)
}

// ExecutorConfig holds execution policy.
type ExecutorConfig struct {
	RequireApproval       bool          // default approval gate for new executions
	AutoRollbackOnFailure bool          // restore the backup when a live step fails
	StepTimeout           time.Duration // per mutating step, 0 disables
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RequireApproval:       true,
		AutoRollbackOnFailure: false,
		StepTimeout:           5 * time.Minute,
	}
}

// ExecutionRequest configures a new execution.
type ExecutionRequest struct {
	Mode            Mode
	RequireApproval *bool // nil uses the executor policy
	PlanID          string
}

// Progress reports how far an execution has come.
type Progress struct {
	ExecutionID    string          `json:"executionId"`
	Status         ExecutionStatus `json:"status"`
	StepsCompleted int             `json:"stepsCompleted"`
	TotalSteps     int             `json:"totalSteps"`
	Percent        float64         `json:"percent"`
}

// ValidationResult is the outcome of post-execution validation.
type ValidationResult struct {
	ExecutionID string   `json:"executionId"`
	FindingID   string   `json:"findingId"`
	Validated   bool     `json:"validated"`
	Passed      bool     `json:"passed"`
	Checks      []string `json:"checks"`
	Detail      string   `json:"detail"`
}

type record struct {
	exec        Execution
	finding     normalizer.Finding
	item        RemediationItem
	rollingBack bool
}

// Executor owns the in-flight execution registry.
type Executor struct {
	mu         sync.Mutex
	executions map[string]*record

	mutator   Mutator
	validator Validator
	metrics   ExecutionRecorder
	config    ExecutorConfig
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithValidator sets the post-execution validator.
func WithValidator(v Validator) ExecutorOption { return func(e *Executor) { e.validator = v } }

// WithExecutionMetrics attaches a metrics recorder.
func WithExecutionMetrics(m ExecutionRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorClock overrides the clock.
func WithExecutorClock(now func() time.Time) ExecutorOption { return func(e *Executor) { e.now = now } }

// WithExecutionIDGenerator overrides execution id generation.
func WithExecutionIDGenerator(fn func() string) ExecutorOption {
	return func(e *Executor) { e.newID = fn }
}

// NewExecutor creates an executor. mutator may be nil, in which case only
// dry runs are accepted.
func NewExecutor(mutator Mutator, config ExecutorConfig, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		executions: make(map[string]*record),
		mutator:    mutator,
		config:     config,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit registers a Pending execution. Findings that are not
// auto-remediable are rejected and no record is created.
func (e *Executor) Submit(finding normalizer.Finding, item RemediationItem, req ExecutionRequest) (Execution, error) {
	if req.Mode != ModeDryRun && req.Mode != ModeLive {
		return Execution{}, errs.Invalid("mode", string(req.Mode), "unknown execution mode", string(ModeDryRun), string(ModeLive))
	}
	if !finding.IsAutoRemediable {
		return Execution{}, errs.Invalid("finding", finding.ID, "finding is not auto-remediable; follow the manual remediation steps")
	}
	if item.FindingID != finding.ID {
		return Execution{}, errs.Invalid("findingId", item.FindingID, fmt.Sprintf("plan item does not belong to finding %s", finding.ID))
	}
	if req.Mode == ModeLive && e.mutator == nil {
		return Execution{}, errs.Invalid("mode", string(req.Mode), "no mutation API configured; only dry runs are available", string(ModeDryRun))
	}

	requireApproval := e.config.RequireApproval
	if req.RequireApproval != nil {
		requireApproval = *req.RequireApproval
	}

	exec := Execution{
		ExecutionID:     e.newID(),
		FindingID:       finding.ID,
		PlanID:          req.PlanID,
		ResourceID:      finding.ResourceID,
		Mode:            req.Mode,
		Status:          StatusPending,
		RequireApproval: requireApproval,
		CreatedAt:       e.now().UTC(),
		ChangesApplied:  []string{},
		TotalSteps:      len(item.Steps),
	}

	e.mu.Lock()
	e.executions[exec.ExecutionID] = &record{exec: exec, finding: finding.Clone(), item: item}
	e.mu.Unlock()

	e.logger.Info("Execution submitted",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("finding_id", exec.FindingID),
		zap.String("mode", string(exec.Mode)),
		zap.Bool("require_approval", requireApproval),
	)
	return exec.clone(), nil
}

// Approve records the external approval signal for a Pending execution.
func (e *Executor) Approve(executionID, approver string) (Execution, error) {
	if strings.TrimSpace(approver) == "" {
		return Execution{}, errs.Invalid("approver", "", "approver is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.executions[executionID]
	if !ok {
		return Execution{}, errs.NotFound("execution", executionID)
	}
	if rec.exec.Status != StatusPending {
		return Execution{}, errs.Invalid("execution", executionID, fmt.Sprintf("cannot approve an execution in state %s", rec.exec.Status))
	}
	if !rec.exec.RequireApproval {
		return Execution{}, errs.Invalid("execution", executionID, "execution does not require approval")
	}
	now := e.now().UTC()
	rec.exec.ApprovedBy = approver
	rec.exec.ApprovedAt = &now
	e.logger.Info("Execution approved",
		zap.String("execution_id", executionID),
		zap.String("approver", approver),
	)
	return rec.exec.clone(), nil
}

// Execute submits and, unless approval is pending, runs the execution.
func (e *Executor) Execute(ctx context.Context, finding normalizer.Finding, item RemediationItem, req ExecutionRequest) (Execution, error) {
	exec, err := e.Submit(finding, item, req)
	if err != nil {
		return Execution{}, err
	}
	if exec.RequireApproval {
		return exec, nil
	}
	return e.Run(ctx, exec.ExecutionID)
}

// Run moves a Pending execution to Running and drives it to a terminal
// state. Step failures are recorded on the execution; the returned error
// is reserved for calls that could not start.
func (e *Executor) Run(ctx context.Context, executionID string) (Execution, error) {
	e.mu.Lock()
	rec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return Execution{}, errs.NotFound("execution", executionID)
	}
	switch {
	case rec.exec.Status != StatusPending:
		status := rec.exec.Status
		e.mu.Unlock()
		return Execution{}, errs.Invalid("execution", executionID,
			fmt.Sprintf("execution is %s; executions are single-attempt, submit a new one to retry", status))
	case rec.exec.RequireApproval && rec.exec.ApprovedBy == "":
		e.mu.Unlock()
		return Execution{}, errs.Invalid("execution", executionID, "execution is awaiting approval")
	}
	started := e.now().UTC()
	rec.exec.Status = StatusRunning
	rec.exec.StartedAt = &started
	finding, item, mode := rec.finding, rec.item, rec.exec.Mode
	e.mu.Unlock()

	logger := e.logger.With(
		zap.String("execution_id", executionID),
		zap.String("finding_id", finding.ID),
		zap.String("mode", string(mode)),
	)
	logger.Info("Execution running", zap.Int("steps", len(item.Steps)))

	if mode == ModeDryRun {
		for _, step := range item.Steps {
			e.recordStep(rec, dryRunChange(step))
		}
		return e.finish(rec, StatusSucceeded, "", logger), nil
	}
	return e.runLive(ctx, rec, finding, item, logger), nil
}

func (e *Executor) runLive(ctx context.Context, rec *record, finding normalizer.Finding, item RemediationItem, logger *zap.Logger) Execution {
	mutating := false
	for _, s := range item.Steps {
		if s.Mutating() {
			mutating = true
			break
		}
	}

	var backupID string
	if mutating {
		id, err := e.mutator.Snapshot(ctx, finding.ResourceID)
		if err != nil {
			logger.Error("Snapshot failed, no changes applied", zap.Error(err))
			return e.finish(rec, StatusFailed, fmt.Sprintf("snapshot of %s failed, no changes were applied: %v", finding.ResourceID, err), logger)
		}
		backupID = id
		e.mu.Lock()
		rec.exec.BackupID = backupID
		e.mu.Unlock()
		logger.Info("Snapshot captured", zap.String("backup_id", backupID))
	}

	for _, step := range item.Steps {
		if !step.Mutating() {
			e.recordStep(rec, fmt.Sprintf("Step %d (manual, not automated): %s", step.Order, step.Description))
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, rec, step, err, backupID, logger)
		}
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.config.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, e.config.StepTimeout)
		}
		res, err := e.mutator.ApplyChange(stepCtx, finding.ResourceID, Change{
			Order:       step.Order,
			Description: step.Description,
			Command:     step.Command,
			Script:      step.AutomationScript,
			Patch:       step.Patch,
			APIVersion:  step.APIVersion,
		})
		cancel()
		if err != nil {
			return e.fail(ctx, rec, step, err, backupID, logger)
		}
		summary := res.Summary
		if summary == "" {
			summary = step.Description
		}
		e.recordStep(rec, fmt.Sprintf("Step %d: %s", step.Order, summary))
	}
	return e.finish(rec, StatusSucceeded, "", logger)
}

// fail aborts the remaining steps and records the failure.
func (e *Executor) fail(ctx context.Context, rec *record, step Step, cause error, backupID string, logger *zap.Logger) Execution {
	failure := &errs.ExecutionFailure{ExecutionID: rec.exec.ExecutionID, Step: step.Order, Err: cause}
	msg := failure.Error() + "; remaining steps aborted"
	logger.Error("Execution step failed", zap.Int("step", step.Order), zap.Error(cause))

	if backupID != "" {
		if e.config.AutoRollbackOnFailure {
			restoreCtx := context.WithoutCancel(ctx)
			if err := e.mutator.Restore(restoreCtx, backupID); err != nil {
				msg += fmt.Sprintf("; automatic restore of backup %s failed: %v; restore it manually", backupID, err)
				logger.Error("Automatic restore failed", zap.String("backup_id", backupID), zap.Error(err))
			} else {
				msg += fmt.Sprintf("; backup %s restored automatically", backupID)
				e.mu.Lock()
				rec.exec.AutoRestored = true
				e.mu.Unlock()
				logger.Info("Backup restored after failure", zap.String("backup_id", backupID))
			}
		} else {
			msg += fmt.Sprintf("; use backup %s for manual rollback", backupID)
		}
	}
	return e.finish(rec, StatusFailed, msg, logger)
}

func (e *Executor) recordStep(rec *record, change string) {
	e.mu.Lock()
	rec.exec.ChangesApplied = append(rec.exec.ChangesApplied, change)
	rec.exec.StepsCompleted++
	e.mu.Unlock()
}

func (e *Executor) finish(rec *record, status ExecutionStatus, errMsg string, logger *zap.Logger) Execution {
	e.mu.Lock()
	completed := e.now().UTC()
	rec.exec.Status = status
	rec.exec.CompletedAt = &completed
	rec.exec.ErrorMessage = errMsg
	out := rec.exec.clone()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveExecution(string(out.Mode), string(status))
	}
	logger.Info("Execution finished",
		zap.String("status", string(status)),
		zap.Int("steps_completed", out.StepsCompleted),
		zap.String("backup_id", out.BackupID),
	)
	return out
}

func dryRunChange(step Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[DRY RUN] Step %d would: %s", step.Order, step.Description)
	switch {
	case step.Command != "":
		fmt.Fprintf(&b, " (command: %s)", step.Command)
	case step.AutomationScript != "":
		fmt.Fprintf(&b, " (script: %s)", step.AutomationScript)
	case len(step.Patch) > 0:
		b.WriteString(" (resource patch)")
	default:
		b.WriteString(" (manual)")
	}
	return b.String()
}

// Rollback restores the backup of a Succeeded live execution.
func (e *Executor) Rollback(ctx context.Context, executionID string) (Execution, error) {
	e.mu.Lock()
	rec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return Execution{}, errs.NotFound("execution", executionID)
	}
	exec := rec.exec
	switch {
	case exec.Status != StatusSucceeded:
		e.mu.Unlock()
		return Execution{}, errs.Invalid("execution", executionID, fmt.Sprintf("only succeeded executions can be rolled back, state is %s", exec.Status))
	case exec.Mode != ModeLive || exec.BackupID == "":
		e.mu.Unlock()
		return Execution{}, errs.Invalid("execution", executionID, "execution made no reversible change")
	case rec.rollingBack:
		e.mu.Unlock()
		return Execution{}, errs.Invalid("execution", executionID, "rollback already in progress")
	}
	rec.rollingBack = true
	e.mu.Unlock()

	err := e.mutator.Restore(ctx, exec.BackupID)

	e.mu.Lock()
	defer e.mu.Unlock()
	rec.rollingBack = false
	if err != nil {
		e.logger.Error("Rollback failed", zap.String("execution_id", executionID), zap.Error(err))
		return Execution{}, errs.Upstream("mutation api", fmt.Errorf("restore backup %s: %w", exec.BackupID, err))
	}
	now := e.now().UTC()
	rec.exec.Status = StatusRolledBack
	rec.exec.RolledBackAt = &now
	rec.exec.ChangesApplied = append(rec.exec.ChangesApplied, fmt.Sprintf("Restored backup %s", exec.BackupID))
	if e.metrics != nil {
		e.metrics.ObserveExecution(string(exec.Mode), string(StatusRolledBack))
	}
	e.logger.Info("Execution rolled back",
		zap.String("execution_id", executionID),
		zap.String("backup_id", exec.BackupID),
	)
	return rec.exec.clone(), nil
}

// Get returns a snapshot of an execution.
func (e *Executor) Get(executionID string) (Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.executions[executionID]
	if !ok {
		return Execution{}, errs.NotFound("execution", executionID)
	}
	return rec.exec.clone(), nil
}

// Progress returns step progress of an execution.
func (e *Executor) Progress(executionID string) (Progress, error) {
	exec, err := e.Get(executionID)
	if err != nil {
		return Progress{}, err
	}
	return ProgressOf(exec), nil
}

// ProgressOf derives progress from an execution record. A terminal execution
// without steps is complete.
func ProgressOf(exec Execution) Progress {
	p := Progress{
		ExecutionID:    exec.ExecutionID,
		Status:         exec.Status,
		StepsCompleted: exec.StepsCompleted,
		TotalSteps:     exec.TotalSteps,
	}
	switch {
	case exec.TotalSteps > 0:
		p.Percent = 100 * float64(exec.StepsCompleted) / float64(exec.TotalSteps)
	case exec.Status.Terminal():
		p.Percent = 100
	}
	return p
}

// Validate runs post-execution checks for a Succeeded execution.
func (e *Executor) Validate(ctx context.Context, executionID string) (ValidationResult, error) {
	e.mu.Lock()
	rec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return ValidationResult{}, errs.NotFound("execution", executionID)
	}
	exec, finding, item := rec.exec, rec.finding, rec.item
	e.mu.Unlock()

	if exec.Status != StatusSucceeded {
		return ValidationResult{}, errs.Invalid("execution", executionID, fmt.Sprintf("only succeeded executions can be validated, state is %s", exec.Status))
	}
	res := ValidationResult{
		ExecutionID: executionID,
		FindingID:   exec.FindingID,
		Checks:      append([]string(nil), item.ValidationSteps...),
	}
	switch {
	case exec.Mode == ModeDryRun:
		res.Detail = "dry run made no changes; run the checks after a live execution"
	case e.validator == nil:
		res.Detail = "no validator configured; perform the listed checks manually"
	default:
		passed, detail, err := e.validator.Verify(ctx, finding)
		if err != nil {
			return ValidationResult{}, errs.Upstream("validator", err)
		}
		res.Validated, res.Passed, res.Detail = true, passed, detail
	}
	return res, nil
}

// List returns executions for a finding, or all executions when findingID
// is empty, ordered by creation time.
func (e *Executor) List(findingID string) []Execution {
	e.mu.Lock()
	out := make([]Execution, 0, len(e.executions))
	for _, rec := range e.executions {
		if findingID == "" || rec.exec.FindingID == findingID {
			out = append(out, rec.exec.clone())
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}
