package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

// fakeMutator records calls in order.
type fakeMutator struct {
	mu         sync.Mutex
	calls      []string
	failStep   int
	restoreErr error
	snapErr    error
}

func (m *fakeMutator) log(s string) {
	m.mu.Lock()
	m.calls = append(m.calls, s)
	m.mu.Unlock()
}

func (m *fakeMutator) Snapshot(_ context.Context, resourceID string) (string, error) {
	m.log("snapshot")
	if m.snapErr != nil {
		return "", m.snapErr
	}
	return "bk-1", nil
}

func (m *fakeMutator) ApplyChange(_ context.Context, _ string, c Change) (ChangeResult, error) {
	m.log(fmt.Sprintf("apply-%d", c.Order))
	if c.Order == m.failStep {
		return ChangeResult{}, errors.New("conflict")
	}
	return ChangeResult{Summary: "applied " + c.Description}, nil
}

func (m *fakeMutator) Restore(_ context.Context, backupID string) error {
	m.log("restore-" + backupID)
	return m.restoreErr
}

func (m *fakeMutator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type recordingMetrics struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingMetrics) ObserveExecution(mode, status string) {
	r.mu.Lock()
	r.seen = append(r.seen, mode+"/"+status)
	r.mu.Unlock()
}

func autoFinding() (normalizer.Finding, RemediationItem) {
	f := finding("f-pub", "storage-public-access", normalizer.SeverityCritical, true, storageID("sa1"))
	r, _ := DefaultTemplates().Render(f)
	return f, RemediationItem{
		FindingID:           f.ID,
		ResourceID:          f.ResourceID,
		AutomationAvailable: true,
		Steps:               r.Steps,
		ValidationSteps:     r.Validation,
	}
}

func noApproval() *bool { b := false; return &b }

func newTestExecutor(t *testing.T, m Mutator, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	t.Helper()
	n := 0
	opts = append([]ExecutorOption{
		WithExecutorClock(func() time.Time { return planStart }),
		WithExecutionIDGenerator(func() string { n++; return fmt.Sprintf("ex-%d", n) }),
	}, opts...)
	return NewExecutor(m, cfg, zaptest.NewLogger(t), opts...)
}

func TestSubmitRejectsManualFinding(t *testing.T) {
	e := newTestExecutor(t, &fakeMutator{}, DefaultExecutorConfig())
	f, item := autoFinding()
	f.IsAutoRemediable = false

	_, err := e.Submit(f, item, ExecutionRequest{Mode: ModeLive})
	if !errs.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if got := e.List(""); len(got) != 0 {
		t.Errorf("List() = %d records, want none", len(got))
	}
}

func TestSubmitValidation(t *testing.T) {
	f, item := autoFinding()
	tests := []struct {
		name    string
		mutator Mutator
		item    RemediationItem
		mode    Mode
	}{
		{"unknown mode", &fakeMutator{}, item, Mode("Maybe")},
		{"live without mutator", nil, item, ModeLive},
		{"item for other finding", &fakeMutator{}, RemediationItem{FindingID: "other"}, ModeDryRun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, tt.mutator, DefaultExecutorConfig())
			if _, err := e.Submit(f, tt.item, ExecutionRequest{Mode: tt.mode}); !errs.IsValidation(err) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestExecuteDryRun(t *testing.T) {
	m := &fakeMutator{}
	metrics := &recordingMetrics{}
	e := newTestExecutor(t, m, DefaultExecutorConfig(), WithExecutionMetrics(metrics))
	f, item := autoFinding()

	exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeDryRun, RequireApproval: noApproval()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusSucceeded {
		t.Fatalf("Status = %s, want Succeeded", exec.Status)
	}
	if exec.BackupID != "" {
		t.Errorf("BackupID = %q, want none for dry run", exec.BackupID)
	}
	if len(m.Calls()) != 0 {
		t.Errorf("mutator calls = %v, want none", m.Calls())
	}
	if len(exec.ChangesApplied) != len(item.Steps) {
		t.Fatalf("changes = %d, want %d", len(exec.ChangesApplied), len(item.Steps))
	}
	for _, c := range exec.ChangesApplied {
		if !strings.HasPrefix(c, "[DRY RUN]") {
			t.Errorf("change %q lacks dry-run marker", c)
		}
	}
	if exec.CompletedAt == nil || exec.StartedAt == nil {
		t.Error("timestamps not recorded")
	}
	if len(metrics.seen) != 1 || metrics.seen[0] != "DryRun/Succeeded" {
		t.Errorf("metrics = %v", metrics.seen)
	}
}

func TestExecuteLiveSnapshotsFirst(t *testing.T) {
	m := &fakeMutator{}
	e := newTestExecutor(t, m, DefaultExecutorConfig())
	f, item := autoFinding()

	exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusSucceeded || exec.BackupID != "bk-1" {
		t.Fatalf("exec = %s backup %q", exec.Status, exec.BackupID)
	}
	want := []string{"snapshot", "apply-1", "apply-2"}
	if got := m.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if exec.StepsCompleted != 2 || exec.TotalSteps != 2 {
		t.Errorf("steps = %d/%d", exec.StepsCompleted, exec.TotalSteps)
	}
}

func TestExecuteLiveWithoutMutatingStepsSkipsSnapshot(t *testing.T) {
	m := &fakeMutator{}
	e := newTestExecutor(t, m, DefaultExecutorConfig())
	f, _ := autoFinding()
	item := RemediationItem{FindingID: f.ID, Steps: []Step{{Order: 1, Description: "Notify the owner"}}}

	exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.BackupID != "" || len(m.Calls()) != 0 {
		t.Errorf("backup %q calls %v, want neither", exec.BackupID, m.Calls())
	}
	if exec.Status != StatusSucceeded {
		t.Errorf("Status = %s", exec.Status)
	}
}

func TestExecuteStepFailure(t *testing.T) {
	tests := []struct {
		name         string
		autoRollback bool
		restoreErr   error
		wantCalls    []string
		wantRestored bool
		wantMsg      string
	}{
		{
			name:      "backup kept for manual rollback",
			wantCalls: []string{"snapshot", "apply-1"},
			wantMsg:   "use backup bk-1",
		},
		{
			name:         "auto restore",
			autoRollback: true,
			wantCalls:    []string{"snapshot", "apply-1", "restore-bk-1"},
			wantRestored: true,
			wantMsg:      "restored automatically",
		},
		{
			name:         "auto restore fails",
			autoRollback: true,
			restoreErr:   errors.New("gone"),
			wantCalls:    []string{"snapshot", "apply-1", "restore-bk-1"},
			wantMsg:      "restore it manually",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMutator{failStep: 1, restoreErr: tt.restoreErr}
			cfg := DefaultExecutorConfig()
			cfg.AutoRollbackOnFailure = tt.autoRollback
			e := newTestExecutor(t, m, cfg)
			f, item := autoFinding()

			exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if exec.Status != StatusFailed {
				t.Fatalf("Status = %s, want Failed", exec.Status)
			}
			if got := m.Calls(); strings.Join(got, ",") != strings.Join(tt.wantCalls, ",") {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
			if exec.StepsCompleted != 0 {
				t.Errorf("StepsCompleted = %d, want 0", exec.StepsCompleted)
			}
			if exec.AutoRestored != tt.wantRestored {
				t.Errorf("AutoRestored = %v", exec.AutoRestored)
			}
			if !strings.Contains(exec.ErrorMessage, "step 1") || !strings.Contains(exec.ErrorMessage, tt.wantMsg) {
				t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
			}
		})
	}
}

func TestExecuteSnapshotFailureAppliesNothing(t *testing.T) {
	m := &fakeMutator{snapErr: errors.New("throttled")}
	e := newTestExecutor(t, m, DefaultExecutorConfig())
	f, item := autoFinding()

	exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusFailed || len(m.Calls()) != 1 {
		t.Errorf("status %s calls %v", exec.Status, m.Calls())
	}
}

func TestApprovalGate(t *testing.T) {
	m := &fakeMutator{}
	e := newTestExecutor(t, m, DefaultExecutorConfig())
	f, item := autoFinding()

	exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusPending || !exec.RequireApproval {
		t.Fatalf("exec = %s approval %v, want Pending awaiting approval", exec.Status, exec.RequireApproval)
	}
	if _, err := e.Run(context.Background(), exec.ExecutionID); !errs.IsValidation(err) {
		t.Fatalf("Run() before approval err = %v, want ValidationError", err)
	}
	if len(m.Calls()) != 0 {
		t.Fatalf("mutator called before approval: %v", m.Calls())
	}

	if _, err := e.Approve(exec.ExecutionID, ""); !errs.IsValidation(err) {
		t.Errorf("Approve(\"\") err = %v", err)
	}
	approved, err := e.Approve(exec.ExecutionID, "isso@example.gov")
	if err != nil {
		t.Fatal(err)
	}
	if approved.ApprovedBy != "isso@example.gov" || approved.ApprovedAt == nil {
		t.Errorf("approval not recorded: %+v", approved)
	}

	done, err := e.Run(context.Background(), exec.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusSucceeded {
		t.Errorf("Status = %s", done.Status)
	}
	if _, err := e.Approve(exec.ExecutionID, "late"); !errs.IsValidation(err) {
		t.Errorf("Approve() after run err = %v", err)
	}
}

func TestRunIsSingleAttempt(t *testing.T) {
	e := newTestExecutor(t, &fakeMutator{}, DefaultExecutorConfig())
	f, item := autoFinding()
	exec, err := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeDryRun, RequireApproval: noApproval()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), exec.ExecutionID); !errs.IsValidation(err) {
		t.Errorf("second Run() err = %v, want ValidationError", err)
	}
	if _, err := e.Run(context.Background(), "missing"); !errs.IsNotFound(err) {
		t.Errorf("Run(missing) err = %v, want NotFoundError", err)
	}
}

func TestRollback(t *testing.T) {
	m := &fakeMutator{}
	metrics := &recordingMetrics{}
	e := newTestExecutor(t, m, DefaultExecutorConfig(), WithExecutionMetrics(metrics))
	f, item := autoFinding()

	dry, _ := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeDryRun, RequireApproval: noApproval()})
	if _, err := e.Rollback(context.Background(), dry.ExecutionID); !errs.IsValidation(err) {
		t.Errorf("Rollback(dry run) err = %v, want ValidationError", err)
	}

	live, _ := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})
	rolled, err := e.Rollback(context.Background(), live.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if rolled.Status != StatusRolledBack || rolled.RolledBackAt == nil {
		t.Errorf("rolled = %s %v", rolled.Status, rolled.RolledBackAt)
	}
	if calls := m.Calls(); calls[len(calls)-1] != "restore-bk-1" {
		t.Errorf("last call = %v", calls)
	}
	if _, err := e.Rollback(context.Background(), live.ExecutionID); !errs.IsValidation(err) {
		t.Errorf("second Rollback() err = %v", err)
	}
	if got := metrics.seen[len(metrics.seen)-1]; got != "Live/RolledBack" {
		t.Errorf("last metric = %s", got)
	}
}

func TestRollbackRestoreFailure(t *testing.T) {
	m := &fakeMutator{restoreErr: errors.New("timeout")}
	e := newTestExecutor(t, m, DefaultExecutorConfig())
	f, item := autoFinding()
	live, _ := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})

	if _, err := e.Rollback(context.Background(), live.ExecutionID); !errs.IsUpstream(err) {
		t.Fatalf("err = %v, want UpstreamUnavailableError", err)
	}
	got, _ := e.Get(live.ExecutionID)
	if got.Status != StatusSucceeded {
		t.Errorf("Status = %s, want unchanged Succeeded", got.Status)
	}
}

type stubValidator struct{ passed bool }

func (v stubValidator) Verify(context.Context, normalizer.Finding) (bool, string, error) {
	return v.passed, "rescanned", nil
}

func TestProgressAndValidate(t *testing.T) {
	e := newTestExecutor(t, &fakeMutator{}, DefaultExecutorConfig(), WithValidator(stubValidator{passed: true}))
	f, item := autoFinding()

	pending, _ := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive})
	p, err := e.Progress(pending.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Percent != 0 || p.TotalSteps != 2 {
		t.Errorf("pending progress = %+v", p)
	}
	if _, err := e.Validate(context.Background(), pending.ExecutionID); !errs.IsValidation(err) {
		t.Errorf("Validate(pending) err = %v", err)
	}

	live, _ := e.Execute(context.Background(), f, item, ExecutionRequest{Mode: ModeLive, RequireApproval: noApproval()})
	p, _ = e.Progress(live.ExecutionID)
	if p.Percent != 100 {
		t.Errorf("Percent = %v, want 100", p.Percent)
	}
	res, err := e.Validate(context.Background(), live.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Validated || !res.Passed || len(res.Checks) != len(item.ValidationSteps) {
		t.Errorf("validation = %+v", res)
	}

	if got := e.List(f.ID); len(got) != 2 || got[0].ExecutionID != "ex-1" {
		t.Errorf("List() = %+v", got)
	}
	if _, err := e.Progress("missing"); !errs.IsNotFound(err) {
		t.Errorf("Progress(missing) err = %v", err)
	}
}

func TestProgressOf(t *testing.T) {
	tests := []struct {
		name string
		exec Execution
		want float64
	}{
		{"pending", Execution{Status: StatusPending, TotalSteps: 4}, 0},
		{"halfway", Execution{Status: StatusRunning, StepsCompleted: 2, TotalSteps: 4}, 50},
		{"failed midway", Execution{Status: StatusFailed, StepsCompleted: 1, TotalSteps: 4}, 25},
		{"succeeded without steps", Execution{Status: StatusSucceeded}, 100},
		{"rolled back without steps", Execution{Status: StatusRolledBack}, 100},
		{"pending without steps", Execution{Status: StatusPending}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProgressOf(tt.exec).Percent; got != tt.want {
				t.Errorf("Percent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeDryRun, false},
		{"dry-run", ModeDryRun, false},
		{"DryRun", ModeDryRun, false},
		{"LIVE", ModeLive, false},
		{"apply", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
