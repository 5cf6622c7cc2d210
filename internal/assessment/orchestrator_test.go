package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/scoring"
)

const testSub = "8f2c1a90-1234-4bcd-9e8f-0123456789ab"

const testCatalog = `
families:
  - code: AC
    name: Access Control
    category: Identity & Access
    controls: [AC-1, AC-2, AC-3, AC-4, AC-5, AC-6, AC-7, AC-8, AC-9, AC-10]
  - code: AU
    name: Audit and Accountability
    category: Audit & Monitoring
    controls: [AU-1, AU-2, AU-3, AU-4, AU-5]
`

func testCat(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// familyScanner returns canned observations per family.
type familyScanner struct {
	byFamily map[string][]normalizer.RawObservation
	delay    time.Duration
	err      error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *familyScanner) Name() string { return "fake" }

func (s *familyScanner) Scan(ctx context.Context, req ScanRequest) ([]normalizer.RawObservation, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.byFamily[req.Family.Code], nil
}

func obs(resource, rule string, sev string, controls ...string) normalizer.RawObservation {
	return normalizer.RawObservation{ResourceID: resource, RuleID: rule, Severity: sev, Controls: controls}
}

func newTestOrchestrator(t *testing.T, s Scanner, cfg Config) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return NewOrchestrator([]Scanner{s}, normalizer.NewClassifier(nil, logger), cfg, logger,
		WithCatalog(testCat(t)),
		WithClock(func() time.Time { return clock }),
		WithIDGenerator(func() string { return "asm-1" }),
	)
}

func TestRunScoresFamilies(t *testing.T) {
	s := &familyScanner{byFamily: map[string][]normalizer.RawObservation{
		// AC-2 fails twice (two findings, one control), AC-3 and AC-6 once.
		"AC": {
			obs("vm1", "check-a", "Critical", "AC-2"),
			obs("vm2", "check-a", "High", "AC-2"),
			obs("vm1", "check-b", "Low", "AC-3", "AC-6"),
		},
	}}
	o := newTestOrchestrator(t, s, Config{Workers: 2})

	a, err := o.Run(context.Background(), RunOptions{SubscriptionID: testSub})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ac := a.ControlFamilyResults["AC"]
	au := a.ControlFamilyResults["AU"]
	if ac.TotalControls != 10 || ac.PassedControls != 7 || ac.ComplianceScore != 70 {
		t.Errorf("AC = %d/%d score %v", ac.PassedControls, ac.TotalControls, ac.ComplianceScore)
	}
	if len(ac.Findings) != 3 {
		t.Errorf("AC findings = %d, want 3", len(ac.Findings))
	}
	if au.ComplianceScore != 100 || au.PassedControls != 5 {
		t.Errorf("AU = %+v", au)
	}
	if a.OverallComplianceScore != 85 || a.Grade != "A-" || a.Status != scoring.StatusPartiallyCompliant {
		t.Errorf("overall = %v %s %s", a.OverallComplianceScore, a.Grade, a.Status)
	}
	if a.TotalFindings != 3 || a.CriticalFindings != 1 || a.HighFindings != 1 || a.LowFindings != 1 {
		t.Errorf("counts = %d c%d h%d l%d", a.TotalFindings, a.CriticalFindings, a.HighFindings, a.LowFindings)
	}
	if a.AssessmentID != "asm-1" || a.ExecutiveSummary == "" {
		t.Errorf("id/summary = %q %q", a.AssessmentID, a.ExecutiveSummary)
	}
	if ac.Findings[0].Severity != normalizer.SeverityCritical {
		t.Errorf("findings not ordered by severity: %s first", ac.Findings[0].Severity)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	s := &familyScanner{delay: 20 * time.Millisecond}
	o := NewOrchestrator([]Scanner{s}, nil, Config{Workers: 3}, zaptest.NewLogger(t))

	if _, err := o.Run(context.Background(), RunOptions{SubscriptionID: testSub}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.maxInFlight.Load(); got > 3 || got < 1 {
		t.Errorf("max in-flight scans = %d, want 1..3", got)
	}
}

func TestProgressNeverBlocks(t *testing.T) {
	o := newTestOrchestrator(t, &familyScanner{}, Config{Workers: 1})
	unread := make(chan ProgressUpdate) // nobody receives

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), RunOptions{SubscriptionID: testSub, Progress: unread})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked on an unready progress consumer")
	}
}

func TestProgressOnePerFamily(t *testing.T) {
	o := newTestOrchestrator(t, &familyScanner{}, Config{Workers: 2})
	progress := make(chan ProgressUpdate, 10)
	if _, err := o.Run(context.Background(), RunOptions{SubscriptionID: testSub, Progress: progress}); err != nil {
		t.Fatal(err)
	}
	close(progress)
	seen := map[string]bool{}
	for u := range progress {
		seen[u.Family] = true
		if u.Total != 2 {
			t.Errorf("Total = %d", u.Total)
		}
	}
	if len(seen) != 2 {
		t.Errorf("progress families = %v", seen)
	}
}

func TestRunCancellation(t *testing.T) {
	s := &familyScanner{delay: time.Second}
	o := newTestOrchestrator(t, s, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	a, err := o.Run(ctx, RunOptions{SubscriptionID: testSub})
	if a != nil {
		t.Fatal("cancelled run must not return an assessment")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunTimeoutIsUpstream(t *testing.T) {
	s := &familyScanner{delay: time.Second}
	o := newTestOrchestrator(t, s, Config{Workers: 2, Timeout: 20 * time.Millisecond})
	a, err := o.Run(context.Background(), RunOptions{SubscriptionID: testSub})
	if a != nil || !errs.IsUpstream(err) {
		t.Errorf("got %v, %v; want nil, UpstreamUnavailableError", a, err)
	}
}

func TestRunScannerFailure(t *testing.T) {
	o := newTestOrchestrator(t, &familyScanner{err: fmt.Errorf("throttled")}, Config{Workers: 2})
	a, err := o.Run(context.Background(), RunOptions{SubscriptionID: testSub})
	if a != nil || !errs.IsUpstream(err) {
		t.Errorf("got %v, %v; want nil, UpstreamUnavailableError", a, err)
	}
}

func TestRunValidation(t *testing.T) {
	o := newTestOrchestrator(t, &familyScanner{}, Config{Workers: 1})
	tests := []RunOptions{
		{SubscriptionID: ""},
		{SubscriptionID: testSub, Families: []string{"ZZ"}},
	}
	for _, opts := range tests {
		if _, err := o.Run(context.Background(), opts); !errs.IsValidation(err) {
			t.Errorf("Run(%+v) err = %v, want ValidationError", opts, err)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := &familyScanner{byFamily: map[string][]normalizer.RawObservation{
		"AU": {obs("law1", "check-c", "Medium", "AU-2")},
	}}
	a, err := newTestOrchestrator(t, s, Config{Workers: 1}).Run(context.Background(), RunOptions{SubscriptionID: testSub})
	if err != nil {
		t.Fatal(err)
	}
	c := a.Clone()
	r := c.ControlFamilyResults["AU"]
	r.Findings[0].AffectedControls[0] = "XX-1"
	if a.ControlFamilyResults["AU"].Findings[0].AffectedControls[0] != "AU-2" {
		t.Error("Clone shares finding storage with the original")
	}
}

func TestConcurrentReads(t *testing.T) {
	a, err := newTestOrchestrator(t, &familyScanner{}, Config{Workers: 1}).Run(context.Background(), RunOptions{SubscriptionID: testSub})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.AllFindings()
			_ = a.FamilyScores()
		}()
	}
	wg.Wait()
}

func TestStaticScannerFiltersResourceGroup(t *testing.T) {
	s := NewStaticScanner("static", []normalizer.RawObservation{
		{ResourceID: "/subscriptions/x/resourceGroups/App-RG/providers/a/b/c"},
		{ResourceID: "/subscriptions/x/resourceGroups/other/providers/a/b/c"},
		{ResourceID: "/subscriptions/x/resourceGroups/app-rg/providers/a/b/d", SubscriptionID: "elsewhere"},
	})
	got, err := s.Scan(context.Background(), ScanRequest{SubscriptionID: "x", ResourceGroup: "app-rg"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}
