package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

const testSub = "8f2c1a90-1234-4bcd-9e8f-0123456789ab"

var collectedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

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

type staticSource struct {
	name  string
	items []EvidenceItem
	err   error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Collect(context.Context, Request) ([]EvidenceItem, error) {
	return s.items, s.err
}

type countingRecorder struct {
	evidence []string
	exports  []string
}

func (r *countingRecorder) ObserveEvidence(family string, completeness float64) {
	r.evidence = append(r.evidence, fmt.Sprintf("%s=%.0f", family, completeness))
}

func (r *countingRecorder) ObserveExport(format, result string) {
	r.exports = append(r.exports, format+"/"+result)
}

func newTestCollector(t *testing.T, sources []Source, opts ...CollectorOption) *Collector {
	t.Helper()
	n := 0
	opts = append([]CollectorOption{
		WithCollectorCatalog(testCat(t)),
		WithCollectorClock(func() time.Time { return collectedAt }),
		WithPackageIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	}, opts...)
	return NewCollector(sources, DefaultCollectorConfig(), zaptest.NewLogger(t), opts...)
}

func TestCollectPartialSources(t *testing.T) {
	good := staticSource{name: "config", items: []EvidenceItem{
		{ControlID: "ac-1", EvidenceType: TypeConfiguration, ResourceID: "r1"},
		{ControlID: "AC-2(1)", EvidenceType: TypeConfiguration, ResourceID: "r2"},
		{ControlID: "AC-2", EvidenceType: TypeConfiguration, ResourceID: "r3"},
		{ControlID: "AU-2", EvidenceType: TypeConfiguration, ResourceID: "r4"},
	}}
	bad := staticSource{name: "broken", err: errors.New("boom")}
	rec := &countingRecorder{}

	pkg, err := newTestCollector(t, []Source{good, bad}, WithCollectorMetrics(rec)).Collect(context.Background(), testSub, "ac")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if pkg.TotalItems != 3 || len(pkg.Evidence) != pkg.TotalItems {
		t.Fatalf("TotalItems = %d, evidence = %d, want 3", pkg.TotalItems, len(pkg.Evidence))
	}
	if pkg.ControlsCovered != 2 || pkg.CompletenessScore != 20 {
		t.Errorf("coverage = %d, score = %v, want 2 and 20", pkg.ControlsCovered, pkg.CompletenessScore)
	}
	if !strings.Contains(pkg.Error, "broken: boom") {
		t.Errorf("Error = %q", pkg.Error)
	}
	if len(pkg.Warnings) != 2 {
		t.Errorf("Warnings = %v, want completeness and item count", pkg.Warnings)
	}
	if pkg.Evidence[0].ControlID != "AC-1" || pkg.Evidence[0].EvidenceID == "" || !pkg.Evidence[0].CollectedAt.Equal(collectedAt) {
		t.Errorf("item not normalized: %+v", pkg.Evidence[0])
	}
	if pkg.ControlFamilyName != "Access Control" || pkg.Digest == "" {
		t.Errorf("package = %+v", pkg)
	}
	if len(rec.evidence) != 1 || rec.evidence[0] != "AC=20" {
		t.Errorf("metrics = %v", rec.evidence)
	}
}

func TestCollectValidation(t *testing.T) {
	c := newTestCollector(t, nil)
	if _, err := c.Collect(context.Background(), "", "AC"); !errs.IsValidation(err) {
		t.Errorf("empty subscription err = %v", err)
	}
	_, err := c.Collect(context.Background(), testSub, "ZZ")
	var ve *errs.ValidationError
	if !errors.As(err, &ve) || len(ve.Hint) != 2 {
		t.Errorf("unknown family err = %v, want ValidationError with family hint", err)
	}
}

func TestCollectEmptyFamily(t *testing.T) {
	pkg, err := newTestCollector(t, nil).Collect(context.Background(), testSub, "AU")
	if err != nil {
		t.Fatal(err)
	}
	if pkg.TotalItems != 0 || pkg.Evidence == nil || pkg.CompletenessScore != 0 {
		t.Errorf("empty package = %+v", pkg)
	}
	if pkg.IsValid() {
		t.Error("empty package reported valid")
	}
}

type latestLookup struct {
	a   *assessment.Assessment
	err error
}

func (l latestLookup) LatestAssessment(context.Context, string) (*assessment.Assessment, error) {
	return l.a, l.err
}

func TestAssessmentSource(t *testing.T) {
	f := normalizer.Finding{
		ID:               "fnd-1",
		Title:            "Excessive privilege",
		Severity:         normalizer.SeverityHigh,
		ResourceID:       "/subscriptions/" + testSub + "/roleAssignments/ra1",
		AffectedControls: []string{"AC-6(1)", "AC-2"},
		DetectedAt:       collectedAt.Add(-time.Hour),
	}
	a := &assessment.Assessment{
		AssessmentID:   "asmt-1",
		SubscriptionID: testSub,
		EndTime:        collectedAt,
		ControlFamilyResults: map[string]assessment.ControlFamilyResult{
			"AC": {Family: "AC", TotalControls: 10, PassedControls: 8, Findings: []normalizer.Finding{f}, ComplianceScore: 80},
		},
	}
	src := NewAssessmentSource(latestLookup{a: a})

	pkg, err := newTestCollector(t, []Source{src}).Collect(context.Background(), testSub, "AC")
	if err != nil {
		t.Fatal(err)
	}
	if pkg.TotalItems != 11 {
		t.Fatalf("TotalItems = %d, want 10 control results + 1 finding", pkg.TotalItems)
	}
	if pkg.CompletenessScore != 100 || len(pkg.Warnings) != 0 || !pkg.IsValid() {
		t.Errorf("score = %v warnings = %v", pkg.CompletenessScore, pkg.Warnings)
	}

	statuses := map[string]any{}
	for _, it := range pkg.Evidence {
		if it.EvidenceType == TypeControlAssessment {
			statuses[it.ControlID] = it.Data["status"]
		}
	}
	for control, want := range map[string]string{"AC-2": StatusOtherThanSatisfied, "AC-6": StatusOtherThanSatisfied, "AC-1": StatusSatisfied} {
		if statuses[control] != want {
			t.Errorf("%s status = %v, want %s", control, statuses[control], want)
		}
	}
	last := pkg.Evidence[len(pkg.Evidence)-1]
	if last.EvidenceType != TypeFinding || last.ControlID != "AC-6" || last.ResourceID != f.ResourceID {
		t.Errorf("finding evidence = %+v", last)
	}

	missing := NewAssessmentSource(latestLookup{err: errs.NotFound("assessment", testSub)})
	pkg, err = newTestCollector(t, []Source{missing}).Collect(context.Background(), testSub, "AC")
	if err != nil {
		t.Fatal(err)
	}
	if pkg.TotalItems != 0 || !strings.Contains(pkg.Error, "not found") {
		t.Errorf("missing assessment package = %+v", pkg)
	}
}

func TestSystemID(t *testing.T) {
	tests := []struct{ sub, want string }{
		{testSub, "SYS-8F2C1A90"},
		{"abc", "SYS-ABC"},
	}
	for _, tt := range tests {
		if got := (&EvidencePackage{SubscriptionID: tt.sub}).SystemID(); got != tt.want {
			t.Errorf("SystemID(%q) = %q, want %q", tt.sub, got, tt.want)
		}
	}
}

func TestDigestChangesWithData(t *testing.T) {
	a := []EvidenceItem{{EvidenceID: "e1", ControlID: "AC-1", Data: map[string]any{"k": "v"}}}
	b := []EvidenceItem{{EvidenceID: "e1", ControlID: "AC-1", Data: map[string]any{"k": "w"}}}
	if Digest(a) != Digest(a) {
		t.Error("Digest not deterministic")
	}
	if Digest(a) == Digest(b) {
		t.Error("Digest ignores data")
	}
}
