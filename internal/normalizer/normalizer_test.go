package normalizer

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	return NewClassifier(DefaultRules(), zaptest.NewLogger(t), WithClock(func() time.Time { return fixedNow }))
}

func TestSeverityOrdering(t *testing.T) {
	sevs := Severities()
	for i := 1; i < len(sevs); i++ {
		if !(sevs[i-1].Rank() > sevs[i].Rank()) {
			t.Errorf("%s should outrank %s", sevs[i-1], sevs[i])
		}
	}
	weights := map[Severity]int{SeverityCritical: 4, SeverityHigh: 3, SeverityMedium: 2, SeverityLow: 1, SeverityInformational: 0}
	for s, w := range weights {
		if s.Weight() != w {
			t.Errorf("%s.Weight() = %d, want %d", s, s.Weight(), w)
		}
	}
	if SeverityInformational.Bucket() != SeverityLow {
		t.Error("Informational should plan as Low")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
		err  bool
	}{
		{"CRITICAL", SeverityCritical, false},
		{"high", SeverityHigh, false},
		{"Moderate", SeverityMedium, false},
		{"info", SeverityInformational, false},
		{"severe", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if tt.err {
			if !errs.IsValidation(err) {
				t.Errorf("ParseSeverity(%q) err = %v, want ValidationError", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSeverity(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	c := newTestClassifier(t)
	raw := RawObservation{
		Source:     "azure-defender",
		ResourceID: "/subscriptions/1111/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/data01",
		RuleID:     "storage-public-access",
		Severity:   "Low", // ignored: the rule decides
	}
	first, err := c.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	second, err := c.Classify(raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if first.ID != second.ID || first.Severity != second.Severity {
		t.Errorf("not idempotent: %s/%s vs %s/%s", first.ID, first.Severity, second.ID, second.Severity)
	}
	if first.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want rule severity High", first.Severity)
	}
	if !first.IsAutoRemediable || first.ResourceName != "data01" {
		t.Errorf("unexpected finding %+v", first)
	}
	if got := strings.Join(first.AffectedControls, ","); got != "AC-3,SC-7,AC-4" {
		t.Errorf("controls = %s", got)
	}
	if !first.DetectedAt.Equal(fixedNow) {
		t.Errorf("DetectedAt = %v, want %v", first.DetectedAt, fixedNow)
	}
}

func TestClassifyMatchesProviderPatterns(t *testing.T) {
	c := newTestClassifier(t)
	tests := []struct {
		ruleID, title, want string
	}{
		{"security-control/S3.8", "", "storage-public-access"},
		{"OPEN_RDP_PORT", "", "management-ports-open"},
		{"1195afff-c881-495e-9bc5-1486211ae03f", "Management ports should be closed on your virtual machines", "management-ports-open"},
	}
	for _, tt := range tests {
		f, err := c.Classify(RawObservation{ResourceID: "r1", RuleID: tt.ruleID, Title: tt.title})
		if err != nil {
			t.Fatalf("Classify(%s): %v", tt.ruleID, err)
		}
		if f.RuleID != tt.want {
			t.Errorf("Classify(%s).RuleID = %s, want %s", tt.ruleID, f.RuleID, tt.want)
		}
	}
}

func TestClassifyUnknownRule(t *testing.T) {
	c := newTestClassifier(t)
	f, err := c.Classify(RawObservation{
		ResourceID: "arn:aws:s3:::bucket",
		RuleID:     "custom-check-7",
		Severity:   "HIGH",
		Controls:   []string{"ac-6", "AC-6", "cm-6"},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if f.Severity != SeverityHigh || f.IsAutoRemediable {
		t.Errorf("got severity %s auto %v", f.Severity, f.IsAutoRemediable)
	}
	if strings.Join(f.AffectedControls, ",") != "AC-6,CM-6" {
		t.Errorf("controls = %v", f.AffectedControls)
	}

	_, err = c.Classify(RawObservation{ResourceID: "r", RuleID: "custom-check-8"})
	if !errs.IsValidation(err) {
		t.Errorf("finding without controls: err = %v, want ValidationError", err)
	}
	_, err = c.Classify(RawObservation{RuleID: "storage-public-access"})
	if !errs.IsValidation(err) {
		t.Errorf("missing resource: err = %v, want ValidationError", err)
	}
}

func TestClassifyAllDeduplicates(t *testing.T) {
	c := newTestClassifier(t)
	raw := RawObservation{ResourceID: "r1", RuleID: "mfa-not-enforced"}
	got := c.ClassifyAll([]RawObservation{raw, raw, {ResourceID: "", RuleID: "x"}})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestReviseCreatesNewVersion(t *testing.T) {
	c := newTestClassifier(t)
	orig, _ := c.Classify(RawObservation{ResourceID: "r1", RuleID: "log-retention-insufficient"})
	next, err := orig.Revise(SeverityHigh, "exception expired")
	if err != nil {
		t.Fatal(err)
	}
	if orig.Severity != SeverityLow || orig.Version != 1 {
		t.Errorf("original mutated: %+v", orig)
	}
	if next.Severity != SeverityHigh || next.Version != 2 || next.ID != orig.ID {
		t.Errorf("revision = %+v", next)
	}
}

func TestPrimaryControlFallback(t *testing.T) {
	if got := (Finding{}).PrimaryControl(); got != "N/A" {
		t.Errorf("PrimaryControl() = %q, want N/A", got)
	}
}

func TestCompareAndTrends(t *testing.T) {
	day := 24 * time.Hour
	a := Finding{ID: "a", Severity: SeverityHigh, AffectedControls: []string{"AC-2"}, DetectedAt: fixedNow.Add(-20 * day)}
	b := Finding{ID: "b", Severity: SeverityLow, AffectedControls: []string{"AU-2"}, DetectedAt: fixedNow.Add(-10 * day)}
	c := Finding{ID: "c", Severity: SeverityCritical, AffectedControls: []string{"SC-7"}, DetectedAt: fixedNow}
	aRescan := a
	aRescan.DetectedAt = fixedNow

	d := Compare([]Finding{a, b}, []Finding{aRescan, c})
	if len(d.New) != 1 || len(d.Existing) != 1 || len(d.Closed) != 1 {
		t.Fatalf("delta = %d/%d/%d", len(d.New), len(d.Existing), len(d.Closed))
	}
	if !d.Existing[0].DetectedAt.Equal(a.DetectedAt) {
		t.Error("existing finding should keep first detection time")
	}
	if st, _ := d.Status("b"); st != DeltaClosed {
		t.Errorf("Status(b) = %s", st)
	}

	m := CalculateTrends(d, 2, "weekly", fixedNow)
	if m.TotalFindings != 2 || m.NetChange != 0 || m.ClosureRate != 0.5 {
		t.Errorf("metrics = %+v", m)
	}
	if m.MTTR != 10 {
		t.Errorf("MTTR = %v, want 10", m.MTTR)
	}
	// a: High, SLA 14 days, open 20 days -> overdue. c: new -> within.
	if m.OverdueSLA != 1 || m.WithinSLA != 1 {
		t.Errorf("SLA within/overdue = %d/%d", m.WithinSLA, m.OverdueSLA)
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"*S3.8", "security-control/s3.8", true},
		{"*S3.8", "security-control/S3.80", false},
		{"ab*b", "ab", false},
		{"ab*b", "abb", true},
		{"*public*access*", "Blob Public Access enabled", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"storage-*", "Storage-Public-Access", true},
		{"*-access", "storage-public-access", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxcyyb", false},
	}
	for _, tt := range tests {
		if got := MatchGlob(tt.pattern, tt.value); got != tt.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}
