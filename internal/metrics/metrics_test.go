package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	r := New(false)
	r.ObserveAssessment("success", 3*time.Second)
	r.ObserveAssessment("success", time.Second)
	r.ObserveAssessment("cancelled", time.Second)
	r.SetFamilyScore("sub", "AC", 62.5)
	r.SetFindings("Critical", 2)
	r.ObserveExecution("Live", "Succeeded")
	r.ObserveEvidence("AC", 87.5)
	r.ObserveExport("emass", "success")

	if got := testutil.ToFloat64(r.assessments.WithLabelValues("success")); got != 2 {
		t.Errorf("assessments{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.familyScore.WithLabelValues("sub", "AC")); got != 62.5 {
		t.Errorf("family score = %v", got)
	}
	if got := testutil.ToFloat64(r.completeness.WithLabelValues("AC")); got != 87.5 {
		t.Errorf("completeness = %v", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`ato_remediation_executions_total{mode="Live",status="Succeeded"} 1`,
		`ato_exports_total{format="emass",result="success"} 1`,
		`ato_findings{severity="Critical"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveAssessment("success", time.Second)
	r.SetFamilyScore("s", "AC", 1)
	r.SetFindings("High", 1)
	r.ObserveExecution("DryRun", "Succeeded")
	r.ObserveEvidence("AC", 1)
	r.ObserveExport("json", "success")
	if r.Registry() != nil {
		t.Error("nil recorder returned a registry")
	}
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
