// Package metrics exposes engine telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ato"

// Recorder owns a private registry. All methods are safe on a nil
// receiver so components can run without metrics.
type Recorder struct {
	registry *prometheus.Registry

	assessments        *prometheus.CounterVec
	assessmentDuration prometheus.Histogram
	familyScore        *prometheus.GaugeVec
	findings           *prometheus.GaugeVec
	executions         *prometheus.CounterVec
	completeness       *prometheus.GaugeVec
	exports            *prometheus.CounterVec
}

// New creates a recorder. Runtime collectors are optional.
func New(enableRuntimeMetrics bool) *Recorder {
	reg := prometheus.NewRegistry()
	if enableRuntimeMetrics {
		reg.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}

	r := &Recorder{
		registry: reg,
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Assessments run, by outcome.",
		}, []string{"status"}),
		assessmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assessment_duration_seconds",
			Help:      "Wall time of assessment runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		familyScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "family_compliance_score",
			Help:      "Latest compliance score per control family.",
		}, []string{"subscription", "family"}),
		findings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "findings",
			Help:      "Findings in the latest assessment, by severity.",
		}, []string{"severity"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_executions_total",
			Help:      "Remediation executions reaching a state, by mode.",
		}, []string{"mode", "status"}),
		completeness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evidence_completeness",
			Help:      "Completeness of the latest evidence package per family.",
		}, []string{"family"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Evidence exports, by format and result.",
		}, []string{"format", "result"}),
	}
	reg.MustRegister(r.assessments, r.assessmentDuration, r.familyScore, r.findings, r.executions, r.completeness, r.exports)
	return r
}

// ObserveAssessment implements assessment.MetricsRecorder.
func (r *Recorder) ObserveAssessment(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.assessments.WithLabelValues(status).Inc()
	r.assessmentDuration.Observe(d.Seconds())
}

// SetFamilyScore implements assessment.MetricsRecorder.
func (r *Recorder) SetFamilyScore(subscriptionID, family string, score float64) {
	if r == nil {
		return
	}
	r.familyScore.WithLabelValues(subscriptionID, family).Set(score)
}

// SetFindings implements assessment.MetricsRecorder.
func (r *Recorder) SetFindings(severity string, n int) {
	if r == nil {
		return
	}
	r.findings.WithLabelValues(severity).Set(float64(n))
}

// ObserveExecution implements remediation.ExecutionRecorder.
func (r *Recorder) ObserveExecution(mode, status string) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(mode, status).Inc()
}

// ObserveEvidence implements evidence.Recorder.
func (r *Recorder) ObserveEvidence(family string, completeness float64) {
	if r == nil {
		return
	}
	r.completeness.WithLabelValues(family).Set(completeness)
}

// ObserveExport implements evidence.Recorder.
func (r *Recorder) ObserveExport(format, result string) {
	if r == nil {
		return
	}
	r.exports.WithLabelValues(format, result).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
