package normalizer

import (
	"sort"
	"time"
)

// DeltaStatus represents the change status of a finding between two scans
type DeltaStatus string

const (
	DeltaNew      DeltaStatus = "NEW"
	DeltaExisting DeltaStatus = "EXISTING"
	DeltaClosed   DeltaStatus = "CLOSED"
)

// Delta partitions findings of two consecutive scans.
type Delta struct {
	New      []Finding `json:"new"`
	Existing []Finding `json:"existing"`
	Closed   []Finding `json:"closed"`
}

// Status returns the delta status of a finding id.
func (d Delta) Status(id string) (DeltaStatus, bool) {
	for _, group := range []struct {
		status   DeltaStatus
		findings []Finding
	}{{DeltaNew, d.New}, {DeltaExisting, d.Existing}, {DeltaClosed, d.Closed}} {
		for _, f := range group.findings {
			if f.ID == id {
				return group.status, true
			}
		}
	}
	return "", false
}

// Compare detects new, existing and closed findings. Existing findings keep
// the earlier detection time so days-open survives re-scans.
func Compare(previous, current []Finding) Delta {
	prevByID := make(map[string]Finding, len(previous))
	for _, f := range previous {
		prevByID[f.ID] = f
	}

	var d Delta
	currentSet := make(map[string]bool, len(current))
	for _, f := range current {
		currentSet[f.ID] = true
		if prev, ok := prevByID[f.ID]; ok {
			f = f.Clone()
			if !prev.DetectedAt.IsZero() && prev.DetectedAt.Before(f.DetectedAt) {
				f.DetectedAt = prev.DetectedAt
			}
			d.Existing = append(d.Existing, f)
			continue
		}
		d.New = append(d.New, f.Clone())
	}

	for _, prev := range previous {
		if !currentSet[prev.ID] {
			d.Closed = append(d.Closed, prev.Clone())
		}
	}
	sort.SliceStable(d.Closed, func(i, j int) bool { return d.Closed[i].ID < d.Closed[j].ID })
	return d
}

// TrendMetrics contains aggregated metrics for reporting
type TrendMetrics struct {
	Period         string    `json:"period"`
	GeneratedAt    time.Time `json:"generatedAt"`
	TotalFindings  int       `json:"totalFindings"`
	NewFindings    int       `json:"newFindings"`
	ClosedFindings int       `json:"closedFindings"`
	NetChange      int       `json:"netChange"`   // New - Closed
	ClosureRate    float64   `json:"closureRate"` // Closed / Previous Total
	MTTR           float64   `json:"mttrDays"`    // Mean Time To Remediate

	// Breakdowns
	BySeverity map[Severity]int `json:"bySeverity"`
	ByFamily   map[string]int   `json:"byFamily"`
	BySource   map[string]int   `json:"bySource"`

	// SLA compliance
	WithinSLA  int `json:"withinSla"`
	OverdueSLA int `json:"overdueSla"`
}

// CalculateTrends generates trend metrics for the current scan. closedAt is
// when the closing scan ran and is used for time-to-remediate.
func CalculateTrends(d Delta, previousTotal int, period string, closedAt time.Time) TrendMetrics {
	metrics := TrendMetrics{
		Period:         period,
		GeneratedAt:    closedAt,
		NewFindings:    len(d.New),
		ClosedFindings: len(d.Closed),
		BySeverity:     make(map[Severity]int),
		ByFamily:       make(map[string]int),
		BySource:       make(map[string]int),
	}

	active := make([]Finding, 0, len(d.New)+len(d.Existing))
	active = append(active, d.New...)
	active = append(active, d.Existing...)
	for _, f := range active {
		metrics.TotalFindings++
		metrics.BySeverity[f.Severity]++
		for _, fam := range f.Families() {
			metrics.ByFamily[fam]++
		}
		if f.Source != "" {
			metrics.BySource[f.Source]++
		}
		if closedAt.Before(f.SLADeadline()) {
			metrics.WithinSLA++
		} else {
			metrics.OverdueSLA++
		}
	}

	var totalDays float64
	for _, f := range d.Closed {
		totalDays += closedAt.Sub(f.DetectedAt).Hours() / 24
	}

	metrics.NetChange = metrics.NewFindings - metrics.ClosedFindings
	if previousTotal > 0 {
		metrics.ClosureRate = float64(metrics.ClosedFindings) / float64(previousTotal)
	}
	if len(d.Closed) > 0 {
		metrics.MTTR = totalDays / float64(len(d.Closed))
	}
	return metrics
}
