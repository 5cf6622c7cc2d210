// Package assessment runs compliance scans across control families and
// produces immutable Assessment snapshots.
package assessment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/scoring"
)

// ControlFamilyResult is the outcome of scanning one control family.
type ControlFamilyResult struct {
	Family          string                   `json:"family"`
	FamilyName      string                   `json:"familyName"`
	TotalControls   int                      `json:"totalControls"`
	PassedControls  int                      `json:"passedControls"`
	FailedControls  []string                 `json:"failedControls"`
	Findings        []normalizer.Finding     `json:"findings"`
	ComplianceScore float64                  `json:"complianceScore"`
	Grade           string                   `json:"grade"`
	Status          scoring.ComplianceStatus `json:"status"`
}

// Assessment is the result of one scan invocation. It is never modified
// after the orchestrator returns it; use Clone before handing out copies
// that callers may change.
type Assessment struct {
	AssessmentID           string                         `json:"assessmentId"`
	SubscriptionID         string                         `json:"subscriptionId"`
	ResourceGroup          string                         `json:"resourceGroup,omitempty"`
	StartTime              time.Time                      `json:"startTime"`
	EndTime                time.Time                      `json:"endTime"`
	Duration               time.Duration                  `json:"duration"`
	ControlFamilyResults   map[string]ControlFamilyResult `json:"controlFamilyResults"`
	OverallComplianceScore float64                        `json:"overallComplianceScore"`
	Grade                  string                         `json:"grade"`
	Status                 scoring.ComplianceStatus       `json:"status"`
	TotalFindings          int                            `json:"totalFindings"`
	CriticalFindings       int                            `json:"criticalFindings"`
	HighFindings           int                            `json:"highFindings"`
	MediumFindings         int                            `json:"mediumFindings"`
	LowFindings            int                            `json:"lowFindings"`
	InformationalFindings  int                            `json:"informationalFindings"`
	ExecutiveSummary       string                         `json:"executiveSummary"`
}

// Clone returns a deep copy.
func (a *Assessment) Clone() *Assessment {
	if a == nil {
		return nil
	}
	out := *a
	out.ControlFamilyResults = make(map[string]ControlFamilyResult, len(a.ControlFamilyResults))
	for code, r := range a.ControlFamilyResults {
		r.FailedControls = append([]string(nil), r.FailedControls...)
		findings := make([]normalizer.Finding, len(r.Findings))
		for i, f := range r.Findings {
			findings[i] = f.Clone()
		}
		r.Findings = findings
		out.ControlFamilyResults[code] = r
	}
	return &out
}

// Families returns family codes in sorted order.
func (a *Assessment) Families() []string {
	codes := make([]string, 0, len(a.ControlFamilyResults))
	for code := range a.ControlFamilyResults {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Subscription returns the assessed subscription id.
func (a *Assessment) Subscription() string { return a.SubscriptionID }

// FamilyScores returns a copy of the per-family scores.
func (a *Assessment) FamilyScores() map[string]float64 {
	out := make(map[string]float64, len(a.ControlFamilyResults))
	for code, r := range a.ControlFamilyResults {
		out[code] = r.ComplianceScore
	}
	return out
}

// AllFindings returns every distinct finding, ordered by severity then id.
func (a *Assessment) AllFindings() []normalizer.Finding {
	seen := map[string]bool{}
	var out []normalizer.Finding
	for _, code := range a.Families() {
		for _, f := range a.ControlFamilyResults[code].Findings {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			out = append(out, f.Clone())
		}
	}
	sortFindings(out)
	return out
}

// Finding looks up a finding by id.
func (a *Assessment) Finding(id string) (normalizer.Finding, bool) {
	for _, r := range a.ControlFamilyResults {
		for _, f := range r.Findings {
			if f.ID == id {
				return f.Clone(), true
			}
		}
	}
	return normalizer.Finding{}, false
}

// build finalizes an assessment from family results.
func build(id, subscriptionID, resourceGroup string, start, end time.Time, results []ControlFamilyResult) *Assessment {
	a := &Assessment{
		AssessmentID:         id,
		SubscriptionID:       subscriptionID,
		ResourceGroup:        resourceGroup,
		StartTime:            start,
		EndTime:              end,
		Duration:             end.Sub(start),
		ControlFamilyResults: make(map[string]ControlFamilyResult, len(results)),
	}

	scores := make([]float64, 0, len(results))
	for _, r := range results {
		a.ControlFamilyResults[r.Family] = r
		scores = append(scores, r.ComplianceScore)
	}
	a.OverallComplianceScore = scoring.ScoreOverall(scores)
	a.Grade = scoring.Grade(a.OverallComplianceScore)
	a.Status = scoring.Status(a.OverallComplianceScore)

	counts := normalizer.CountBySeverity(a.AllFindings())
	a.CriticalFindings = counts[normalizer.SeverityCritical]
	a.HighFindings = counts[normalizer.SeverityHigh]
	a.MediumFindings = counts[normalizer.SeverityMedium]
	a.LowFindings = counts[normalizer.SeverityLow]
	a.InformationalFindings = counts[normalizer.SeverityInformational]
	a.TotalFindings = a.CriticalFindings + a.HighFindings + a.MediumFindings + a.LowFindings + a.InformationalFindings
	a.ExecutiveSummary = summarize(a)
	return a
}

func summarize(a *Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assessment of subscription %s", a.SubscriptionID)
	if a.ResourceGroup != "" {
		fmt.Fprintf(&b, " (resource group %s)", a.ResourceGroup)
	}
	fmt.Fprintf(&b, " across %d control families: overall compliance %s%% (grade %s, %s). ",
		len(a.ControlFamilyResults), scoring.DisplayScore(a.OverallComplianceScore), a.Grade, a.Status)
	fmt.Fprintf(&b, "%d findings: %d critical, %d high, %d medium, %d low.",
		a.TotalFindings, a.CriticalFindings, a.HighFindings, a.MediumFindings, a.LowFindings)

	results := make([]ControlFamilyResult, 0, len(a.ControlFamilyResults))
	for _, r := range a.ControlFamilyResults {
		if r.ComplianceScore < 100 {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].ComplianceScore != results[j].ComplianceScore {
			return results[i].ComplianceScore < results[j].ComplianceScore
		}
		return results[i].Family < results[j].Family
	})
	if len(results) > 3 {
		results = results[:3]
	}
	if len(results) > 0 {
		parts := make([]string, len(results))
		for i, r := range results {
			parts[i] = fmt.Sprintf("%s %s%%", r.Family, scoring.DisplayScore(r.ComplianceScore))
		}
		fmt.Fprintf(&b, " Lowest scoring families: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}

func sortFindings(findings []normalizer.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity.Rank() != findings[j].Severity.Rank() {
			return findings[i].Severity.Rank() > findings[j].Severity.Rank()
		}
		return findings[i].ID < findings[j].ID
	})
}
