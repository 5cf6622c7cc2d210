// Package normalizer converts raw scanner observations into classified
// compliance findings and tracks how findings change between scans.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// Severity is totally ordered, Critical highest.
type Severity string

const (
	SeverityCritical      Severity = "Critical"
	SeverityHigh          Severity = "High"
	SeverityMedium        Severity = "Medium"
	SeverityLow           Severity = "Low"
	SeverityInformational Severity = "Informational"
)

// severityRank orders severities for sorting (higher = more severe).
var severityRank = map[Severity]int{
	SeverityCritical:      5,
	SeverityHigh:          4,
	SeverityMedium:        3,
	SeverityLow:           2,
	SeverityInformational: 1,
}

// severityWeight is the risk weight used for projected risk reduction.
var severityWeight = map[Severity]int{
	SeverityCritical:      4,
	SeverityHigh:          3,
	SeverityMedium:        2,
	SeverityLow:           1,
	SeverityInformational: 0,
}

// SLADays maps severity to remediation SLA in days
var SLADays = map[Severity]int{
	SeverityCritical:      7,
	SeverityHigh:          14,
	SeverityMedium:        30,
	SeverityLow:           90,
	SeverityInformational: 90,
}

// Severities returns all severities, most severe first.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational}
}

func severityNames() []string {
	var names []string
	for _, s := range Severities() {
		names = append(names, string(s))
	}
	return names
}

// ParseSeverity accepts provider spellings ("CRITICAL", "high", "info").
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, nil
	case "high":
		return SeverityHigh, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "low":
		return SeverityLow, nil
	case "informational", "info", "none":
		return SeverityInformational, nil
	}
	return "", errs.Invalid("severity", s, "unknown severity", severityNames()...)
}

// Rank returns the ordering position; unknown severities rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Weight returns the risk weight (Critical=4 .. Informational=0).
func (s Severity) Weight() int { return severityWeight[s] }

// Valid reports whether s is one of the five defined severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// Bucket maps a severity onto the four planning priorities; Informational
// findings are planned as Low.
func (s Severity) Bucket() Severity {
	if s == SeverityInformational || !s.Valid() {
		return SeverityLow
	}
	return s
}

// ComplianceStatus of a finding.
const (
	StatusNonCompliant = "NonCompliant"
)

// Finding is a classified control gap. Findings are values: severity and id
// are fixed at classification and a reclassification produces a new version.
type Finding struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Severity            Severity  `json:"severity"`
	ResourceID          string    `json:"resourceId"`
	ResourceType        string    `json:"resourceType"`
	ResourceName        string    `json:"resourceName"`
	AffectedControls    []string  `json:"affectedControls"`
	IsAutoRemediable    bool      `json:"isAutoRemediable"`
	Recommendation      string    `json:"recommendation"`
	RemediationGuidance string    `json:"remediationGuidance"`
	ComplianceStatus    string    `json:"complianceStatus"`
	DetectedAt          time.Time `json:"detectedAt"`
	RuleID              string    `json:"ruleId"`

	Source         string `json:"source,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Category       string `json:"category,omitempty"`
	Version        int    `json:"version"`
	RevisionNote   string `json:"revisionNote,omitempty"`
}

// Clone returns a deep copy.
func (f Finding) Clone() Finding {
	f.AffectedControls = append([]string(nil), f.AffectedControls...)
	return f
}

// Revise returns a new version of the finding with a different severity.
// The receiver is left untouched.
func (f Finding) Revise(severity Severity, note string) (Finding, error) {
	if !severity.Valid() {
		return Finding{}, errs.Invalid("severity", string(severity), "unknown severity", severityNames()...)
	}
	next := f.Clone()
	next.Severity = severity
	next.Version = f.Version + 1
	next.RevisionNote = note
	return next, nil
}

// PrimaryControl returns the first affected control, or "N/A".
func (f Finding) PrimaryControl() string {
	if len(f.AffectedControls) == 0 || strings.TrimSpace(f.AffectedControls[0]) == "" {
		return "N/A"
	}
	return f.AffectedControls[0]
}

// Families returns the distinct families touched by the finding, in control order.
func (f Finding) Families() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range f.AffectedControls {
		fam := catalog.FamilyOf(c)
		if !seen[fam] {
			seen[fam] = true
			out = append(out, fam)
		}
	}
	return out
}

// InFamily reports whether any affected control belongs to family.
func (f Finding) InFamily(family string) bool {
	family = strings.ToUpper(family)
	for _, c := range f.AffectedControls {
		if catalog.FamilyOf(c) == family {
			return true
		}
	}
	return false
}

// SLADeadline returns the remediation deadline from detection.
func (f Finding) SLADeadline() time.Time {
	days, ok := SLADays[f.Severity]
	if !ok {
		days = SLADays[SeverityLow]
	}
	return f.DetectedAt.AddDate(0, 0, days)
}

// RawObservation is one issue reported by a scanner, before classification.
type RawObservation struct {
	Source         string            `json:"source"`
	SubscriptionID string            `json:"subscriptionId"`
	ResourceID     string            `json:"resourceId"`
	ResourceType   string            `json:"resourceType"`
	ResourceName   string            `json:"resourceName"`
	RuleID         string            `json:"ruleId"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Severity       string            `json:"severity"` // provider hint, used only without a rule
	Controls       []string          `json:"controls"`
	Status         string            `json:"status"`
	ObservedAt     time.Time         `json:"observedAt"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// GenerateFindingID creates a stable id from resource and rule.
func GenerateFindingID(resourceID, ruleID string) string {
	data := strings.ToLower(strings.TrimSpace(resourceID)) + "|" + strings.TrimSpace(ruleID)
	hash := sha256.Sum256([]byte(data))
	return "fnd-" + hex.EncodeToString(hash[:8])
}

// CountBySeverity tallies findings per severity.
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(severityRank))
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}
