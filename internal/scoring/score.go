// Package scoring converts control pass/fail counts into compliance scores,
// letter grades and status buckets, and estimates remediation complexity.
package scoring

import (
	"fmt"
	"math"
)

// ComplianceStatus buckets an overall score.
type ComplianceStatus string

const (
	StatusCompliant          ComplianceStatus = "Compliant"
	StatusPartiallyCompliant ComplianceStatus = "Partially Compliant"
	StatusNonCompliant       ComplianceStatus = "Non-Compliant"
)

// gradeThresholds is ordered from the highest floor down.
var gradeThresholds = []struct {
	floor float64
	grade string
}{
	{95, "A+"},
	{90, "A"},
	{85, "A-"},
	{80, "B+"},
	{75, "B"},
	{70, "B-"},
	{65, "C+"},
	{60, "C"},
	{55, "C-"},
	{50, "D"},
}

// ScoreFamily returns 100*passed/total, or 100 when the family has no
// controls. passed is clamped to [0, total].
func ScoreFamily(total, passed int) float64 {
	if total <= 0 {
		return 100
	}
	if passed < 0 {
		passed = 0
	}
	if passed > total {
		passed = total
	}
	return 100 * float64(passed) / float64(total)
}

// ScoreOverall is the unweighted mean of family scores rounded to 2
// decimals. No families is vacuously compliant.
func ScoreOverall(familyScores []float64) float64 {
	if len(familyScores) == 0 {
		return 100
	}
	var sum float64
	for _, s := range familyScores {
		sum += s
	}
	return Round(sum/float64(len(familyScores)), 2)
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// DisplayScore formats a stored score with one decimal.
func DisplayScore(score float64) string {
	return fmt.Sprintf("%.1f", Round(score, 1))
}

// Grade maps a score to a letter grade.
func Grade(score float64) string {
	for _, t := range gradeThresholds {
		if score >= t.floor {
			return t.grade
		}
	}
	return "F"
}

// Status maps a score to a compliance status.
func Status(score float64) ComplianceStatus {
	switch {
	case score >= 90:
		return StatusCompliant
	case score >= 70:
		return StatusPartiallyCompliant
	default:
		return StatusNonCompliant
	}
}
