// Package analysis aggregates findings into risk categories and tracks
// compliance over time.
package analysis

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/scoring"
)

// Risk levels.
const (
	LevelCritical = "Critical"
	LevelHigh     = "High"
	LevelMedium   = "Medium"
	LevelLow      = "Low"
	LevelNone     = "None"
)

// Trend directions.
const (
	TrendImproving    = "Improving"
	TrendDeclining    = "Declining"
	TrendStable       = "Stable"
	TrendInsufficient = "Insufficient Data"
)

// uncategorized holds findings whose family has no category.
const uncategorized = "Uncategorized"

// pointsPerWeight converts summed severity weight into risk score.
const pointsPerWeight = 5

// stableBand is the score change treated as no change.
const stableBand = 1.0

// RiskCategory aggregates the findings of one risk category.
type RiskCategory struct {
	Name         string                      `json:"name"`
	Families     []string                    `json:"families"`
	FindingCount int                         `json:"findingCount"`
	BySeverity   map[normalizer.Severity]int `json:"bySeverity"`
	RiskScore    float64                     `json:"riskScore"`
	Level        string                      `json:"level"`
	TopFindings  []string                    `json:"topFindings"`
}

// RiskReport is the risk view of one assessment.
type RiskReport struct {
	SubscriptionID   string         `json:"subscriptionId"`
	AssessmentID     string         `json:"assessmentId"`
	GeneratedAt      time.Time      `json:"generatedAt"`
	TotalFindings    int            `json:"totalFindings"`
	OverallRiskScore float64        `json:"overallRiskScore"`
	OverallLevel     string         `json:"overallLevel"`
	Categories       []RiskCategory `json:"categories"`
}

// TimelinePoint is one assessment on the compliance timeline.
type TimelinePoint struct {
	AssessmentID     string                   `json:"assessmentId"`
	Timestamp        time.Time                `json:"timestamp"`
	Score            float64                  `json:"score"`
	Grade            string                   `json:"grade"`
	Status           scoring.ComplianceStatus `json:"status"`
	TotalFindings    int                      `json:"totalFindings"`
	CriticalFindings int                      `json:"criticalFindings"`
}

// Timeline is the score history of a subscription, oldest first.
type Timeline struct {
	SubscriptionID string          `json:"subscriptionId"`
	Points         []TimelinePoint `json:"points"`
	Trend          string          `json:"trend"`
	ScoreChange    float64         `json:"scoreChange"`
}

// ScanDelta compares two assessments of one subscription.
type ScanDelta struct {
	SubscriptionID       string                  `json:"subscriptionId"`
	PreviousAssessmentID string                  `json:"previousAssessmentId,omitempty"`
	CurrentAssessmentID  string                  `json:"currentAssessmentId"`
	ScoreChange          float64                 `json:"scoreChange"`
	Delta                normalizer.Delta        `json:"delta"`
	Trends               normalizer.TrendMetrics `json:"trends"`
}

// Analyzer derives risk and trend views from assessments.
type Analyzer struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithCatalog overrides the control catalog.
func WithCatalog(c *catalog.Catalog) Option { return func(a *Analyzer) { a.catalog = c } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(a *Analyzer) { a.now = now } }

// New creates an Analyzer.
func New(logger *zap.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{catalog: catalog.Default(), logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Risk groups an assessment's findings by risk category. Every catalog
// category is present, including those without findings.
func (an *Analyzer) Risk(a *assessment.Assessment) (*RiskReport, error) {
	if a == nil {
		return nil, errs.Invalid("assessment", "", "assessment is required")
	}
	categories := map[string]*RiskCategory{}
	order := an.catalog.Categories()
	for _, name := range order {
		categories[name] = &RiskCategory{Name: name, BySeverity: map[normalizer.Severity]int{}}
	}
	for _, fam := range an.catalog.Families() {
		if c, ok := categories[fam.Category]; ok {
			c.Families = append(c.Families, fam.Code)
		}
	}

	findings := a.AllFindings()
	weights := map[string]int{}
	members := map[string][]normalizer.Finding{}
	for _, f := range findings {
		name := an.categoryOf(f)
		c, ok := categories[name]
		if !ok {
			c = &RiskCategory{Name: name, BySeverity: map[normalizer.Severity]int{}}
			categories[name] = c
			order = append(order, name)
		}
		c.FindingCount++
		c.BySeverity[f.Severity]++
		weights[name] += f.Severity.Weight()
		members[name] = append(members[name], f)
	}

	report := &RiskReport{
		SubscriptionID: a.SubscriptionID,
		AssessmentID:   a.AssessmentID,
		GeneratedAt:    an.now().UTC(),
		TotalFindings:  len(findings),
	}
	var sum float64
	var scored int
	for _, name := range order {
		c := categories[name]
		c.RiskScore = math.Min(100, float64(weights[name]*pointsPerWeight))
		c.Level = riskLevel(c.RiskScore)
		c.TopFindings = topFindings(members[name], 3)
		if c.FindingCount > 0 {
			sum += c.RiskScore
			scored++
		}
		report.Categories = append(report.Categories, *c)
	}
	if scored > 0 {
		report.OverallRiskScore = scoring.Round(sum/float64(scored), 2)
	}
	report.OverallLevel = riskLevel(report.OverallRiskScore)

	an.logger.Debug("Risk analyzed",
		zap.String("assessment_id", a.AssessmentID),
		zap.Float64("overall_risk", report.OverallRiskScore),
	)
	return report, nil
}

func (an *Analyzer) categoryOf(f normalizer.Finding) string {
	if fam, err := an.catalog.Family(catalog.FamilyOf(f.PrimaryControl())); err == nil && fam.Category != "" {
		return fam.Category
	}
	if f.Category != "" {
		return f.Category
	}
	return uncategorized
}

func topFindings(findings []normalizer.Finding, n int) []string {
	sorted := append([]normalizer.Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Severity.Rank() != sorted[j].Severity.Rank() {
			return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
		}
		return sorted[i].ID < sorted[j].ID
	})
	out := []string{}
	for i := 0; i < len(sorted) && i < n; i++ {
		out = append(out, sorted[i].ID)
	}
	return out
}

func riskLevel(score float64) string {
	switch {
	case score >= 75:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	case score > 0:
		return LevelLow
	default:
		return LevelNone
	}
}

// Timeline orders the assessments of one subscription by completion time.
// The trend compares the first and last scores.
func (an *Analyzer) Timeline(subscriptionID string, history []*assessment.Assessment) (*Timeline, error) {
	t := &Timeline{SubscriptionID: subscriptionID, Points: []TimelinePoint{}, Trend: TrendInsufficient}
	for _, a := range history {
		if a == nil {
			continue
		}
		if a.SubscriptionID != subscriptionID {
			return nil, errs.Invalid("assessment", a.AssessmentID,
				fmt.Sprintf("belongs to subscription %s, not %s", a.SubscriptionID, subscriptionID))
		}
		t.Points = append(t.Points, TimelinePoint{
			AssessmentID:     a.AssessmentID,
			Timestamp:        a.EndTime,
			Score:            a.OverallComplianceScore,
			Grade:            a.Grade,
			Status:           a.Status,
			TotalFindings:    a.TotalFindings,
			CriticalFindings: a.CriticalFindings,
		})
	}
	sort.SliceStable(t.Points, func(i, j int) bool { return t.Points[i].Timestamp.Before(t.Points[j].Timestamp) })
	if len(t.Points) < 2 {
		return t, nil
	}
	t.ScoreChange = scoring.Round(t.Points[len(t.Points)-1].Score-t.Points[0].Score, 2)
	switch {
	case t.ScoreChange > stableBand:
		t.Trend = TrendImproving
	case t.ScoreChange < -stableBand:
		t.Trend = TrendDeclining
	default:
		t.Trend = TrendStable
	}
	return t, nil
}

// Delta compares the findings of two assessments. previous may be nil, in
// which case every current finding is new.
func (an *Analyzer) Delta(previous, current *assessment.Assessment) (*ScanDelta, error) {
	if current == nil {
		return nil, errs.Invalid("assessment", "", "current assessment is required")
	}
	out := &ScanDelta{
		SubscriptionID:      current.SubscriptionID,
		CurrentAssessmentID: current.AssessmentID,
	}
	var prevFindings []normalizer.Finding
	period := "initial scan"
	if previous != nil {
		if previous.SubscriptionID != current.SubscriptionID {
			return nil, errs.Invalid("assessment", previous.AssessmentID, "assessments belong to different subscriptions")
		}
		out.PreviousAssessmentID = previous.AssessmentID
		out.ScoreChange = scoring.Round(current.OverallComplianceScore-previous.OverallComplianceScore, 2)
		prevFindings = previous.AllFindings()
		period = fmt.Sprintf("%s/%s", previous.EndTime.UTC().Format(time.RFC3339), current.EndTime.UTC().Format(time.RFC3339))
	}
	out.Delta = normalizer.Compare(prevFindings, current.AllFindings())
	out.Trends = normalizer.CalculateTrends(out.Delta, len(prevFindings), period, current.EndTime)

	an.logger.Info("Scan delta computed",
		zap.String("subscription_id", current.SubscriptionID),
		zap.Int("new", len(out.Delta.New)),
		zap.Int("closed", len(out.Delta.Closed)),
	)
	return out, nil
}
