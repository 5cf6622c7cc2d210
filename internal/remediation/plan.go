// Package remediation builds prioritized remediation plans and executes
// automatable fixes through a guarded state machine.
package remediation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/scoring"
)

// Step is one ordered action of a remediation item.
type Step struct {
	Order            int            `json:"order"`
	Description      string         `json:"description"`
	Command          string         `json:"command,omitempty"`
	AutomationScript string         `json:"automationScript,omitempty"`
	Patch            map[string]any `json:"patch,omitempty"`
	APIVersion       string         `json:"apiVersion,omitempty"`
}

// Mutating reports whether the step changes the target resource.
func (s Step) Mutating() bool {
	return s.Command != "" || s.AutomationScript != "" || len(s.Patch) > 0
}

// RemediationItem is the plan entry for one finding.
type RemediationItem struct {
	FindingID           string              `json:"findingId"`
	ControlID           string              `json:"controlId"`
	ResourceID          string              `json:"resourceId"`
	Title               string              `json:"title"`
	Priority            normalizer.Severity `json:"priority"`
	Severity            normalizer.Severity `json:"severity"`
	EstimatedEffort     time.Duration       `json:"estimatedEffort"`
	ComplexityTier      string              `json:"complexityTier"`
	AutomationAvailable bool                `json:"automationAvailable"`
	Steps               []Step              `json:"steps"`
	ValidationSteps     []string            `json:"validationSteps"`
	RollbackNotes       string              `json:"rollbackNotes,omitempty"`
	Dependencies        []string            `json:"dependencies"`
}

// Milestone groups the findings of one priority bucket.
type Milestone struct {
	Date         time.Time           `json:"date"`
	Priority     normalizer.Severity `json:"priority"`
	Description  string              `json:"description"`
	Deliverables []string            `json:"deliverables"`
}

// Timeline spans the plan's milestones.
type Timeline struct {
	StartDate  time.Time   `json:"startDate"`
	EndDate    time.Time   `json:"endDate"`
	Milestones []Milestone `json:"milestones"`
}

// RemediationPlan is an ordered set of remediation items. Findings are
// referenced by id only.
type RemediationPlan struct {
	PlanID                 string              `json:"planId"`
	SubscriptionID         string              `json:"subscriptionId"`
	AssessmentID           string              `json:"assessmentId,omitempty"`
	CreatedAt              time.Time           `json:"createdAt"`
	TotalFindings          int                 `json:"totalFindings"`
	RemediationItems       []RemediationItem   `json:"remediationItems"`
	EstimatedEffort        time.Duration       `json:"estimatedEffort"`
	Priority               normalizer.Severity `json:"priority,omitempty"`
	ProjectedRiskReduction float64             `json:"projectedRiskReduction"`
	Timeline               *Timeline           `json:"timeline,omitempty"`
	ExecutiveSummary       string              `json:"executiveSummary"`
}

// Item returns the plan item for a finding.
func (p *RemediationPlan) Item(findingID string) (RemediationItem, bool) {
	for _, it := range p.RemediationItems {
		if it.FindingID == findingID {
			return it, true
		}
	}
	return RemediationItem{}, false
}

// MilestoneFor returns the milestone date of a priority bucket.
func (p *RemediationPlan) MilestoneFor(priority normalizer.Severity) (time.Time, bool) {
	if p.Timeline == nil {
		return time.Time{}, false
	}
	for _, m := range p.Timeline.Milestones {
		if m.Priority == priority.Bucket() {
			return m.Date, true
		}
	}
	return time.Time{}, false
}

// ProjectedRiskReduction returns 100 * auto-remediable weight / total weight
// using Critical=4, High=3, Medium=2, Low=1, Informational=0. Zero total
// weight yields 0.
func ProjectedRiskReduction(findings []normalizer.Finding) float64 {
	var auto, total int
	for _, f := range findings {
		w := f.Severity.Weight()
		total += w
		if f.IsAutoRemediable {
			auto += w
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(auto) / float64(total)
}

// PlanOptions narrows which findings enter a plan.
type PlanOptions struct {
	AssessmentID  string              `json:"assessmentId,omitempty"`
	Families      []string            `json:"families,omitempty"`
	MinSeverity   normalizer.Severity `json:"minSeverity,omitempty"`
	AutomatedOnly bool                `json:"automatedOnly,omitempty"`
}

// PlannerConfig holds timeline policy.
type PlannerConfig struct {
	// MilestoneOffsets is the time allotted to each priority bucket.
	// Milestone dates accumulate across the buckets present in a plan.
	MilestoneOffsets map[normalizer.Severity]time.Duration
}

// DefaultPlannerConfig returns sensible defaults.
func DefaultPlannerConfig() PlannerConfig {
	day := 24 * time.Hour
	return PlannerConfig{
		MilestoneOffsets: map[normalizer.Severity]time.Duration{
			normalizer.SeverityCritical: 2 * day,
			normalizer.SeverityHigh:     7 * day,
			normalizer.SeverityMedium:   30 * day,
			normalizer.SeverityLow:      90 * day,
		},
	}
}

// Planner builds remediation plans.
type Planner struct {
	complexity *scoring.ComplexityAssessor
	templates  *TemplateSet
	catalog    *catalog.Catalog
	config     PlannerConfig
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// PlannerOption customizes a Planner.
type PlannerOption func(*Planner)

// WithPlannerClock overrides the clock.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// WithPlanIDGenerator overrides plan id generation.
func WithPlanIDGenerator(fn func() string) PlannerOption {
	return func(p *Planner) { p.newID = fn }
}

// NewPlanner creates a planner. Nil dependencies fall back to defaults.
func NewPlanner(complexity *scoring.ComplexityAssessor, templates *TemplateSet, config PlannerConfig, logger *zap.Logger, opts ...PlannerOption) *Planner {
	if complexity == nil {
		complexity = scoring.NewComplexityAssessor(nil, scoring.DefaultComplexityConfig())
	}
	if templates == nil {
		templates = DefaultTemplates()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MilestoneOffsets == nil {
		config = DefaultPlannerConfig()
	}
	p := &Planner{
		complexity: complexity,
		templates:  templates,
		catalog:    catalog.Default(),
		config:     config,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BuildPlan orders findings into a remediation plan: automatable items
// first, then severity descending, then effort ascending.
func (p *Planner) BuildPlan(ctx context.Context, subscriptionID string, findings []normalizer.Finding, opts PlanOptions) (*RemediationPlan, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errs.Invalid("subscriptionId", "", "subscription id is required")
	}
	selected, err := p.filter(findings, opts)
	if err != nil {
		return nil, err
	}

	items := make([]RemediationItem, 0, len(selected))
	for _, f := range selected {
		item, err := p.buildItem(ctx, f)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sortItems(items)
	linkDependencies(items)

	plan := &RemediationPlan{
		PlanID:                 p.newID(),
		SubscriptionID:         subscriptionID,
		AssessmentID:           opts.AssessmentID,
		CreatedAt:              p.now().UTC(),
		TotalFindings:          len(selected),
		RemediationItems:       items,
		ProjectedRiskReduction: ProjectedRiskReduction(selected),
	}
	for _, it := range items {
		plan.EstimatedEffort += it.EstimatedEffort
		if it.Priority.Rank() > plan.Priority.Rank() {
			plan.Priority = it.Priority
		}
	}
	plan.Timeline = p.buildTimeline(plan.CreatedAt, items)
	plan.ExecutiveSummary = summarizePlan(plan)

	p.logger.Info("Remediation plan created",
		zap.String("plan_id", plan.PlanID),
		zap.String("subscription_id", subscriptionID),
		zap.Int("items", len(items)),
		zap.String("priority", string(plan.Priority)),
		zap.Float64("projected_risk_reduction", plan.ProjectedRiskReduction),
	)
	return plan, nil
}

func (p *Planner) filter(findings []normalizer.Finding, opts PlanOptions) ([]normalizer.Finding, error) {
	if opts.MinSeverity != "" && !opts.MinSeverity.Valid() {
		_, err := normalizer.ParseSeverity(string(opts.MinSeverity))
		return nil, err
	}
	families, err := p.resolveFamilies(opts.Families)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []normalizer.Finding
	for _, f := range findings {
		if seen[f.ID] {
			continue
		}
		if opts.MinSeverity != "" && !f.Severity.AtLeast(opts.MinSeverity) {
			continue
		}
		if opts.AutomatedOnly && !f.IsAutoRemediable {
			continue
		}
		if len(families) > 0 && !inAnyFamily(f, families) {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out, nil
}

func (p *Planner) resolveFamilies(codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	return p.catalog.Resolve(codes)
}

func inAnyFamily(f normalizer.Finding, families []string) bool {
	for _, fam := range families {
		if f.InFamily(fam) {
			return true
		}
	}
	return false
}

func (p *Planner) buildItem(ctx context.Context, f normalizer.Finding) (RemediationItem, error) {
	complexity := p.complexity.Assess(ctx, scoring.ComplexityInput{
		RuleID:       f.RuleID,
		ResourceID:   f.ResourceID,
		ResourceType: f.ResourceType,
		EnvType:      envFromResource(f.ResourceID),
	})
	rendered, err := p.templates.Render(f)
	if err != nil {
		return RemediationItem{}, err
	}
	return RemediationItem{
		FindingID:           f.ID,
		ControlID:           f.PrimaryControl(),
		ResourceID:          f.ResourceID,
		Title:               f.Title,
		Priority:            f.Severity.Bucket(),
		Severity:            f.Severity,
		EstimatedEffort:     complexity.EstimatedEffort,
		ComplexityTier:      complexity.TierName,
		AutomationAvailable: f.IsAutoRemediable,
		Steps:               rendered.Steps,
		ValidationSteps:     rendered.Validation,
		RollbackNotes:       rendered.Rollback,
		Dependencies:        []string{},
	}, nil
}

// envFromResource guesses the environment from naming conventions.
func envFromResource(resourceID string) string {
	id := strings.ToLower(resourceID)
	for _, marker := range []string{"-prod", "prod-", "/prod", "production"} {
		if strings.Contains(id, marker) {
			return "prod"
		}
	}
	return ""
}

func sortItems(items []RemediationItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.AutomationAvailable != b.AutomationAvailable {
			return a.AutomationAvailable
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.EstimatedEffort != b.EstimatedEffort {
			return a.EstimatedEffort < b.EstimatedEffort
		}
		return a.FindingID < b.FindingID
	})
}

// linkDependencies makes each item depend on the earlier items that touch
// the same resource, so per-resource changes are applied in plan order.
func linkDependencies(items []RemediationItem) {
	earlier := map[string][]string{}
	for i := range items {
		key := strings.ToLower(items[i].ResourceID)
		items[i].Dependencies = append([]string{}, earlier[key]...)
		earlier[key] = append(earlier[key], items[i].FindingID)
	}
}

func (p *Planner) buildTimeline(start time.Time, items []RemediationItem) *Timeline {
	if len(items) == 0 {
		return nil
	}
	buckets := map[normalizer.Severity][]string{}
	for _, it := range items {
		buckets[it.Priority] = append(buckets[it.Priority], it.FindingID)
	}

	t := &Timeline{StartDate: start, EndDate: start}
	var offset time.Duration
	for _, sev := range []normalizer.Severity{
		normalizer.SeverityCritical, normalizer.SeverityHigh, normalizer.SeverityMedium, normalizer.SeverityLow,
	} {
		ids, ok := buckets[sev]
		if !ok {
			continue
		}
		offset += p.config.MilestoneOffsets[sev]
		date := start.Add(offset)
		t.Milestones = append(t.Milestones, Milestone{
			Date:         date,
			Priority:     sev,
			Description:  fmt.Sprintf("Remediate %d %s priority finding(s)", len(ids), strings.ToLower(string(sev))),
			Deliverables: ids,
		})
		t.EndDate = date
	}
	return t
}

func summarizePlan(plan *RemediationPlan) string {
	if len(plan.RemediationItems) == 0 {
		return fmt.Sprintf("No remediation required for subscription %s.", plan.SubscriptionID)
	}
	var automated int
	var quickWins int
	for _, it := range plan.RemediationItems {
		if it.AutomationAvailable {
			automated++
			if it.EstimatedEffort <= time.Hour {
				quickWins++
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Remediation plan for subscription %s covers %d finding(s) at %s priority. ",
		plan.SubscriptionID, plan.TotalFindings, plan.Priority)
	fmt.Fprintf(&b, "%d item(s) can be remediated automatically (%d quick win(s) under one hour), ", automated, quickWins)
	fmt.Fprintf(&b, "reducing weighted risk by %.1f%%. ", plan.ProjectedRiskReduction)
	fmt.Fprintf(&b, "Estimated total effort: %.1f hours", plan.EstimatedEffort.Hours())
	if plan.Timeline != nil {
		fmt.Fprintf(&b, ", completing by %s", plan.Timeline.EndDate.Format("2006-01-02"))
	}
	b.WriteString(".")
	return b.String()
}
