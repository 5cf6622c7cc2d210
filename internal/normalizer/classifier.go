package normalizer

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// Classifier converts raw observations into Findings.
type Classifier struct {
	rules   *RuleSet
	catalog *catalog.Catalog
	logger  *zap.Logger
	now     func() time.Time
}

// ClassifierOption customizes a Classifier.
type ClassifierOption func(*Classifier)

// WithClock overrides the clock used for observations without a timestamp.
func WithClock(now func() time.Time) ClassifierOption {
	return func(c *Classifier) { c.now = now }
}

// WithCatalog sets the catalog used to resolve finding categories.
func WithCatalog(cat *catalog.Catalog) ClassifierOption {
	return func(c *Classifier) { c.catalog = cat }
}

// NewClassifier creates a classifier backed by rules.
func NewClassifier(rules *RuleSet, logger *zap.Logger, opts ...ClassifierOption) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		rules:   rules,
		catalog: catalog.Default(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps one observation to a Finding. The same resource and rule
// always produce the same id and severity.
func (c *Classifier) Classify(raw RawObservation) (Finding, error) {
	resourceID := strings.TrimSpace(raw.ResourceID)
	if resourceID == "" {
		return Finding{}, errs.Invalid("resourceId", "", "observation has no resource id")
	}
	if strings.TrimSpace(raw.RuleID) == "" && strings.TrimSpace(raw.Title) == "" {
		return Finding{}, errs.Invalid("ruleId", "", "observation has neither rule id nor title")
	}

	rule, matched := c.rules.Match(raw)

	f := Finding{
		ResourceID:       resourceID,
		ResourceType:     raw.ResourceType,
		ResourceName:     raw.ResourceName,
		ComplianceStatus: StatusNonCompliant,
		Source:           raw.Source,
		SubscriptionID:   raw.SubscriptionID,
		Version:          1,
	}
	if f.ResourceName == "" {
		f.ResourceName = resourceNameFromID(resourceID)
	}

	var controls []string
	if matched {
		f.RuleID = rule.ID
		f.Severity = rule.Severity
		f.IsAutoRemediable = rule.AutoRemediable
		f.Title = firstNonEmpty(raw.Title, rule.Title)
		f.Description = firstNonEmpty(raw.Description, rule.Title)
		f.Recommendation = rule.Recommendation
		f.RemediationGuidance = rule.Guidance
		f.Category = rule.Category
		controls = append(controls, rule.Controls...)
	} else {
		f.RuleID = firstNonEmpty(strings.TrimSpace(raw.RuleID), slug(raw.Title))
		sev, err := ParseSeverity(raw.Severity)
		if err != nil {
			sev = SeverityMedium
			c.logger.Debug("Unknown severity hint, defaulting to Medium",
				zap.String("rule_id", f.RuleID),
				zap.String("severity", raw.Severity),
			)
		}
		f.Severity = sev
		f.Title = firstNonEmpty(raw.Title, f.RuleID)
		f.Description = raw.Description
		f.Recommendation = raw.Properties["recommendation"]
		f.RemediationGuidance = raw.Properties["guidance"]
		f.ComplianceStatus = firstNonEmpty(raw.Status, StatusNonCompliant)
	}
	controls = append(controls, raw.Controls...)
	f.AffectedControls = normalizeControls(controls)
	if len(f.AffectedControls) == 0 {
		return Finding{}, errs.Invalid("affectedControls", f.RuleID, "observation maps to no controls")
	}
	if f.Category == "" {
		if fam, err := c.catalog.Family(catalog.FamilyOf(f.AffectedControls[0])); err == nil {
			f.Category = fam.Category
		}
	}

	f.ID = GenerateFindingID(resourceID, f.RuleID)
	f.DetectedAt = raw.ObservedAt
	if f.DetectedAt.IsZero() {
		f.DetectedAt = c.now()
	}
	f.DetectedAt = f.DetectedAt.UTC()

	return f, nil
}

// ClassifyAll classifies a batch, deduplicating by finding id. Observations
// that cannot be classified are logged and skipped.
func (c *Classifier) ClassifyAll(raws []RawObservation) []Finding {
	seen := make(map[string]bool, len(raws))
	findings := make([]Finding, 0, len(raws))
	for _, raw := range raws {
		f, err := c.Classify(raw)
		if err != nil {
			c.logger.Warn("Skipping unclassifiable observation",
				zap.String("source", raw.Source),
				zap.String("resource_id", raw.ResourceID),
				zap.String("rule_id", raw.RuleID),
				zap.Error(err),
			)
			continue
		}
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		findings = append(findings, f)
	}
	return findings
}

// normalizeControls upper-cases, trims and deduplicates control ids, keeping order.
func normalizeControls(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || !strings.Contains(c, "-") || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func resourceNameFromID(id string) string {
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndexAny(id, "/:"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}), "-")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
