package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/providers"
)

// SourceDefender names observations reported by Defender for Cloud.
const SourceDefender = "azure-defender"

// Unhealthy Defender assessments in scope of the query.
const assessmentsQuery = `securityresources
| where type == "microsoft.security/assessments"
| where properties.status.code == "Unhealthy"
%s| project
	id,
	name,
	subscriptionId,
	resourceGroup,
	severity = tostring(properties.metadata.severity),
	title = tostring(properties.displayName),
	description = tostring(properties.metadata.description),
	remediation = tostring(properties.metadata.remediationDescription),
	resourceId = tostring(properties.resourceDetails.Id),
	statusChanged = tostring(properties.status.statusChangeDate)
`

// Failed assessments of the NIST SP 800-53 R5 regulatory standard. The
// control id and assessment key are path segments of the row id.
const regulatoryQuery = `securityresources
| where type == "microsoft.security/regulatorycompliancestandards/regulatorycompliancecontrols/regulatorycomplianceassessments"
| where id contains "/regulatoryComplianceStandards/NIST-SP-800-53-R5/"
| project id
`

// DefenderScanner reads unhealthy Defender for Cloud assessments through
// Resource Graph.
type DefenderScanner struct {
	client     GraphClient
	logger     *zap.Logger
	classifier *normalizer.Classifier
	ttl        time.Duration
}

// DefenderOption configures a DefenderScanner.
type DefenderOption func(*DefenderScanner)

// WithClassifier lets Verify compare findings by classified id.
func WithClassifier(c *normalizer.Classifier) DefenderOption {
	return func(s *DefenderScanner) { s.classifier = c }
}

// WithCacheTTL sets how long fetched assessments are reused across families.
func WithCacheTTL(ttl time.Duration) DefenderOption {
	return func(s *DefenderScanner) { s.ttl = ttl }
}

// NewDefenderScanner creates a Defender scanner.
func NewDefenderScanner(client GraphClient, logger *zap.Logger, opts ...DefenderOption) *DefenderScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DefenderScanner{client: client, logger: logger, ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scanner returns the cached per-family scanner used by the orchestrator.
func (s *DefenderScanner) Scanner() *providers.CachedScanner {
	return providers.NewCachedScanner(SourceDefender, s.Fetch, s.ttl)
}

// Fetch returns every unhealthy assessment of a subscription.
func (s *DefenderScanner) Fetch(ctx context.Context, subscriptionID, resourceGroup string) ([]normalizer.RawObservation, error) {
	filter, err := resourceGroupFilter(resourceGroup)
	if err != nil {
		return nil, err
	}
	rows, err := queryAll(ctx, s.client, fmt.Sprintf(assessmentsQuery, filter), []string{subscriptionID})
	if err != nil {
		return nil, err
	}
	controls, err := s.regulatoryControls(ctx, subscriptionID)
	if err != nil {
		// Observations without controls are still classified by rule.
		s.logger.Warn("regulatory compliance mapping unavailable",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err),
		)
	}

	obs := make([]normalizer.RawObservation, 0, len(rows))
	for _, row := range rows {
		obs = append(obs, s.observation(row, subscriptionID, controls))
	}
	s.logger.Debug("defender assessments fetched",
		zap.String("subscription_id", subscriptionID),
		zap.String("resource_group", resourceGroup),
		zap.Int("count", len(obs)),
	)
	return obs, nil
}

func (s *DefenderScanner) observation(row map[string]interface{}, subscriptionID string, controls map[string][]string) normalizer.RawObservation {
	key := strings.ToLower(getString(row, "name"))
	resourceID := getString(row, "resourceId")
	if resourceID == "" {
		resourceID = getString(row, "id")
	}
	o := normalizer.RawObservation{
		Source:         SourceDefender,
		SubscriptionID: firstNonEmpty(getString(row, "subscriptionId"), subscriptionID),
		ResourceID:     resourceID,
		ResourceType:   typeFromID(resourceID),
		ResourceName:   nameFromID(resourceID),
		RuleID:         key,
		Title:          getString(row, "title"),
		Description:    getString(row, "description"),
		Severity:       getString(row, "severity"),
		Controls:       controls[key],
		Status:         "Unhealthy",
	}
	if t, err := time.Parse(time.RFC3339, getString(row, "statusChanged")); err == nil {
		o.ObservedAt = t.UTC()
	}
	if r := getString(row, "remediation"); r != "" {
		o.Properties = map[string]string{"recommendation": r}
	}
	return o
}

// regulatoryControls maps assessment keys to NIST controls.
func (s *DefenderScanner) regulatoryControls(ctx context.Context, subscriptionID string) (map[string][]string, error) {
	rows, err := queryAll(ctx, s.client, regulatoryQuery, []string{subscriptionID})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, row := range rows {
		control, key, ok := parseRegulatoryID(getString(row, "id"))
		if !ok {
			continue
		}
		if !contains(out[key], control) {
			out[key] = append(out[key], control)
		}
	}
	return out, nil
}

// parseRegulatoryID extracts the control and assessment key from
// .../regulatoryComplianceControls/<control>/regulatoryComplianceAssessments/<key>.
func parseRegulatoryID(id string) (control, key string, ok bool) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i := 0; i+3 < len(parts); i++ {
		if strings.EqualFold(parts[i], "regulatoryComplianceControls") &&
			strings.EqualFold(parts[i+2], "regulatoryComplianceAssessments") {
			return strings.ToUpper(parts[i+1]), strings.ToLower(parts[i+3]), true
		}
	}
	return "", "", false
}

// Verify reports whether the finding's resource no longer has a matching
// unhealthy assessment.
func (s *DefenderScanner) Verify(ctx context.Context, finding normalizer.Finding) (bool, string, error) {
	if finding.ResourceID == "" {
		return false, "", fmt.Errorf("finding %s has no resource id", finding.ID)
	}
	query := fmt.Sprintf(assessmentsQuery,
		fmt.Sprintf("| where tolower(tostring(properties.resourceDetails.Id)) == tolower(%s)\n", kqlString(finding.ResourceID)))
	var subs []string
	if finding.SubscriptionID != "" {
		subs = []string{finding.SubscriptionID}
	}
	rows, err := queryAll(ctx, s.client, query, subs)
	if err != nil {
		return false, "", err
	}
	for _, row := range rows {
		if s.matches(finding, s.observation(row, finding.SubscriptionID, nil)) {
			return false, fmt.Sprintf("assessment %q is still unhealthy", getString(row, "title")), nil
		}
	}
	return true, fmt.Sprintf("no unhealthy assessment matches %s on %s", finding.RuleID, nameFromID(finding.ResourceID)), nil
}

func (s *DefenderScanner) matches(finding normalizer.Finding, o normalizer.RawObservation) bool {
	if s.classifier != nil {
		if f, err := s.classifier.Classify(o); err == nil {
			return f.ID == finding.ID
		}
	}
	return strings.EqualFold(o.RuleID, finding.RuleID) || strings.EqualFold(o.Title, finding.Title)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
