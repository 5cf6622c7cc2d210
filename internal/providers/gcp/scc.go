// Package gcp reads compliance findings from Security Command Center.
package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	securitycenter "cloud.google.com/go/securitycenter/apiv1"
	"cloud.google.com/go/securitycenter/apiv1/securitycenterpb"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/providers"
)

// SourceSCC names observations reported by Security Command Center.
const SourceSCC = "gcp-scc"

const activeFilter = `state="ACTIVE" AND mute!="MUTED"`

// FindingLister lists SCC findings under a parent.
type FindingLister interface {
	ListFindings(ctx context.Context, parent, filter string) ([]*securitycenterpb.Finding, error)
}

type sccLister struct {
	client *securitycenter.Client
}

// NewClient creates an SCC client with application default credentials.
func NewClient(ctx context.Context) (*securitycenter.Client, error) {
	client, err := securitycenter.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create SCC client: %w", err)
	}
	return client, nil
}

// NewLister adapts an SCC client to FindingLister.
func NewLister(client *securitycenter.Client) FindingLister {
	return &sccLister{client: client}
}

func (l *sccLister) ListFindings(ctx context.Context, parent, filter string) ([]*securitycenterpb.Finding, error) {
	it := l.client.ListFindings(ctx, &securitycenterpb.ListFindingsRequest{
		Parent: parent,
		Filter: filter,
	})
	var out []*securitycenterpb.Finding
	for {
		result, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate findings: %w", err)
		}
		out = append(out, result.Finding)
	}
}

// SCCScanner reads active SCC findings of a project. The subscription id
// of a scan is the GCP project id.
type SCCScanner struct {
	lister FindingLister
	logger *zap.Logger
	ttl    time.Duration
}

// NewSCCScanner creates a scanner over lister.
func NewSCCScanner(lister FindingLister, logger *zap.Logger) *SCCScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SCCScanner{lister: lister, logger: logger, ttl: 5 * time.Minute}
}

// Scanner returns the cached per-family scanner used by the orchestrator.
func (s *SCCScanner) Scanner() *providers.CachedScanner {
	return providers.NewCachedScanner(SourceSCC, s.Fetch, s.ttl)
}

// Fetch lists active findings of a project. Resource groups do not exist
// in GCP and are ignored.
func (s *SCCScanner) Fetch(ctx context.Context, projectID, _ string) ([]normalizer.RawObservation, error) {
	findings, err := s.lister.ListFindings(ctx, fmt.Sprintf("projects/%s/sources/-", projectID), activeFilter)
	if err != nil {
		return nil, err
	}
	obs := make([]normalizer.RawObservation, 0, len(findings))
	for _, f := range findings {
		if f == nil {
			continue
		}
		o := observation(f)
		if o.SubscriptionID == "" {
			o.SubscriptionID = projectID
		}
		obs = append(obs, o)
	}
	s.logger.Debug("scc findings fetched",
		zap.String("project_id", projectID),
		zap.Int("count", len(obs)),
	)
	return obs, nil
}

func observation(f *securitycenterpb.Finding) normalizer.RawObservation {
	o := normalizer.RawObservation{
		Source:         SourceSCC,
		SubscriptionID: extractProjectID(f.ResourceName),
		ResourceID:     f.ResourceName,
		ResourceName:   lastSegment(f.ResourceName),
		ResourceType:   serviceOf(f.ResourceName),
		RuleID:         f.Category,
		Title:          f.Category,
		Description:    f.Description,
		Severity:       f.Severity.String(),
		Status:         f.State.String(),
	}
	for _, c := range f.Compliances {
		if !strings.HasPrefix(strings.ToLower(c.Standard), "nist") {
			continue
		}
		for _, id := range c.Ids {
			o.Controls = append(o.Controls, strings.ToUpper(strings.TrimSpace(id)))
		}
	}
	if f.NextSteps != "" {
		o.Properties = map[string]string{"recommendation": f.NextSteps}
	}
	if f.EventTime != nil {
		o.ObservedAt = f.EventTime.AsTime().UTC()
	}
	return o
}

// extractProjectID extracts the project id from a full resource name such
// as //compute.googleapis.com/projects/{project}/zones/...
func extractProjectID(resourceName string) string {
	parts := strings.Split(resourceName, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "projects" {
			return parts[i+1]
		}
	}
	return ""
}

func lastSegment(resourceName string) string {
	resourceName = strings.TrimRight(resourceName, "/")
	if i := strings.LastIndexByte(resourceName, '/'); i >= 0 {
		return resourceName[i+1:]
	}
	return resourceName
}

// serviceOf returns the API host of a full resource name.
func serviceOf(resourceName string) string {
	rest := strings.TrimPrefix(resourceName, "//")
	if i := strings.IndexByte(rest, '/'); i > 0 && rest != resourceName {
		return rest[:i]
	}
	return ""
}
