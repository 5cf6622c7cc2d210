// Package aws reads compliance findings from AWS Security Hub.
package aws

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/providers"
)

// SourceSecurityHub names observations reported by Security Hub.
const SourceSecurityHub = "aws-securityhub"

// nistRequirement matches "NIST.800-53.r5 AC-2" and "NIST.800-53.r5 SC-7(4)".
var nistRequirement = regexp.MustCompile(`^NIST\.800-53\.r5\s+([A-Za-z]{2}-\d+(?:\(\d+\))?)$`)

// SecurityHubScanner reads active, failed Security Hub findings. The
// subscription id of a scan is the AWS account id.
type SecurityHubScanner struct {
	client securityhub.GetFindingsAPIClient
	logger *zap.Logger
	ttl    time.Duration
}

// NewSecurityHubScanner creates a scanner over client.
func NewSecurityHubScanner(client securityhub.GetFindingsAPIClient, logger *zap.Logger) *SecurityHubScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityHubScanner{client: client, logger: logger, ttl: 5 * time.Minute}
}

// NewClient loads the default AWS configuration for region.
func NewClient(ctx context.Context, region string) (*securityhub.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return securityhub.NewFromConfig(cfg), nil
}

// Scanner returns the cached per-family scanner used by the orchestrator.
func (p *SecurityHubScanner) Scanner() *providers.CachedScanner {
	return providers.NewCachedScanner(SourceSecurityHub, p.Fetch, p.ttl)
}

// Fetch returns the active failed findings of an account. Resource groups
// do not exist in AWS and are ignored.
func (p *SecurityHubScanner) Fetch(ctx context.Context, accountID, _ string) ([]normalizer.RawObservation, error) {
	filters := &types.AwsSecurityFindingFilters{
		AwsAccountId: []types.StringFilter{
			{Value: aws.String(accountID), Comparison: types.StringFilterComparisonEquals},
		},
		WorkflowStatus: []types.StringFilter{
			{Value: aws.String("NEW"), Comparison: types.StringFilterComparisonEquals},
			{Value: aws.String("NOTIFIED"), Comparison: types.StringFilterComparisonEquals},
		},
		RecordState: []types.StringFilter{
			{Value: aws.String("ACTIVE"), Comparison: types.StringFilterComparisonEquals},
		},
		ComplianceStatus: []types.StringFilter{
			{Value: aws.String("FAILED"), Comparison: types.StringFilterComparisonEquals},
		},
	}

	paginator := securityhub.NewGetFindingsPaginator(p.client, &securityhub.GetFindingsInput{
		Filters:    filters,
		MaxResults: aws.Int32(100),
	})

	var obs []normalizer.RawObservation
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get findings page: %w", err)
		}
		for _, f := range page.Findings {
			if aws.ToString(f.AwsAccountId) != accountID {
				continue
			}
			obs = append(obs, observation(f))
		}
	}
	p.logger.Debug("security hub findings fetched",
		zap.String("account_id", accountID),
		zap.Int("count", len(obs)),
	)
	return obs, nil
}

func observation(f types.AwsSecurityFinding) normalizer.RawObservation {
	o := normalizer.RawObservation{
		Source:         SourceSecurityHub,
		SubscriptionID: aws.ToString(f.AwsAccountId),
		RuleID:         aws.ToString(f.GeneratorId),
		Title:          aws.ToString(f.Title),
		Description:    aws.ToString(f.Description),
		Status:         "FAILED",
		Properties:     map[string]string{},
	}
	if f.Severity != nil {
		o.Severity = string(f.Severity.Label)
	}
	if len(f.Resources) > 0 {
		o.ResourceID = aws.ToString(f.Resources[0].Id)
		o.ResourceType = aws.ToString(f.Resources[0].Type)
		o.ResourceName = resourceName(o.ResourceID)
	}
	if f.Compliance != nil {
		if id := aws.ToString(f.Compliance.SecurityControlId); id != "" {
			o.RuleID = id
		}
		for _, req := range f.Compliance.RelatedRequirements {
			if m := nistRequirement.FindStringSubmatch(strings.TrimSpace(req)); m != nil {
				o.Controls = append(o.Controls, strings.ToUpper(m[1]))
			}
		}
	}
	if f.Remediation != nil && f.Remediation.Recommendation != nil {
		o.Properties["recommendation"] = aws.ToString(f.Remediation.Recommendation.Text)
		o.Properties["guidance"] = aws.ToString(f.Remediation.Recommendation.Url)
	}
	if f.Region != nil {
		o.Properties["region"] = aws.ToString(f.Region)
	}
	if t, err := time.Parse(time.RFC3339, aws.ToString(f.FirstObservedAt)); err == nil {
		o.ObservedAt = t.UTC()
	}
	return o
}

// resourceName returns the final segment of an ARN.
func resourceName(arn string) string {
	if i := strings.LastIndexAny(arn, ":/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
