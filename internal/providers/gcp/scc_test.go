package gcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/securitycenter/apiv1/securitycenterpb"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type fakeLister struct {
	parent   string
	findings []*securitycenterpb.Finding
	err      error
}

func (f *fakeLister) ListFindings(_ context.Context, parent, filter string) ([]*securitycenterpb.Finding, error) {
	f.parent = parent
	return f.findings, f.err
}

func TestSCCFetch(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &fakeLister{findings: []*securitycenterpb.Finding{
		{
			Name:         "organizations/1/sources/2/findings/abc",
			Category:     "PUBLIC_BUCKET_ACL",
			Description:  "Bucket is publicly readable.",
			ResourceName: "//storage.googleapis.com/projects/ops-prod/buckets/audit-logs",
			Severity:     securitycenterpb.Finding_HIGH,
			State:        securitycenterpb.Finding_ACTIVE,
			NextSteps:    "Remove allUsers from the bucket IAM policy.",
			EventTime:    timestamppb.New(at),
			Compliances: []*securitycenterpb.Compliance{
				{Standard: "cis", Version: "1.2", Ids: []string{"5.1"}},
				{Standard: "nist", Version: "800-53", Ids: []string{"ac-3", "SC-7"}},
			},
		},
		nil,
		{Category: "OPEN_FIREWALL", ResourceName: "firewall-1"},
	}}
	s := NewSCCScanner(l, zaptest.NewLogger(t))

	obs, err := s.Fetch(context.Background(), "ops-prod", "")
	if err != nil {
		t.Fatal(err)
	}
	if l.parent != "projects/ops-prod/sources/-" {
		t.Errorf("parent = %s", l.parent)
	}
	if len(obs) != 2 {
		t.Fatalf("observations = %d, want 2", len(obs))
	}
	o := obs[0]
	if o.RuleID != "PUBLIC_BUCKET_ACL" || o.Severity != "HIGH" || o.Status != "ACTIVE" {
		t.Errorf("observation = %+v", o)
	}
	if o.ResourceName != "audit-logs" || o.ResourceType != "storage.googleapis.com" || o.SubscriptionID != "ops-prod" {
		t.Errorf("resource = %s %s %s", o.ResourceName, o.ResourceType, o.SubscriptionID)
	}
	if strings.Join(o.Controls, ",") != "AC-3,SC-7" {
		t.Errorf("controls = %v", o.Controls)
	}
	if !o.ObservedAt.Equal(at) || o.Properties["recommendation"] == "" {
		t.Errorf("observedAt/properties = %v %v", o.ObservedAt, o.Properties)
	}
	if obs[1].SubscriptionID != "ops-prod" || obs[1].ResourceType != "" {
		t.Errorf("fallback observation = %+v", obs[1])
	}
}

func TestSCCFetchError(t *testing.T) {
	s := NewSCCScanner(&fakeLister{err: errors.New("permission denied")}, zaptest.NewLogger(t))
	if _, err := s.Fetch(context.Background(), "p", ""); err == nil {
		t.Error("expected error")
	}
}

func TestExtractProjectID(t *testing.T) {
	if got := extractProjectID("//compute.googleapis.com/projects/p1/zones/us-east1-b/instances/vm"); got != "p1" {
		t.Errorf("project = %q", got)
	}
	if got := extractProjectID("no-project"); got != "" {
		t.Errorf("project = %q", got)
	}
}
