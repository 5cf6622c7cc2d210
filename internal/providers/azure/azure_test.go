package azure

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resourcegraph/armresourcegraph"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

const (
	testSub     = "00000000-0000-0000-0000-000000000001"
	storageID   = "/subscriptions/" + testSub + "/resourceGroups/rg-app/providers/Microsoft.Storage/storageAccounts/stapp"
	assessmentK = "4fb67663-9ab9-475d-b026-8c544cced439"
)

// fakeGraph answers queries by the first matching substring. Each answer
// is a list of pages.
type fakeGraph struct {
	mu      sync.Mutex
	answers map[string][][]interface{}
	err     error
	queries []string
}

func (g *fakeGraph) Resources(_ context.Context, req armresourcegraph.QueryRequest, _ *armresourcegraph.ClientResourcesOptions) (armresourcegraph.ClientResourcesResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := *req.Query
	g.queries = append(g.queries, q)
	if g.err != nil {
		return armresourcegraph.ClientResourcesResponse{}, g.err
	}
	for marker, pages := range g.answers {
		if !strings.Contains(q, marker) {
			continue
		}
		page := 0
		if req.Options != nil && req.Options.SkipToken != nil {
			page = int((*req.Options.SkipToken)[0] - '0')
		}
		resp := armresourcegraph.ClientResourcesResponse{}
		resp.Data = pages[page]
		if page+1 < len(pages) {
			resp.SkipToken = to.Ptr(string(rune('0' + page + 1)))
		}
		return resp, nil
	}
	return armresourcegraph.ClientResourcesResponse{}, nil
}

func row(kv ...string) map[string]interface{} {
	m := map[string]interface{}{}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func defenderGraph() *fakeGraph {
	return &fakeGraph{answers: map[string][][]interface{}{
		`"microsoft.security/assessments"`: {
			{row(
				"name", strings.ToUpper(assessmentK),
				"subscriptionId", testSub,
				"severity", "High",
				"title", "Storage account public access should be disallowed",
				"description", "Anonymous read access is enabled.",
				"remediation", "Disable blob public access.",
				"resourceId", storageID,
				"statusChanged", "2026-03-01T10:00:00Z",
			)},
			{row(
				"name", "other",
				"severity", "Low",
				"title", "Tags should be applied",
				"resourceId", "/subscriptions/"+testSub+"/resourceGroups/rg-app/providers/Microsoft.Web/sites/web1",
			)},
		},
		"regulatorycomplianceassessments": {
			{
				row("id", "/subscriptions/"+testSub+"/providers/Microsoft.Security/regulatoryComplianceStandards/NIST-SP-800-53-R5/regulatoryComplianceControls/AC-3/regulatoryComplianceAssessments/"+assessmentK),
				row("id", "/subscriptions/"+testSub+"/providers/Microsoft.Security/regulatoryComplianceStandards/NIST-SP-800-53-R5/regulatoryComplianceControls/SC-7/regulatoryComplianceAssessments/"+assessmentK),
				row("id", "/malformed"),
			},
		},
	}}
}

func TestDefenderFetchFollowsPagesAndMapsControls(t *testing.T) {
	g := defenderGraph()
	s := NewDefenderScanner(g, zaptest.NewLogger(t))

	obs, err := s.Fetch(context.Background(), testSub, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 2 {
		t.Fatalf("observations = %d, want 2", len(obs))
	}
	o := obs[0]
	if o.Source != SourceDefender || o.RuleID != assessmentK {
		t.Errorf("source/rule = %s/%s", o.Source, o.RuleID)
	}
	if o.ResourceType != "Microsoft.Storage/storageAccounts" || o.ResourceName != "stapp" {
		t.Errorf("resource type/name = %s/%s", o.ResourceType, o.ResourceName)
	}
	if strings.Join(o.Controls, ",") != "AC-3,SC-7" {
		t.Errorf("controls = %v", o.Controls)
	}
	if o.ObservedAt.IsZero() || o.Properties["recommendation"] != "Disable blob public access." {
		t.Errorf("observedAt/properties = %v/%v", o.ObservedAt, o.Properties)
	}
	if len(obs[1].Controls) != 0 || obs[1].SubscriptionID != testSub {
		t.Errorf("second observation = %+v", obs[1])
	}
}

func TestDefenderFetchResourceGroupFilter(t *testing.T) {
	g := defenderGraph()
	s := NewDefenderScanner(g, zaptest.NewLogger(t))

	if _, err := s.Fetch(context.Background(), testSub, "rg-app"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(g.queries[0], "tolower('rg-app')") {
		t.Errorf("query missing resource group filter:\n%s", g.queries[0])
	}

	_, err := s.Fetch(context.Background(), testSub, "rg' or 1==1")
	if !errs.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestDefenderFetchUpstreamError(t *testing.T) {
	g := &fakeGraph{err: errors.New("throttled")}
	s := NewDefenderScanner(g, zaptest.NewLogger(t))
	if _, err := s.Fetch(context.Background(), testSub, ""); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("err = %v", err)
	}
}

func TestDefenderVerify(t *testing.T) {
	classifier := normalizer.NewClassifier(normalizer.DefaultRules(), zaptest.NewLogger(t))
	g := defenderGraph()
	s := NewDefenderScanner(g, zaptest.NewLogger(t), WithClassifier(classifier))

	obs, err := s.Fetch(context.Background(), testSub, "")
	if err != nil {
		t.Fatal(err)
	}
	finding, err := classifier.Classify(obs[0])
	if err != nil {
		t.Fatal(err)
	}

	passed, detail, err := s.Verify(context.Background(), finding)
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Errorf("passed while assessment is still unhealthy: %s", detail)
	}

	g.answers[`"microsoft.security/assessments"`] = [][]interface{}{{}}
	passed, _, err = s.Verify(context.Background(), finding)
	if err != nil || !passed {
		t.Errorf("passed = %v, err = %v after remediation", passed, err)
	}

	if _, _, err := s.Verify(context.Background(), normalizer.Finding{ID: "x"}); err == nil {
		t.Error("expected error for finding without resource")
	}
}

func TestSubscriptionDirectory(t *testing.T) {
	g := &fakeGraph{answers: map[string][][]interface{}{
		"'Production'": {{row("subscriptionId", testSub, "name", "Production")}},
		"'Shared'":     {{row("subscriptionId", "a"), row("subscriptionId", "b")}},
	}}
	d := NewSubscriptionDirectory(g)
	ctx := context.Background()

	id, found, err := d.LookupSubscription(ctx, "Production")
	if err != nil || !found || id != testSub {
		t.Errorf("Production = %q %v %v", id, found, err)
	}
	if _, found, err := d.LookupSubscription(ctx, "Missing"); err != nil || found {
		t.Errorf("Missing found = %v err = %v", found, err)
	}
	if _, _, err := d.LookupSubscription(ctx, "Shared"); err == nil {
		t.Error("expected ambiguity error")
	}
	if _, found, _ := d.LookupSubscription(ctx, "  "); found {
		t.Error("blank name resolved")
	}
}

func TestKQLStringEscapes(t *testing.T) {
	if got := kqlString(`it's a\b`); got != `'it\'s a\\b'` {
		t.Errorf("kqlString = %s", got)
	}
}

func TestMetadataProvider(t *testing.T) {
	vnet := "/subscriptions/" + testSub + "/resourceGroups/net/providers/Microsoft.Network/virtualNetworks/hub"
	web := "/subscriptions/" + testSub + "/resourceGroups/app/providers/Microsoft.Web/sites/web1"
	g := &fakeGraph{answers: map[string][][]interface{}{
		"web1": {{map[string]interface{}{"tags": map[string]interface{}{"Shared": "true"}}}},
	}}
	p := NewMetadataProvider(g)
	ctx := context.Background()

	if ok, _ := p.IsStateful(ctx, storageID, ""); !ok {
		t.Error("storage account should be stateful")
	}
	if ok, _ := p.IsStateful(ctx, web, "Microsoft.Web/sites"); ok {
		t.Error("web app should not be stateful")
	}
	if ok, _ := p.IsSharedResource(ctx, vnet); !ok {
		t.Error("virtual network should be shared")
	}
	if ok, err := p.IsSharedResource(ctx, web); err != nil || !ok {
		t.Errorf("tagged web app shared = %v, err = %v", ok, err)
	}
	if ok, _ := p.IsSharedResource(ctx, storageID); ok {
		t.Error("untagged storage account should not be shared")
	}
	if n := len(g.queries); n != 2 {
		t.Errorf("graph queries = %d, want 2", n)
	}
	if _, err := p.IsSharedResource(ctx, web); err != nil || len(g.queries) != 2 {
		t.Error("tags should be cached")
	}
}

func TestConfigurationSource(t *testing.T) {
	g := &fakeGraph{answers: map[string][][]interface{}{
		"supportsHttpsTrafficOnly": {{map[string]interface{}{"id": storageID, "httpsOnly": true, "minimumTlsVersion": "TLS1_2"}}},
		"securityRules":            {{map[string]interface{}{"id": "nsg1", "rules": 4.0}}},
	}}
	s := NewConfigurationSource(g)

	items, err := s.Collect(context.Background(), evidence.Request{SubscriptionID: testSub, Family: catalog.Family{Code: "SC"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	byControl := map[string]evidence.EvidenceItem{}
	for _, it := range items {
		byControl[it.ControlID] = it
	}
	sc8, ok := byControl["SC-8"]
	if !ok || sc8.ResourceID != storageID || sc8.Data["httpsOnly"] != true || sc8.EvidenceType != evidence.TypeConfiguration {
		t.Errorf("SC-8 item = %+v", sc8)
	}
	if _, ok := sc8.Data["id"]; ok {
		t.Error("id should not be repeated in data")
	}

	none, err := s.Collect(context.Background(), evidence.Request{SubscriptionID: testSub, Family: catalog.Family{Code: "PE"}})
	if err != nil || len(none) != 0 {
		t.Errorf("PE items = %d, err = %v", len(none), err)
	}
}

type fakeResourceAPI struct {
	current armresources.GenericResource
	updates []armresources.GenericResource
	puts    []armresources.GenericResource
	failPut error
}

func (f *fakeResourceAPI) Get(_ context.Context, id, version string) (armresources.GenericResource, error) {
	return f.current, nil
}

func (f *fakeResourceAPI) Update(_ context.Context, id, version string, patch armresources.GenericResource) (armresources.GenericResource, error) {
	f.updates = append(f.updates, patch)
	return f.current, nil
}

func (f *fakeResourceAPI) Put(_ context.Context, id, version string, res armresources.GenericResource) error {
	if f.failPut != nil {
		return f.failPut
	}
	f.puts = append(f.puts, res)
	return nil
}

func TestMutatorSnapshotApplyRestore(t *testing.T) {
	store, err := remediation.NewFileBackupStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	api := &fakeResourceAPI{current: armresources.GenericResource{
		ID:         to.Ptr(storageID),
		Location:   to.Ptr("eastus"),
		Properties: map[string]interface{}{"allowBlobPublicAccess": true},
	}}
	m := NewMutator(api, store, zaptest.NewLogger(t))
	ctx := context.Background()

	backupID, err := m.Snapshot(ctx, storageID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Load(backupID)
	if err != nil {
		t.Fatal(err)
	}
	if b.APIVersion != "2023-01-01" || b.ResourceID != storageID {
		t.Errorf("backup = %+v", b)
	}

	res, err := m.ApplyChange(ctx, storageID, remediation.Change{
		Order:       1,
		Description: "Disable anonymous blob access",
		Patch:       map[string]any{"properties": map[string]any{"allowBlobPublicAccess": false}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Summary, "stapp") {
		t.Errorf("summary = %q", res.Summary)
	}
	props, _ := json.Marshal(api.updates[0].Properties)
	if string(props) != `{"allowBlobPublicAccess":false}` {
		t.Errorf("patch properties = %s", props)
	}

	if _, err := m.ApplyChange(ctx, storageID, remediation.Change{Order: 2, Command: "az storage account update"}); err == nil {
		t.Error("expected error for command-only step")
	}

	if err := m.Restore(ctx, backupID); err != nil {
		t.Fatal(err)
	}
	if len(api.puts) != 1 || *api.puts[0].Location != "eastus" {
		t.Errorf("restored = %+v", api.puts)
	}

	api.failPut = errors.New("conflict")
	if err := m.Restore(ctx, backupID); !errs.IsUpstream(err) {
		t.Errorf("err = %v, want upstream", err)
	}
	if err := m.Restore(ctx, "bak-missing"); !errs.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestAPIVersionFor(t *testing.T) {
	if v, _ := apiVersionFor(storageID, "2019-06-01"); v != "2019-06-01" {
		t.Errorf("explicit version = %s", v)
	}
	if _, err := apiVersionFor("/subscriptions/x/resourceGroups/y/providers/Contoso.Widgets/widgets/w", ""); !errs.IsValidation(err) {
		t.Errorf("err = %v, want validation", err)
	}
}
