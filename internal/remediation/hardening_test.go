package remediation

import (
	"testing"

	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

type fakeView struct {
	scores   map[string]float64
	findings []normalizer.Finding
}

func (v fakeView) Subscription() string              { return testSub }
func (v fakeView) FamilyScores() map[string]float64  { return v.scores }
func (v fakeView) AllFindings() []normalizer.Finding { return v.findings }

func TestGenerateHardeningActions(t *testing.T) {
	view := fakeView{
		scores: map[string]float64{"AC": 70, "SC": 50, "AU": 100},
		findings: []normalizer.Finding{
			finding("ac-med", "excessive-privilege", normalizer.SeverityMedium, false, storageID("a"), "AC-6"),
			finding("ac-crit", "excessive-privilege", normalizer.SeverityCritical, false, storageID("b"), "AC-2"),
			finding("sc-high", "storage-public-access", normalizer.SeverityHigh, true, storageID("c"), "SC-7"),
			finding("sc-low", "tls-minimum-version", normalizer.SeverityLow, true, storageID("d"), "SC-8"),
			finding("au-high", "diagnostic-logging-disabled", normalizer.SeverityHigh, true, storageID("e"), "AU-2"),
		},
	}

	tests := []struct {
		name string
		opts HardeningOptions
		want []string
	}{
		{"defaults", DefaultHardeningOptions(), []string{"sc-high", "ac-crit", "ac-med"}},
		{"automated only", HardeningOptions{AutomatedOnly: true, TargetScore: 90}, []string{"sc-high", "sc-low"}},
		{"family filter", HardeningOptions{Families: []string{"ac"}, TargetScore: 90}, []string{"ac-crit", "ac-med"}},
		{"capped", HardeningOptions{MaxActions: 1, TargetScore: 90}, []string{"sc-high"}},
		{"zero target means 100", HardeningOptions{}, []string{"sc-high", "sc-low", "ac-crit", "ac-med"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateHardeningActions(view, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("actions = %+v, want %v", got, tt.want)
			}
			for i, id := range tt.want {
				if got[i].FindingID != id {
					t.Errorf("action[%d] = %s, want %s", i, got[i].FindingID, id)
				}
			}
		})
	}
}

func TestGenerateHardeningActionsValidation(t *testing.T) {
	view := fakeView{}
	for _, opts := range []HardeningOptions{
		{TargetScore: 150},
		{MinSeverity: "severe"},
		{Families: []string{"QQ"}},
	} {
		if _, err := GenerateHardeningActions(view, opts); !errs.IsValidation(err) {
			t.Errorf("GenerateHardeningActions(%+v) err = %v, want ValidationError", opts, err)
		}
	}
}
