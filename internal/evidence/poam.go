package evidence

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// POAMStatusOpen is the status of every newly generated POA&M item.
const POAMStatusOpen = "Open"

// POAMRemediation is the planned fix of a POA&M item.
type POAMRemediation struct {
	Description      string        `json:"description"`
	IsAutomated      bool          `json:"isAutomated"`
	EstimatedEffort  time.Duration `json:"estimatedEffort"`
	MilestoneDueDate time.Time     `json:"milestoneDueDate"`
}

// POAMItem is one tracked weakness.
type POAMItem struct {
	ItemNumber    int                 `json:"itemNumber"`
	FindingID     string              `json:"findingId"`
	Weakness      string              `json:"weakness"`
	ControlNumber string              `json:"controlNumber"`
	Severity      normalizer.Severity `json:"severity"`
	ResourceID    string              `json:"resourceId"`
	DetectedAt    time.Time           `json:"detectedAt"`
	Remediation   POAMRemediation     `json:"remediation"`
	Status        string              `json:"status"`
}

// POAM is a Plan of Action and Milestones derived from findings. It is
// regenerated on demand rather than stored.
type POAM struct {
	POAMID         string     `json:"poamId"`
	SystemID       string     `json:"systemId"`
	SubscriptionID string     `json:"subscriptionId"`
	ControlFamily  string     `json:"controlFamily,omitempty"`
	PlanID         string     `json:"planId,omitempty"`
	GeneratedAt    time.Time  `json:"generatedAt"`
	TotalItems     int        `json:"totalItems"`
	Items          []POAMItem `json:"items"`
}

// POAMOptions scopes a POA&M.
type POAMOptions struct {
	Family string                       // optional control family filter
	Plan   *remediation.RemediationPlan // optional source of effort and milestone dates
}

// POAMGenerator builds POA&M documents.
type POAMGenerator struct {
	catalog *catalog.Catalog
	now     func() time.Time
	suffix  func() string
}

// POAMOption customizes a POAMGenerator.
type POAMOption func(*POAMGenerator)

// WithPOAMClock overrides the clock.
func WithPOAMClock(now func() time.Time) POAMOption {
	return func(g *POAMGenerator) { g.now = now }
}

// WithPOAMSuffix overrides the random 8 hex character id suffix.
func WithPOAMSuffix(fn func() string) POAMOption {
	return func(g *POAMGenerator) { g.suffix = fn }
}

// NewPOAMGenerator creates a generator.
func NewPOAMGenerator(opts ...POAMOption) *POAMGenerator {
	g := &POAMGenerator{
		catalog: catalog.Default(),
		now:     time.Now,
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate derives a POA&M with one item per finding, numbered from 1 in
// input order after the family filter is applied.
func (g *POAMGenerator) Generate(subscriptionID string, findings []normalizer.Finding, opts POAMOptions) (*POAM, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errs.Invalid("subscriptionId", "", "subscription id is required")
	}
	family := ""
	if opts.Family != "" {
		fam, err := g.catalog.Family(opts.Family)
		if err != nil {
			return nil, err
		}
		family = fam.Code
	}

	now := g.now().UTC()
	p := &POAM{
		POAMID:         fmt.Sprintf("POAM-%s-%s", now.Format("20060102"), g.suffix()),
		SystemID:       (&EvidencePackage{SubscriptionID: subscriptionID}).SystemID(),
		SubscriptionID: subscriptionID,
		ControlFamily:  family,
		GeneratedAt:    now,
		Items:          []POAMItem{},
	}
	if opts.Plan != nil {
		p.PlanID = opts.Plan.PlanID
	}

	for _, f := range findings {
		if family != "" && !f.InFamily(family) {
			continue
		}
		item := POAMItem{
			ItemNumber:    len(p.Items) + 1,
			FindingID:     f.ID,
			Weakness:      f.Title,
			ControlNumber: f.PrimaryControl(),
			Severity:      f.Severity,
			ResourceID:    f.ResourceID,
			DetectedAt:    f.DetectedAt,
			Status:        POAMStatusOpen,
			Remediation: POAMRemediation{
				Description:      remediationText(f),
				IsAutomated:      f.IsAutoRemediable,
				MilestoneDueDate: f.SLADeadline(),
			},
		}
		if opts.Plan != nil {
			if due, ok := opts.Plan.MilestoneFor(f.Severity); ok {
				item.Remediation.MilestoneDueDate = due
			}
			if it, ok := opts.Plan.Item(f.ID); ok {
				item.Remediation.EstimatedEffort = it.EstimatedEffort
			}
		}
		p.Items = append(p.Items, item)
	}
	p.TotalItems = len(p.Items)
	return p, nil
}

func remediationText(f normalizer.Finding) string {
	switch {
	case f.Recommendation != "":
		return f.Recommendation
	case f.RemediationGuidance != "":
		return f.RemediationGuidance
	}
	return "Remediate: " + f.Title
}

// POAMCSVHeader is the POA&M CSV header row.
var POAMCSVHeader = []string{
	"Item Number", "POA&M ID", "Weakness", "Control Number", "Severity", "Resource ID",
	"Remediation", "Automated", "Estimated Effort (hours)", "Milestone Due Date", "Status",
}

// ExportPOAMJSON renders the POA&M as indented JSON.
func ExportPOAMJSON(p *POAM) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, &errs.SerializationError{Format: "json", Item: p.POAMID, Err: err}
	}
	return data, nil
}

// ExportPOAMCSV renders one row per POA&M item.
func ExportPOAMCSV(p *POAM) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(POAMCSVHeader); err != nil {
		return nil, &errs.SerializationError{Format: "csv", Item: p.POAMID, Err: err}
	}
	for _, it := range p.Items {
		row := []string{
			strconv.Itoa(it.ItemNumber),
			p.POAMID,
			it.Weakness,
			it.ControlNumber,
			string(it.Severity),
			it.ResourceID,
			it.Remediation.Description,
			strconv.FormatBool(it.Remediation.IsAutomated),
			strconv.FormatFloat(it.Remediation.EstimatedEffort.Hours(), 'f', 2, 64),
			it.Remediation.MilestoneDueDate.UTC().Format("2006-01-02"),
			it.Status,
		}
		if err := w.Write(row); err != nil {
			return nil, &errs.SerializationError{Format: "csv", Item: it.FindingID, Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, &errs.SerializationError{Format: "csv", Item: p.POAMID, Err: err}
	}
	return buf.Bytes(), nil
}
