// Package evidence collects per-control evidence, scores its completeness
// and packages it for submission (JSON, CSV, text report, eMASS XML). It
// also derives Plans of Action and Milestones from findings.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// EvidenceItem is one piece of evidence for one control.
type EvidenceItem struct {
	EvidenceID   string         `json:"evidenceId"`
	ControlID    string         `json:"controlId"`
	EvidenceType string         `json:"evidenceType"`
	ResourceID   string         `json:"resourceId"`
	CollectedAt  time.Time      `json:"collectedAt"`
	Data         map[string]any `json:"data"`
}

// EvidencePackage is the evidence collected for one family of one
// subscription. TotalItems always equals len(Evidence).
type EvidencePackage struct {
	PackageID            string         `json:"packageId"`
	SubscriptionID       string         `json:"subscriptionId"`
	ControlFamily        string         `json:"controlFamily"`
	ControlFamilyName    string         `json:"controlFamilyName"`
	CollectionDate       time.Time      `json:"collectionDate"`
	CollectionDuration   time.Duration  `json:"collectionDuration"`
	Evidence             []EvidenceItem `json:"evidence"`
	TotalItems           int            `json:"totalItems"`
	ControlsCovered      int            `json:"controlsCovered"`
	ControlsTotal        int            `json:"controlsTotal"`
	CompletenessScore    float64        `json:"completenessScore"`
	AttestationStatement string         `json:"attestationStatement"`
	Summary              string         `json:"summary"`
	Digest               string         `json:"digest"`
	Warnings             []string       `json:"warnings,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// SystemID is "SYS-" followed by the first eight characters of the
// subscription id, uppercased.
func (p *EvidencePackage) SystemID() string {
	id := p.SubscriptionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "SYS-" + strings.ToUpper(id)
}

// IsValid reports whether the package meets the submission threshold.
func (p *EvidencePackage) IsValid() bool {
	return p.CompletenessScore >= 80
}

// Request scopes a source collection.
type Request struct {
	SubscriptionID string
	Family         catalog.Family
}

// Source produces evidence items for a family.
type Source interface {
	Name() string
	Collect(ctx context.Context, req Request) ([]EvidenceItem, error)
}

// Recorder receives evidence telemetry.
type Recorder interface {
	ObserveEvidence(family string, completeness float64)
	ObserveExport(format, result string)
}

// CollectorConfig holds warning thresholds.
type CollectorConfig struct {
	WarnCompleteness float64
	WarnMinItems     int
}

// DefaultCollectorConfig returns sensible defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{WarnCompleteness: 95, WarnMinItems: 10}
}

// Collector gathers evidence from its sources.
type Collector struct {
	sources []Source
	catalog *catalog.Catalog
	config  CollectorConfig
	metrics Recorder
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithCollectorCatalog overrides the control catalog.
func WithCollectorCatalog(c *catalog.Catalog) CollectorOption {
	return func(col *Collector) { col.catalog = c }
}

// WithCollectorMetrics attaches a metrics recorder.
func WithCollectorMetrics(m Recorder) CollectorOption {
	return func(col *Collector) { col.metrics = m }
}

// WithCollectorClock overrides the clock.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(col *Collector) { col.now = now }
}

// WithPackageIDGenerator overrides package and evidence id generation.
func WithPackageIDGenerator(fn func() string) CollectorOption {
	return func(col *Collector) { col.newID = fn }
}

// NewCollector creates a collector over sources.
func NewCollector(sources []Source, config CollectorConfig, logger *zap.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		sources: sources,
		catalog: catalog.Default(),
		config:  config,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect builds an evidence package for one family. A failing source is
// recorded on the package and does not discard what other sources found.
func (c *Collector) Collect(ctx context.Context, subscriptionID, family string) (*EvidencePackage, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, errs.Invalid("subscriptionId", "", "subscription id is required")
	}
	fam, err := c.catalog.Family(family)
	if err != nil {
		return nil, err
	}

	start := c.now()
	logger := c.logger.With(
		zap.String("subscription_id", subscriptionID),
		zap.String("family", fam.Code),
	)

	var items []EvidenceItem
	var failures []string
	for _, src := range c.sources {
		got, err := src.Collect(ctx, Request{SubscriptionID: subscriptionID, Family: fam})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("evidence collection for %s cancelled: %w", fam.Code, ctxErr)
		}
		if err != nil {
			logger.Warn("Evidence source failed", zap.String("source", src.Name()), zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %v", src.Name(), err))
		}
		for _, it := range got {
			it.ControlID = strings.ToUpper(strings.TrimSpace(it.ControlID))
			if catalog.FamilyOf(it.ControlID) != fam.Code {
				logger.Debug("Dropping out-of-family evidence",
					zap.String("source", src.Name()),
					zap.String("control_id", it.ControlID),
				)
				continue
			}
			if it.EvidenceID == "" {
				it.EvidenceID = c.newID()
			}
			if it.CollectedAt.IsZero() {
				it.CollectedAt = start
			}
			it.CollectedAt = it.CollectedAt.UTC()
			if it.Data == nil {
				it.Data = map[string]any{}
			}
			items = append(items, it)
		}
	}

	covered, score := Completeness(fam, items)
	pkg := &EvidencePackage{
		PackageID:          c.newID(),
		SubscriptionID:     subscriptionID,
		ControlFamily:      fam.Code,
		ControlFamilyName:  fam.Name,
		CollectionDate:     start.UTC(),
		Evidence:           items,
		TotalItems:         len(items),
		ControlsCovered:    covered,
		ControlsTotal:      len(fam.Controls),
		CompletenessScore:  score,
		Error:              strings.Join(failures, "; "),
		CollectionDuration: c.now().Sub(start),
	}
	if pkg.Evidence == nil {
		pkg.Evidence = []EvidenceItem{}
	}
	pkg.Digest = Digest(pkg.Evidence)
	pkg.AttestationStatement = fmt.Sprintf(
		"This package attests that %d evidence item(s) for the %s (%s) control family were collected automatically from subscription %s on %s and reflect the resource configuration at collection time.",
		pkg.TotalItems, fam.Name, fam.Code, subscriptionID, pkg.CollectionDate.Format(time.RFC3339))
	pkg.Summary = fmt.Sprintf("Collected %d evidence item(s) covering %d of %d %s controls (%.1f%% complete).",
		pkg.TotalItems, covered, len(fam.Controls), fam.Code, score)

	if score < c.config.WarnCompleteness {
		w := fmt.Sprintf("completeness %.2f%% is below %.0f%%", score, c.config.WarnCompleteness)
		pkg.Warnings = append(pkg.Warnings, w)
		logger.Warn("Evidence package incomplete", zap.Float64("completeness", score))
	}
	if pkg.TotalItems < c.config.WarnMinItems {
		w := fmt.Sprintf("only %d evidence item(s) collected, expected at least %d", pkg.TotalItems, c.config.WarnMinItems)
		pkg.Warnings = append(pkg.Warnings, w)
		logger.Warn("Evidence package sparse", zap.Int("items", pkg.TotalItems))
	}
	if c.metrics != nil {
		c.metrics.ObserveEvidence(fam.Code, score)
	}

	logger.Info("Evidence collected",
		zap.String("package_id", pkg.PackageID),
		zap.Int("items", pkg.TotalItems),
		zap.Float64("completeness", score),
		zap.Duration("duration", pkg.CollectionDuration),
	)
	return pkg, nil
}

// Completeness returns how many of the family's controls have evidence and
// 100 * covered / total, clamped to [0, 100]. A family with no controls is
// fully complete.
func Completeness(fam catalog.Family, items []EvidenceItem) (int, float64) {
	if len(fam.Controls) == 0 {
		return 0, 100
	}
	seen := map[string]bool{}
	for _, it := range items {
		base := catalog.BaseControl(it.ControlID)
		if fam.HasControl(base) {
			seen[base] = true
		}
	}
	score := 100 * float64(len(seen)) / float64(len(fam.Controls))
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}
	return len(seen), score
}

// Digest is an xxh3 hash over the canonical JSON of the evidence.
func Digest(items []EvidenceItem) string {
	h := xxh3.New()
	for _, it := range items {
		line, err := json.Marshal(it)
		if err != nil {
			fmt.Fprintf(h, "%s|%s|unencodable\n", it.EvidenceID, it.ControlID)
			continue
		}
		h.Write(line)
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
