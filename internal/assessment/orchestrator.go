package assessment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/scoring"
)

// ScanRequest scopes one scanner call to a family.
type ScanRequest struct {
	SubscriptionID string
	ResourceGroup  string
	Family         catalog.Family
}

// Scanner produces raw observations for a subscription. Implementations
// that cannot filter by family may return everything; the orchestrator
// keeps only findings that touch the requested family.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, req ScanRequest) ([]normalizer.RawObservation, error)
}

// MetricsRecorder receives assessment telemetry.
type MetricsRecorder interface {
	ObserveAssessment(status string, d time.Duration)
	SetFamilyScore(subscriptionID, family string, score float64)
	SetFindings(severity string, n int)
}

// ProgressUpdate is pushed once per completed family.
type ProgressUpdate struct {
	AssessmentID   string  `json:"assessmentId"`
	SubscriptionID string  `json:"subscriptionId"`
	Family         string  `json:"family"`
	Completed      int     `json:"completed"`
	Total          int     `json:"total"`
	Score          float64 `json:"score"`
	Findings       int     `json:"findings"`
}

// Config holds orchestrator settings.
type Config struct {
	Workers   int           // concurrent family scans
	Timeout   time.Duration // whole-assessment deadline, 0 disables
	RateLimit float64       // scanner calls per second, 0 disables
	Burst     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		Timeout:   10 * time.Minute,
		RateLimit: 10,
		Burst:     5,
	}
}

// RunOptions selects what to scan.
type RunOptions struct {
	SubscriptionID string
	ResourceGroup  string
	Families       []string // empty scans every catalog family
	Progress       chan<- ProgressUpdate
}

// Orchestrator fans family scans out over a bounded worker pool.
type Orchestrator struct {
	scanners   []Scanner
	classifier *normalizer.Classifier
	catalog    *catalog.Catalog
	config     Config
	limiter    *rate.Limiter
	metrics    MetricsRecorder
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithCatalog overrides the control catalog.
func WithCatalog(c *catalog.Catalog) Option { return func(o *Orchestrator) { o.catalog = c } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithIDGenerator overrides assessment id generation.
func WithIDGenerator(fn func() string) Option { return func(o *Orchestrator) { o.newID = fn } }

// NewOrchestrator creates an orchestrator over the given scanners.
func NewOrchestrator(scanners []Scanner, classifier *normalizer.Classifier, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classifier == nil {
		classifier = normalizer.NewClassifier(nil, logger)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	o := &Orchestrator{
		scanners:   scanners,
		classifier: classifier,
		catalog:    catalog.Default(),
		config:     config,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run scans every requested family and returns the finished Assessment.
// Either all families complete or an error is returned; a cancelled or
// failed run never yields a partial Assessment.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Assessment, error) {
	subscriptionID := strings.TrimSpace(opts.SubscriptionID)
	if subscriptionID == "" {
		return nil, errs.Invalid("subscriptionId", "", "subscription id is required")
	}
	if len(o.scanners) == 0 {
		return nil, errs.Invalid("scanners", "", "no scanners configured")
	}
	codes, err := o.catalog.Resolve(opts.Families)
	if err != nil {
		return nil, err
	}

	assessmentID := o.newID()
	start := o.now().UTC()
	logger := o.logger.With(
		zap.String("assessment_id", assessmentID),
		zap.String("subscription_id", subscriptionID),
	)
	logger.Info("Starting assessment",
		zap.Strings("families", codes),
		zap.String("resource_group", opts.ResourceGroup),
		zap.Int("workers", o.config.Workers),
	)

	runCtx := ctx
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	results := make([]ControlFamilyResult, len(codes))
	var completed atomic.Int32

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(o.config.Workers)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			fam, err := o.catalog.Family(code)
			if err != nil {
				return err
			}
			res, err := o.scanFamily(gctx, subscriptionID, opts.ResourceGroup, fam)
			if err != nil {
				return err
			}
			results[i] = res

			n := int(completed.Add(1))
			logger.Debug("Family scan complete",
				zap.String("family", code),
				zap.Int("findings", len(res.Findings)),
				zap.Float64("score", res.ComplianceScore),
			)
			o.emit(opts.Progress, ProgressUpdate{
				AssessmentID:   assessmentID,
				SubscriptionID: subscriptionID,
				Family:         code,
				Completed:      n,
				Total:          len(codes),
				Score:          res.ComplianceScore,
				Findings:       len(res.Findings),
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		elapsed := o.now().Sub(start)
		switch {
		case ctx.Err() != nil:
			o.observe("cancelled", elapsed)
			logger.Warn("Assessment cancelled", zap.Error(ctx.Err()))
			return nil, fmt.Errorf("assessment %s cancelled: %w", assessmentID, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			o.observe("timeout", elapsed)
			logger.Warn("Assessment timed out", zap.Duration("timeout", o.config.Timeout))
			return nil, errs.Upstream("scanner", fmt.Errorf("assessment %s exceeded %s: %w", assessmentID, o.config.Timeout, runCtx.Err()))
		default:
			o.observe("failed", elapsed)
			logger.Error("Assessment failed", zap.Error(err))
			return nil, err
		}
	}

	a := build(assessmentID, subscriptionID, opts.ResourceGroup, start, o.now().UTC(), results)
	o.observe("completed", a.Duration)
	if o.metrics != nil {
		for code, r := range a.ControlFamilyResults {
			o.metrics.SetFamilyScore(subscriptionID, code, r.ComplianceScore)
		}
		for sev, n := range normalizer.CountBySeverity(a.AllFindings()) {
			o.metrics.SetFindings(string(sev), n)
		}
	}
	logger.Info("Assessment complete",
		zap.Float64("overall_score", a.OverallComplianceScore),
		zap.String("grade", a.Grade),
		zap.Int("total_findings", a.TotalFindings),
		zap.Duration("duration", a.Duration),
	)
	return a, nil
}

// scanFamily queries every scanner for one family and scores the result.
func (o *Orchestrator) scanFamily(ctx context.Context, subscriptionID, resourceGroup string, fam catalog.Family) (ControlFamilyResult, error) {
	req := ScanRequest{SubscriptionID: subscriptionID, ResourceGroup: resourceGroup, Family: fam}

	var raws []normalizer.RawObservation
	for _, s := range o.scanners {
		if err := o.limiter.Wait(ctx); err != nil {
			return ControlFamilyResult{}, err
		}
		obs, err := s.Scan(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ControlFamilyResult{}, ctx.Err()
			}
			if errs.IsValidation(err) || errs.IsUpstream(err) {
				return ControlFamilyResult{}, err
			}
			return ControlFamilyResult{}, errs.Upstream(s.Name(), fmt.Errorf("scan family %s: %w", fam.Code, err))
		}
		raws = append(raws, obs...)
	}

	var findings []normalizer.Finding
	for _, f := range o.classifier.ClassifyAll(raws) {
		if f.InFamily(fam.Code) {
			findings = append(findings, f)
		}
	}
	sortFindings(findings)

	failed := map[string]bool{}
	for _, f := range findings {
		for _, c := range f.AffectedControls {
			if fam.HasControl(c) {
				failed[catalog.BaseControl(c)] = true
			}
		}
	}
	failedControls := make([]string, 0, len(failed))
	for c := range failed {
		failedControls = append(failedControls, c)
	}
	sort.Strings(failedControls)

	total := len(fam.Controls)
	passed := total - len(failedControls)
	score := scoring.ScoreFamily(total, passed)
	return ControlFamilyResult{
		Family:          fam.Code,
		FamilyName:      fam.Name,
		TotalControls:   total,
		PassedControls:  passed,
		FailedControls:  failedControls,
		Findings:        findings,
		ComplianceScore: score,
		Grade:           scoring.Grade(score),
		Status:          scoring.Status(score),
	}, nil
}

// emit delivers a progress update without ever blocking the scan.
func (o *Orchestrator) emit(ch chan<- ProgressUpdate, u ProgressUpdate) {
	if ch == nil {
		return
	}
	select {
	case ch <- u:
	default:
		o.logger.Debug("Progress consumer not ready, dropping update", zap.String("family", u.Family))
	}
}

func (o *Orchestrator) observe(status string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveAssessment(status, d)
	}
}
