package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
)

// Rows keep the indexed columns queries filter on and the full entity as
// a JSON payload.

type assessmentRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	SubscriptionID string    `gorm:"size:64;index:idx_assessment_sub_end,priority:1;not null"`
	EndTime        time.Time `gorm:"index:idx_assessment_sub_end,priority:2"`
	OverallScore   float64
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (assessmentRow) TableName() string { return "assessments" }

type planRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	SubscriptionID string `gorm:"size:64;index"`
	AssessmentID   string `gorm:"size:64;index"`
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (planRow) TableName() string { return "remediation_plans" }

type executionRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	FindingID  string    `gorm:"size:64;index;not null"`
	Status     string    `gorm:"size:20;not null"`
	Mode       string    `gorm:"size:20;not null"`
	ExecutedAt time.Time `gorm:"index"`
	Payload    string    `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

func (executionRow) TableName() string { return "remediation_executions" }

type packageRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	SubscriptionID string `gorm:"size:64;index"`
	ControlFamily  string `gorm:"size:4"`
	Completeness   float64
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

func (packageRow) TableName() string { return "evidence_packages" }

// Postgres is a Store over gorm.
type Postgres struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects with retries and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, attempts int, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts < 1 {
		attempts = 1
	}
	var (
		db  *gorm.DB
		err error
	)
	for i := 1; i <= attempts; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		if err == nil {
			break
		}
		logger.Warn("Database connection failed",
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, errs.Upstream("postgres", fmt.Errorf("connect after %d attempts: %w", attempts, err))
	}
	return NewGorm(db, logger)
}

// NewGorm wraps an open gorm handle and migrates the schema.
func NewGorm(db *gorm.DB, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&assessmentRow{}, &planRow{}, &executionRow{}, &packageRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	logger.Info("Database schema migrated")
	return &Postgres{db: db, logger: logger}, nil
}

func (p *Postgres) upsert(ctx context.Context, row any) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	if err != nil {
		return errs.Upstream("postgres", err)
	}
	return nil
}

func (p *Postgres) first(ctx context.Context, dest any, kind, id string) error {
	err := p.db.WithContext(ctx).Where("id = ?", id).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound(kind, id)
	}
	if err != nil {
		return errs.Upstream("postgres", err)
	}
	return nil
}

func (p *Postgres) SaveAssessment(ctx context.Context, a *assessment.Assessment) error {
	if a == nil || a.AssessmentID == "" {
		return errs.Invalid("assessmentId", "", "assessment id is required")
	}
	payload, err := encode("assessment", a.AssessmentID, a)
	if err != nil {
		return err
	}
	return p.upsert(ctx, &assessmentRow{
		ID:             a.AssessmentID,
		SubscriptionID: a.SubscriptionID,
		EndTime:        a.EndTime.UTC(),
		OverallScore:   a.OverallComplianceScore,
		Payload:        payload,
	})
}

func (p *Postgres) Assessment(ctx context.Context, id string) (*assessment.Assessment, error) {
	var row assessmentRow
	if err := p.first(ctx, &row, "assessment", id); err != nil {
		return nil, err
	}
	return decodeAssessment(row.ID, row.Payload)
}

func (p *Postgres) LatestAssessment(ctx context.Context, subscriptionID string) (*assessment.Assessment, error) {
	var row assessmentRow
	err := p.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("end_time DESC").Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("assessment", subscriptionID)
	}
	if err != nil {
		return nil, errs.Upstream("postgres", err)
	}
	return decodeAssessment(row.ID, row.Payload)
}

func (p *Postgres) History(ctx context.Context, subscriptionID string) ([]*assessment.Assessment, error) {
	var rows []assessmentRow
	err := p.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("end_time ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Upstream("postgres", err)
	}
	out := make([]*assessment.Assessment, 0, len(rows))
	for _, row := range rows {
		a, err := decodeAssessment(row.ID, row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Postgres) SavePlan(ctx context.Context, plan *remediation.RemediationPlan) error {
	if plan == nil || plan.PlanID == "" {
		return errs.Invalid("planId", "", "plan id is required")
	}
	payload, err := encode("plan", plan.PlanID, plan)
	if err != nil {
		return err
	}
	return p.upsert(ctx, &planRow{
		ID:             plan.PlanID,
		SubscriptionID: plan.SubscriptionID,
		AssessmentID:   plan.AssessmentID,
		Payload:        payload,
	})
}

func (p *Postgres) Plan(ctx context.Context, id string) (*remediation.RemediationPlan, error) {
	var row planRow
	if err := p.first(ctx, &row, "plan", id); err != nil {
		return nil, err
	}
	return decode[remediation.RemediationPlan]("plan", row.ID, row.Payload)
}

func (p *Postgres) SaveExecution(ctx context.Context, e remediation.Execution) error {
	if e.ExecutionID == "" {
		return errs.Invalid("executionId", "", "execution id is required")
	}
	payload, err := encode("execution", e.ExecutionID, e)
	if err != nil {
		return err
	}
	return p.upsert(ctx, &executionRow{
		ID:         e.ExecutionID,
		FindingID:  e.FindingID,
		Status:     string(e.Status),
		Mode:       string(e.Mode),
		ExecutedAt: e.CreatedAt.UTC(),
		Payload:    payload,
	})
}

func (p *Postgres) Execution(ctx context.Context, id string) (remediation.Execution, error) {
	var row executionRow
	if err := p.first(ctx, &row, "execution", id); err != nil {
		return remediation.Execution{}, err
	}
	e, err := decode[remediation.Execution]("execution", row.ID, row.Payload)
	if err != nil {
		return remediation.Execution{}, err
	}
	return *e, nil
}

func (p *Postgres) Executions(ctx context.Context, findingID string) ([]remediation.Execution, error) {
	var rows []executionRow
	err := p.db.WithContext(ctx).Where("finding_id = ?", findingID).Find(&rows).Error
	if err != nil {
		return nil, errs.Upstream("postgres", err)
	}
	out := make([]remediation.Execution, 0, len(rows))
	for _, row := range rows {
		e, err := decode[remediation.Execution]("execution", row.ID, row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	sortExecutions(out)
	return out, nil
}

func (p *Postgres) SavePackage(ctx context.Context, pkg *evidence.EvidencePackage) error {
	if pkg == nil || pkg.PackageID == "" {
		return errs.Invalid("packageId", "", "package id is required")
	}
	payload, err := encode("evidence package", pkg.PackageID, pkg)
	if err != nil {
		return err
	}
	return p.upsert(ctx, &packageRow{
		ID:             pkg.PackageID,
		SubscriptionID: pkg.SubscriptionID,
		ControlFamily:  pkg.ControlFamily,
		Completeness:   pkg.CompletenessScore,
		Payload:        payload,
	})
}

func (p *Postgres) Package(ctx context.Context, id string) (*evidence.EvidencePackage, error) {
	var row packageRow
	if err := p.first(ctx, &row, "evidence package", id); err != nil {
		return nil, err
	}
	return decode[evidence.EvidencePackage]("evidence package", row.ID, row.Payload)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
