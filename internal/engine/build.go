package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/analysis"
	"github.com/lvonguyen/ato-compliance/internal/approval"
	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/catalog"
	"github.com/lvonguyen/ato-compliance/internal/config"
	"github.com/lvonguyen/ato-compliance/internal/evidence"
	"github.com/lvonguyen/ato-compliance/internal/metrics"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
	"github.com/lvonguyen/ato-compliance/internal/providers/aws"
	"github.com/lvonguyen/ato-compliance/internal/providers/azure"
	"github.com/lvonguyen/ato-compliance/internal/providers/gcp"
	"github.com/lvonguyen/ato-compliance/internal/remediation"
	"github.com/lvonguyen/ato-compliance/internal/scoring"
	"github.com/lvonguyen/ato-compliance/internal/store"
	"github.com/lvonguyen/ato-compliance/internal/subscription"
)

// cloud holds the adapters built for enabled providers.
type cloud struct {
	scanners  []assessment.Scanner
	lookup    subscription.NameLookup
	metadata  scoring.ResourceMetadataProvider
	mutator   remediation.Mutator
	validator remediation.Validator
	sources   []evidence.Source
	accounts  bool
}

// Build wires an engine from configuration. rec may be nil.
func Build(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cat := catalog.Default()
	if cfg.Assessment.CatalogFile != "" {
		c, err := catalog.Load(cfg.Assessment.CatalogFile)
		if err != nil {
			return nil, err
		}
		cat = c
	}
	rules := normalizer.DefaultRules()
	if cfg.Assessment.RulesFile != "" {
		r, err := normalizer.LoadRules(cfg.Assessment.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = r
	}
	classifier := normalizer.NewClassifier(rules, logger.Named("classifier"), normalizer.WithCatalog(cat))

	backups, err := remediation.NewFileBackupStore(cfg.Remediation.BackupDir)
	if err != nil {
		return nil, err
	}

	cl, err := buildCloud(ctx, cfg, classifier, backups, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Assessment.ObservationsFile != "" {
		s, err := assessment.LoadStaticScanner(cfg.Assessment.ObservationsFile)
		if err != nil {
			return nil, err
		}
		cl.scanners = append(cl.scanners, s)
	}
	if len(cl.scanners) == 0 {
		return nil, fmt.Errorf("no scanners configured: enable a provider or set assessment.observations_file")
	}

	var table *subscription.StaticTable
	if len(cfg.Subscriptions) > 0 {
		table, err = subscription.NewStaticTable(cfg.SubscriptionTable())
		if err != nil {
			return nil, err
		}
	}
	var resolverOpts []subscription.ResolverOption
	if cl.accounts {
		resolverOpts = append(resolverOpts, subscription.WithCloudAccounts())
	}
	resolver := subscription.NewResolver(cl.lookup, table, logger.Named("resolver"), resolverOpts...)

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	orchestrator := assessment.NewOrchestrator(cl.scanners, classifier, assessment.Config{
		Workers:   cfg.Assessment.Workers,
		Timeout:   cfg.Assessment.Timeout,
		RateLimit: cfg.Assessment.RateLimit,
		Burst:     cfg.Assessment.Burst,
	}, logger.Named("assessment"),
		assessment.WithCatalog(cat),
		assessment.WithMetrics(rec),
	)

	complexity := scoring.NewComplexityAssessor(cl.metadata, scoring.DefaultComplexityConfig())
	planner := remediation.NewPlanner(complexity, remediation.DefaultTemplates(), remediation.PlannerConfig{
		MilestoneOffsets: map[normalizer.Severity]time.Duration{
			normalizer.SeverityCritical: cfg.Planner.CriticalOffset,
			normalizer.SeverityHigh:     cfg.Planner.HighOffset,
			normalizer.SeverityMedium:   cfg.Planner.MediumOffset,
			normalizer.SeverityLow:      cfg.Planner.LowOffset,
		},
	}, logger.Named("planner"))

	execOpts := []remediation.ExecutorOption{remediation.WithExecutionMetrics(rec)}
	if cl.validator != nil {
		execOpts = append(execOpts, remediation.WithValidator(cl.validator))
	}
	executor := remediation.NewExecutor(cl.mutator, remediation.ExecutorConfig{
		RequireApproval:       cfg.Remediation.RequireApproval,
		AutoRollbackOnFailure: cfg.Remediation.AutoRollbackOnFailure,
		StepTimeout:           cfg.Remediation.StepTimeout,
	}, logger.Named("executor"), execOpts...)

	var approvals *approval.Authority
	if cfg.Remediation.ApprovalSecret != "" {
		approvals, err = approval.NewAuthority(approval.Config{
			Secret: cfg.Remediation.ApprovalSecret,
			Issuer: cfg.Remediation.ApprovalIssuer,
			TTL:    cfg.Remediation.ApprovalTTL,
		})
		if err != nil {
			return nil, err
		}
	}

	sources := append([]evidence.Source{evidence.NewAssessmentSource(st)}, cl.sources...)
	collector := evidence.NewCollector(sources, evidence.CollectorConfig{
		WarnCompleteness: cfg.Evidence.WarnCompleteness,
		WarnMinItems:     cfg.Evidence.WarnMinItems,
	}, logger.Named("evidence"),
		evidence.WithCollectorCatalog(cat),
		evidence.WithCollectorMetrics(rec),
	)
	exporter, err := evidence.NewExporter(cfg.Evidence.EMASSSchemaVersion, rec, logger.Named("export"))
	if err != nil {
		return nil, err
	}

	return New(Deps{
		Resolver:     resolver,
		Orchestrator: orchestrator,
		Planner:      planner,
		Executor:     executor,
		Approvals:    approvals,
		Collector:    collector,
		Exporter:     exporter,
		POAMs:        evidence.NewPOAMGenerator(),
		Analyzer:     analysis.New(logger.Named("analysis"), analysis.WithCatalog(cat)),
		Store:        st,
	}, logger)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver == "postgres" {
		pg, err := store.OpenPostgres(ctx, cfg.DSN, cfg.ConnectAttempts, logger.Named("store"))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	return store.NewMemory(), nil
}

func buildCloud(ctx context.Context, cfg *config.Config, classifier *normalizer.Classifier, backups remediation.BackupStore, logger *zap.Logger) (*cloud, error) {
	cl := &cloud{}
	p := cfg.Providers

	if p.Azure.Enabled {
		cred, err := azure.NewCredential()
		if err != nil {
			return nil, err
		}
		clients, err := azure.NewClients(cred, p.Azure.SubscriptionID)
		if err != nil {
			return nil, err
		}
		defender := azure.NewDefenderScanner(clients.Graph, logger.Named("azure"),
			azure.WithClassifier(classifier),
			azure.WithCacheTTL(p.CacheTTL),
		)
		cl.scanners = append(cl.scanners, defender.Scanner())
		cl.lookup = azure.NewSubscriptionDirectory(clients.Graph)
		cl.metadata = azure.NewMetadataProvider(clients.Graph)
		cl.validator = defender
		cl.sources = append(cl.sources, azure.NewConfigurationSource(clients.Graph))
		if clients.Resources != nil {
			cl.mutator = azure.NewMutator(azure.NewResourceAPI(clients.Resources), backups, logger.Named("azure"))
		} else {
			logger.Warn("Azure subscription_id not set, live remediation disabled")
		}
	}

	if p.AWS.Enabled {
		client, err := aws.NewClient(ctx, p.AWS.Region)
		if err != nil {
			return nil, err
		}
		cl.scanners = append(cl.scanners, aws.NewSecurityHubScanner(client, logger.Named("aws")).Scanner())
		cl.accounts = true
	}

	if p.GCP.Enabled {
		client, err := gcp.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		cl.scanners = append(cl.scanners, gcp.NewSCCScanner(gcp.NewLister(client), logger.Named("gcp")).Scanner())
		cl.accounts = true
	}
	return cl, nil
}
