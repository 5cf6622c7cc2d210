// Package config loads typed engine configuration from YAML, .env files
// and ATO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/logging"
)

// EnvPrefix prefixes environment overrides: ATO_SERVER_ADDR overrides
// server.addr.
const EnvPrefix = "ATO"

// Config is the full engine configuration.
type Config struct {
	Log           logging.Config      `mapstructure:"log" yaml:"log"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Assessment    AssessmentConfig    `mapstructure:"assessment" yaml:"assessment"`
	Remediation   RemediationConfig   `mapstructure:"remediation" yaml:"remediation"`
	Planner       PlannerConfig       `mapstructure:"planner" yaml:"planner"`
	Evidence      EvidenceConfig      `mapstructure:"evidence" yaml:"evidence"`
	Subscriptions []SubscriptionEntry `mapstructure:"subscriptions" yaml:"subscriptions"`
	Providers     ProvidersConfig     `mapstructure:"providers" yaml:"providers"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Runtime bool `mapstructure:"runtime" yaml:"runtime"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Mode         string        `mapstructure:"mode" yaml:"mode"` // gin mode: release, debug, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"` // memory or postgres
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	ConnectAttempts int    `mapstructure:"connect_attempts" yaml:"connect_attempts"`
}

type AssessmentConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
	Families    []string      `mapstructure:"families" yaml:"families"`
	CatalogFile string        `mapstructure:"catalog_file" yaml:"catalog_file"`
	RulesFile   string        `mapstructure:"rules_file" yaml:"rules_file"`
	// ObservationsFile feeds a static scanner, for air-gapped runs.
	ObservationsFile string `mapstructure:"observations_file" yaml:"observations_file"`
}

type RemediationConfig struct {
	RequireApproval       bool          `mapstructure:"require_approval" yaml:"require_approval"`
	AutoRollbackOnFailure bool          `mapstructure:"auto_rollback_on_failure" yaml:"auto_rollback_on_failure"`
	StepTimeout           time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	BackupDir             string        `mapstructure:"backup_dir" yaml:"backup_dir"`
	ApprovalSecret        string        `mapstructure:"approval_secret" yaml:"approval_secret"`
	ApprovalIssuer        string        `mapstructure:"approval_issuer" yaml:"approval_issuer"`
	ApprovalTTL           time.Duration `mapstructure:"approval_ttl" yaml:"approval_ttl"`
}

// PlannerConfig holds milestone offsets per priority bucket.
type PlannerConfig struct {
	CriticalOffset time.Duration `mapstructure:"critical_offset" yaml:"critical_offset"`
	HighOffset     time.Duration `mapstructure:"high_offset" yaml:"high_offset"`
	MediumOffset   time.Duration `mapstructure:"medium_offset" yaml:"medium_offset"`
	LowOffset      time.Duration `mapstructure:"low_offset" yaml:"low_offset"`
}

type EvidenceConfig struct {
	EMASSSchemaVersion string  `mapstructure:"emass_schema_version" yaml:"emass_schema_version"`
	WarnCompleteness   float64 `mapstructure:"warn_completeness" yaml:"warn_completeness"`
	WarnMinItems       int     `mapstructure:"warn_min_items" yaml:"warn_min_items"`
}

// SubscriptionEntry maps a display name to a subscription GUID.
type SubscriptionEntry struct {
	Name string `mapstructure:"name" yaml:"name"`
	ID   string `mapstructure:"id" yaml:"id"`
}

type ProvidersConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	Azure    struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
		// SubscriptionID scopes the Resource Manager client used for live
		// remediation; resources are addressed by full id regardless.
		SubscriptionID string `mapstructure:"subscription_id" yaml:"subscription_id"`
	} `mapstructure:"azure" yaml:"azure"`
	AWS struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		Region  string `mapstructure:"region" yaml:"region"`
	} `mapstructure:"aws" yaml:"aws"`
	GCP struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	} `mapstructure:"gcp" yaml:"gcp"`
}

// Default returns the built-in configuration.
func Default() Config {
	day := 24 * time.Hour
	return Config{
		Log:     logging.Config{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Metrics: MetricsConfig{Enabled: true},
		Server: ServerConfig{
			Addr:         ":8080",
			Mode:         "release",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Database: DatabaseConfig{Driver: "memory", ConnectAttempts: 10},
		Assessment: AssessmentConfig{
			Workers:   4,
			Timeout:   10 * time.Minute,
			RateLimit: 10,
			Burst:     5,
		},
		Remediation: RemediationConfig{
			RequireApproval: true,
			StepTimeout:     5 * time.Minute,
			BackupDir:       "./data/backups",
			ApprovalIssuer:  "ato-compliance",
			ApprovalTTL:     time.Hour,
		},
		Planner: PlannerConfig{
			CriticalOffset: 2 * day,
			HighOffset:     7 * day,
			MediumOffset:   30 * day,
			LowOffset:      90 * day,
		},
		Evidence: EvidenceConfig{
			EMASSSchemaVersion: "1.0",
			WarnCompleteness:   95,
			WarnMinItems:       10,
		},
		Providers: ProvidersConfig{CacheTTL: 5 * time.Minute},
	}
}

// setDefaults registers every default key so environment overrides
// apply to keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.runtime", false)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.connect_attempts", d.Database.ConnectAttempts)
	v.SetDefault("assessment.workers", d.Assessment.Workers)
	v.SetDefault("assessment.timeout", d.Assessment.Timeout)
	v.SetDefault("assessment.rate_limit", d.Assessment.RateLimit)
	v.SetDefault("assessment.burst", d.Assessment.Burst)
	v.SetDefault("assessment.families", []string{})
	v.SetDefault("assessment.catalog_file", "")
	v.SetDefault("assessment.rules_file", "")
	v.SetDefault("assessment.observations_file", "")
	v.SetDefault("remediation.require_approval", d.Remediation.RequireApproval)
	v.SetDefault("remediation.auto_rollback_on_failure", d.Remediation.AutoRollbackOnFailure)
	v.SetDefault("remediation.step_timeout", d.Remediation.StepTimeout)
	v.SetDefault("remediation.backup_dir", d.Remediation.BackupDir)
	v.SetDefault("remediation.approval_secret", "")
	v.SetDefault("remediation.approval_issuer", d.Remediation.ApprovalIssuer)
	v.SetDefault("remediation.approval_ttl", d.Remediation.ApprovalTTL)
	v.SetDefault("planner.critical_offset", d.Planner.CriticalOffset)
	v.SetDefault("planner.high_offset", d.Planner.HighOffset)
	v.SetDefault("planner.medium_offset", d.Planner.MediumOffset)
	v.SetDefault("planner.low_offset", d.Planner.LowOffset)
	v.SetDefault("evidence.emass_schema_version", d.Evidence.EMASSSchemaVersion)
	v.SetDefault("evidence.warn_completeness", d.Evidence.WarnCompleteness)
	v.SetDefault("evidence.warn_min_items", d.Evidence.WarnMinItems)
	v.SetDefault("providers.cache_ttl", d.Providers.CacheTTL)
	v.SetDefault("providers.azure.enabled", false)
	v.SetDefault("providers.azure.subscription_id", "")
	v.SetDefault("providers.aws.enabled", false)
	v.SetDefault("providers.aws.region", "")
	v.SetDefault("providers.gcp.enabled", false)
}

// Load reads path (optional), a .env file in the working directory when
// present, and environment overrides. It returns the viper instance so
// callers can Watch it.
func Load(path string) (*Config, *viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ato")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ato-compliance/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errs.Invalid("log.level", c.Log.Level, err.Error(), "debug", "info", "warn", "error")
	}
	if c.Assessment.Workers < 1 {
		return errs.Invalid("assessment.workers", fmt.Sprint(c.Assessment.Workers), "must be at least 1")
	}
	if c.Assessment.RateLimit < 0 || c.Assessment.Burst < 0 {
		return errs.Invalid("assessment.rate_limit", fmt.Sprint(c.Assessment.RateLimit), "rate limit and burst must not be negative")
	}
	switch c.Server.Mode {
	case "release", "debug", "test":
	default:
		return errs.Invalid("server.mode", c.Server.Mode, "unknown gin mode", "release", "debug", "test")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return errs.Invalid("database.dsn", "", "dsn is required for the postgres driver")
		}
	default:
		return errs.Invalid("database.driver", c.Database.Driver, "unknown driver", "memory", "postgres")
	}
	if s := c.Remediation.ApprovalSecret; s != "" && len(s) < 32 {
		return errs.Invalid("remediation.approval_secret", "", "must be at least 32 characters")
	}
	if c.Remediation.BackupDir == "" {
		return errs.Invalid("remediation.backup_dir", "", "backup directory is required")
	}
	for name, d := range map[string]time.Duration{
		"planner.critical_offset": c.Planner.CriticalOffset,
		"planner.high_offset":     c.Planner.HighOffset,
		"planner.medium_offset":   c.Planner.MediumOffset,
		"planner.low_offset":      c.Planner.LowOffset,
	} {
		if d <= 0 {
			return errs.Invalid(name, d.String(), "milestone offset must be positive")
		}
	}
	if _, err := semver.NewVersion(c.Evidence.EMASSSchemaVersion); err != nil {
		return errs.Invalid("evidence.emass_schema_version", c.Evidence.EMASSSchemaVersion, "not a semantic version")
	}
	if c.Evidence.WarnCompleteness < 0 || c.Evidence.WarnCompleteness > 100 {
		return errs.Invalid("evidence.warn_completeness", fmt.Sprint(c.Evidence.WarnCompleteness), "must be within 0..100")
	}
	for _, s := range c.Subscriptions {
		if strings.TrimSpace(s.Name) == "" || s.ID == "" {
			return errs.Invalid("subscriptions", s.Name, "each entry needs a name and an id")
		}
	}
	return nil
}

// SubscriptionTable returns the static name to id entries.
func (c *Config) SubscriptionTable() map[string]string {
	out := make(map[string]string, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		out[s.Name] = s.ID
	}
	return out
}

// Watch reloads the file on change and passes each valid configuration
// to fn. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *zap.Logger, fn func(*Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		fn(cfg)
	})
	v.WatchConfig()
}
