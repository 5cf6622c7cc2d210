// Command atoctl runs compliance assessments, plans and executes
// remediation, and exports ATO evidence.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/config"
	"github.com/lvonguyen/ato-compliance/internal/engine"
	"github.com/lvonguyen/ato-compliance/internal/logging"
	"github.com/lvonguyen/ato-compliance/internal/metrics"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app carries state shared by every command.
type app struct {
	configPath string
	logLevel   string
	output     string

	cfg    *config.Config
	viper  *viper.Viper
	log    *logging.Logger
	logger *zap.Logger
	stdout io.Writer
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "atoctl",
		Short:         "ATO compliance assessment and remediation",
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./ato.yaml)")
	root.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "", "write the result to this file instead of stdout")

	root.AddCommand(
		newAssessCommand(a),
		newPlanCommand(a),
		newRemediateCommand(a),
		newApproveCommand(a),
		newRunCommand(a),
		newRollbackCommand(a),
		newValidateCommand(a),
		newEvidenceCommand(a),
		newPOAMCommand(a),
		newRiskCommand(a),
		newTokenCommand(a),
		newServeCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, v, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg, a.viper, a.log = cfg, v, log
	a.logger = log.Named(cmd.Name())
	if a.stdout == nil {
		a.stdout = cmd.OutOrStdout()
	}
	return nil
}

// engine builds an engine from the loaded configuration. rec may be nil.
func (a *app) engine(ctx context.Context, rec *metrics.Recorder) (*engine.Engine, error) {
	return engine.Build(ctx, a.cfg, rec, a.log.Logger)
}

// write emits body to --output or stdout.
func (a *app) write(body []byte) error {
	if a.output == "" {
		_, err := a.stdout.Write(body)
		return err
	}
	if err := os.WriteFile(a.output, body, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", a.output, err)
	}
	a.logger.Info("Output written", zap.String("file", a.output), zap.Int("bytes", len(body)))
	return nil
}

func (a *app) writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return a.write(append(data, '\n'))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	a := &app{}
	if err := newRootCommand(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
