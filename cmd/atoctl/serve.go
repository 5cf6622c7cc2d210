package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/api"
	"github.com/lvonguyen/ato-compliance/internal/config"
	"github.com/lvonguyen/ato-compliance/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return serve(a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(a *app) error {
	ctx, cancel := signalContext()
	defer cancel()

	var rec *metrics.Recorder
	if a.cfg.Metrics.Enabled {
		rec = metrics.New(a.cfg.Metrics.Runtime)
	}
	e, err := a.engine(ctx, rec)
	if err != nil {
		return err
	}
	defer e.Close()

	if a.viper.ConfigFileUsed() != "" {
		config.Watch(a.viper, a.logger, func(c *config.Config) {
			if err := a.log.SetLevel(c.Log.Level); err != nil {
				a.logger.Warn("Ignoring log level change", zap.Error(err))
			}
		})
	}

	gin.SetMode(a.cfg.Server.Mode)
	srv := api.New(e, rec, a.log.Named("api")).
		HTTPServer(a.cfg.Server.Addr, a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout)

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Listening", zap.String("addr", srv.Addr), zap.Bool("metrics", rec != nil))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	return srv.Shutdown(shutdownCtx)
}
