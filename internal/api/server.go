// Package api exposes the engine over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lvonguyen/ato-compliance/internal/engine"
	"github.com/lvonguyen/ato-compliance/internal/errs"
	"github.com/lvonguyen/ato-compliance/internal/metrics"
)

// Server holds the HTTP handlers.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Recorder
	logger  *zap.Logger
}

// New creates a server. rec may be nil, in which case /metrics returns 404.
func New(e *engine.Engine, rec *metrics.Recorder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: e, metrics: rec, logger: logger}
}

// Router builds the gin engine. Set gin's mode before calling.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/assessments", s.createAssessment)
		v1.GET("/assessments/:id", s.getAssessment)
		v1.GET("/assessments/:id/hardening", s.hardening)
		v1.GET("/subscriptions/:sub/assessments/latest", s.latestAssessment)
		v1.GET("/subscriptions/:sub/risk", s.risk)
		v1.GET("/subscriptions/:sub/timeline", s.timeline)
		v1.GET("/subscriptions/:sub/delta", s.delta)

		v1.POST("/plans", s.createPlan)
		v1.GET("/plans/:id", s.getPlan)

		v1.POST("/executions", s.createExecution)
		v1.GET("/executions", s.listExecutions)
		v1.GET("/executions/:id", s.getExecution)
		v1.GET("/executions/:id/progress", s.progress)
		v1.POST("/executions/:id/approve", s.approve)
		v1.POST("/executions/:id/run", s.run)
		v1.POST("/executions/:id/validate", s.validate)
		v1.POST("/executions/:id/rollback", s.rollback)

		v1.POST("/evidence", s.collectEvidence)
		v1.GET("/evidence/:id", s.getPackage)
		v1.GET("/evidence/:id/download", s.downloadPackage)

		v1.GET("/poam", s.poam)
	}
	return r
}

// HTTPServer wraps the router with timeouts.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			s.logger.Error("Request failed", fields...)
		case c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics":
			s.logger.Debug("Request", fields...)
		default:
			s.logger.Info("Request", fields...)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string   `json:"error"`
	Field string   `json:"field,omitempty"`
	Hint  []string `json:"hint,omitempty"`
}

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	var failure *errs.ExecutionFailure
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsUpstream(err):
		return http.StatusServiceUnavailable
	case errs.IsSerialization(err), errors.As(err, &failure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
		body.Hint = ve.Hint
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// bind decodes a JSON body strictly. An empty body leaves dst unchanged.
func bind(c *gin.Context, dst any) error {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return errs.Invalid("body", "", fmt.Sprintf("failed to read request body: %v", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Invalid("body", "", fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}
