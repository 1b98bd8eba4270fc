// Package httpapi exposes the control API: run status, pause and
// resume, rollback, checkpoint and escalation inspection.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/checkpoint"
	"github.com/fyrsmithlabs/foundryd/internal/escalation"
	"github.com/fyrsmithlabs/foundryd/internal/workflow"
)

// Workflow is the controller surface the API drives.
type Workflow interface {
	Status() *workflow.StatusReport
	Pause() workflow.ControlResult
	Resume() workflow.ControlResult
	Rollback(ctx context.Context, target workflow.Phase) (workflow.ControlResult, error)
	Reset(ctx context.Context) (workflow.ControlResult, error)
}

// Deps carries the server's collaborators.
type Deps struct {
	Workflow    Workflow
	Checkpoints checkpoint.Store
	Escalations escalation.Store
	Logger      *zap.Logger

	// StartRun launches the workflow loop after a successful resume.
	// Optional; without it resume only clears the pause.
	StartRun func()
}

// Config holds server configuration.
type Config struct {
	Addr string
}

// Server is the control API server.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	config  *Config
	metrics *Metrics
	logger  *zap.Logger
}

// NewServer creates the control API server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Workflow == nil {
		return nil, errors.New("workflow is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Escalations == nil {
		return nil, errors.New("escalation store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Addr: ":8710"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := deps.Logger
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		config:  cfg,
		metrics: NewMetrics(logger),
		logger:  logger,
	}
	e.Use(s.metrics.Middleware())
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/pause", s.handlePause)
	v1.POST("/resume", s.handleResume)
	v1.POST("/rollback", s.handleRollback)
	v1.POST("/reset", s.handleReset)
	v1.GET("/checkpoints", s.handleCheckpoints)
	v1.GET("/escalations", s.handleEscalations)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Workflow.Status())
}

func (s *Server) handlePause(c echo.Context) error {
	return controlJSON(c, s.deps.Workflow.Pause())
}

func (s *Server) handleResume(c echo.Context) error {
	result := s.deps.Workflow.Resume()
	if result.Applied && s.deps.StartRun != nil {
		s.deps.StartRun()
	}
	return controlJSON(c, result)
}

// RollbackRequest is the request body for POST /api/v1/rollback.
type RollbackRequest struct {
	Phase string `json:"phase"`
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Phase == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phase field is required")
	}

	result, err := s.deps.Workflow.Rollback(c.Request().Context(), workflow.Phase(req.Phase))
	if err != nil {
		s.logger.Error("rollback failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "rollback failed")
	}
	return controlJSON(c, result)
}

func (s *Server) handleReset(c echo.Context) error {
	result, err := s.deps.Workflow.Reset(c.Request().Context())
	if err != nil {
		s.logger.Error("reset failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}
	return controlJSON(c, result)
}

func (s *Server) handleCheckpoints(c echo.Context) error {
	cps, err := s.deps.Checkpoints.List(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to list checkpoints", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list checkpoints")
	}
	// Snapshots are large; the listing carries metadata only.
	type entry struct {
		Seq       uint64    `json:"seq"`
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
		Label     string    `json:"label"`
		Phase     string    `json:"phase"`
		Tasks     int       `json:"tasks"`
	}
	out := make([]entry, 0, len(cps))
	for _, cp := range cps {
		e := entry{Seq: cp.Seq, ID: cp.ID, Timestamp: cp.Timestamp, Label: cp.Label, Phase: cp.Phase}
		if cp.State != nil {
			e.Tasks = len(cp.State.Tasks)
		}
		out = append(out, e)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleEscalations(c echo.Context) error {
	list, err := s.deps.Escalations.List(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to list escalations", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list escalations")
	}
	return c.JSON(http.StatusOK, list)
}

// controlJSON maps a control result onto the response: applied is 200,
// a rejected transition is 409 with the reason.
func controlJSON(c echo.Context, result workflow.ControlResult) error {
	if result.Applied {
		return c.JSON(http.StatusOK, result)
	}
	return c.JSON(http.StatusConflict, result)
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting control api", zap.String("addr", s.config.Addr))
	err := s.echo.Start(s.config.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control api")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
