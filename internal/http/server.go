// Package http exposes the public REST API: project administration,
// document ingestion, and the conversational turn endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/dialogue"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/logging"
	"github.com/fyrsmithlabs/dialogd/internal/orchestrator"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/session"
	"github.com/fyrsmithlabs/dialogd/internal/vectorstore"
	v1 "github.com/fyrsmithlabs/dialogd/pkg/api/v1"
)

// Server serves the dialogd HTTP API.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	logger   *zap.Logger
	projects registry.Manager
	pipeline *ingest.Pipeline
	orch     *orchestrator.Orchestrator
	sessions *session.Store
	store    vectorstore.Store
}

// NewServer wires routes and middleware. The vector store is only used
// for readiness probing.
func NewServer(
	cfg config.ServerConfig,
	projects registry.Manager,
	pipeline *ingest.Pipeline,
	orch *orchestrator.Orchestrator,
	sessions *session.Store,
	store vectorstore.Store,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Correlation identity rides the request context so every log
			// line below this point carries it.
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			if projectID := c.Param("id"); projectID != "" {
				ctx = logging.WithProjectID(ctx, projectID)
			}
			ctx = logging.WithLogger(ctx, logger)
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)

			logging.FromContext(c.Request().Context()).Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		cfg:      cfg,
		logger:   logger,
		projects: projects,
		pipeline: pipeline,
		orch:     orch,
		sessions: sessions,
		store:    store,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := s.echo.Group("/v1/projects")
	g.POST("", s.handleCreateProject)
	g.GET("", s.handleListProjects)
	g.GET("/:id", s.handleGetProject)
	g.PATCH("/:id", s.handlePatchProject)
	g.DELETE("/:id", s.handleDeleteProject)

	g.POST("/:id/documents", s.handleIngestDocument)
	g.POST("/:id/documents/bulk", s.handleIngestBulk)
	g.DELETE("/:id/documents/:doc", s.handleDeleteDocument)

	g.POST("/:id/turns", s.handleTurn)
	g.GET("/:id/sessions/:sid", s.handleGetSession)
	g.DELETE("/:id/sessions/:sid", s.handleDeleteSession)
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout.Duration()
	s.echo.Server.WriteTimeout = s.cfg.WriteTimeout.Duration()
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// writeError maps domain errors onto HTTP statuses. Client errors carry
// their message through; server errors stay opaque and land in the log
// keyed by request id.
func (s *Server) writeError(c echo.Context, err error) error {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, registry.ErrProjectNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, dialogue.ErrDefinitionNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, registry.ErrProjectExists):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, dialogue.ErrInvalidDefinition):
		// A broken definition is a project configuration fault, not a
		// malformed request and not a server bug.
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, registry.ErrInvalidProject),
		errors.Is(err, ingest.ErrEmptyDocument),
		errors.Is(err, ingest.ErrNoDocuments),
		errors.Is(err, ingest.ErrDocumentTooLarge),
		errors.Is(err, orchestrator.ErrEmptyUtterance),
		errors.Is(err, inference.ErrInvalidRequest):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, inference.ErrBackend):
		status, message = http.StatusBadGateway, "inference backend unavailable"
	}

	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request().Context()).Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
	}
	return c.JSON(status, v1.ErrorResponse{Error: message, RequestID: requestID})
}

func (s *Server) badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, v1.ErrorResponse{
		Error:     message,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
}
