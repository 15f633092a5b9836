package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/logging"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/session"
	v1 "github.com/fyrsmithlabs/dialogd/pkg/api/v1"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, v1.HealthResponse{Status: "ok"})
}

// handleReady reports ready only when the vector store answers. A failing
// index means turns would degrade to fallbacks, so the instance should
// not receive traffic.
func (s *Server) handleReady(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		logging.FromContext(c.Request().Context()).Warn("readiness probe failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, v1.HealthResponse{Status: "vector store unreachable"})
	}
	return c.JSON(http.StatusOK, v1.HealthResponse{Status: "ready"})
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var p registry.Project
	if err := c.Bind(&p); err != nil {
		return s.badRequest(c, "invalid request body")
	}
	created, err := s.projects.Create(c.Request().Context(), p)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.projects.List(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handlePatchProject(c echo.Context) error {
	var patch registry.Patch
	if err := c.Bind(&patch); err != nil {
		return s.badRequest(c, "invalid request body")
	}
	updated, err := s.projects.Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteProject(c echo.Context) error {
	if err := s.projects.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleIngestDocument(c echo.Context) error {
	project, err := s.projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}

	var req v1.DocumentRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body")
	}
	report, err := s.pipeline.Ingest(c.Request().Context(), project, documentFrom(req))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, report)
}

// handleIngestBulk ingests a batch; documents fail independently. A batch
// with any failed document answers 207 so callers inspect per-document
// results.
func (s *Server) handleIngestBulk(c echo.Context) error {
	project, err := s.projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}

	var req v1.BulkIngestRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body")
	}
	docs := make([]ingest.Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = documentFrom(d)
	}
	report, err := s.pipeline.IngestBulk(c.Request().Context(), project, docs)
	if err != nil {
		return s.writeError(c, err)
	}
	status := http.StatusOK
	if report.Failed() > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, report)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	project, err := s.projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if err := s.pipeline.DeleteDocument(c.Request().Context(), project.ID, c.Param("doc")); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTurn(c echo.Context) error {
	var req v1.TurnRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body")
	}
	if req.SessionID != "" {
		c.SetRequest(c.Request().WithContext(
			logging.WithSessionID(c.Request().Context(), req.SessionID)))
	}
	result, err := s.orch.HandleTurn(c.Request().Context(), c.Param("id"), req.SessionID, req.Utterance)
	if err != nil {
		return s.writeError(c, err)
	}

	resp := v1.TurnResponse{
		SessionID: result.SessionID,
		Response:  result.Response,
		State:     result.State,
		Source:    string(result.Source),
		Done:      result.Done,
	}
	for _, p := range result.Passages {
		resp.Passages = append(resp.Passages, v1.Passage{ID: p.ID, Text: p.Text, Score: p.Score})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessionForProject(c.Param("id"), c.Param("sid"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	sess, err := s.sessionForProject(c.Param("id"), c.Param("sid"))
	if err != nil {
		return s.writeError(c, err)
	}
	if err := s.sessions.Delete(sess.ID); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// sessionForProject hides sessions from other projects behind the same
// not-found answer as unknown ids.
func (s *Server) sessionForProject(projectID, sessionID string) (*session.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ProjectID != projectID {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func documentFrom(req v1.DocumentRequest) ingest.Document {
	return ingest.Document{
		ID:       req.ID,
		Source:   req.Source,
		Text:     req.Text,
		Metadata: req.Metadata,
	}
}
