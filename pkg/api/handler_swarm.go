package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/swarm"
)

// executeSwarmHandler handles POST /api/v1/swarms/execute. The run executes
// synchronously; live progress is observable on the WebSocket channels.
func (s *Server) executeSwarmHandler(c *echo.Context) error {
	var req ExecuteSwarmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TemplateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "templateId is required")
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}

	run, err := s.swarmManager.ExecuteSwarm(c.Request().Context(), swarm.ExecuteRequest{
		TemplateID:  req.TemplateID,
		Task:        req.Task,
		Context:     req.Context,
		TokenBudget: req.TokenBudget,
		InitiatedBy: currentIdentity(c).UserID,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// estimateSwarmHandler handles POST /api/v1/swarms/estimate.
func (s *Server) estimateSwarmHandler(c *echo.Context) error {
	var req EstimateSwarmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TemplateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "templateId is required")
	}

	estimate, err := s.swarmManager.EstimateSwarmCost(c.Request().Context(),
		req.TemplateID, req.Task, req.TokenBudget, req.Context)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, estimate)
}

// swarmTemplatesHandler handles GET /api/v1/swarms/templates.
func (s *Server) swarmTemplatesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.swarmManager.Templates())
}

// listSwarmsHandler handles GET /api/v1/swarms.
func (s *Server) listSwarmsHandler(c *echo.Context) error {
	runs, total, err := s.swarmManager.ListRuns(c.Request().Context(),
		intQuery(c, "limit", 50), intQuery(c, "offset", 0))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &SwarmListResponse{Runs: runs, Total: total})
}

// getSwarmHandler handles GET /api/v1/swarms/:id.
func (s *Server) getSwarmHandler(c *echo.Context) error {
	run, err := s.swarmManager.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// cancelSwarmHandler handles POST /api/v1/swarms/:id/cancel.
func (s *Server) cancelSwarmHandler(c *echo.Context) error {
	run, err := s.swarmManager.CancelSwarm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
