package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/executor"
	"github.com/wardenhq/warden/pkg/models"
)

// createTaskHandler handles POST /api/v1/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}

	handle, err := s.taskExecutor.Submit(c.Request().Context(), executor.CreateTask{
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		Input:         req.Input,
		TimeoutMs:     req.TimeoutMs,
		CorrelationID: req.CorrelationID,
		ParentTaskID:  req.ParentTaskID,
	}, securityContextFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, handle.Task)
}

// listTasksHandler handles GET /api/v1/tasks.
func (s *Server) listTasksHandler(c *echo.Context) error {
	filter := executor.ListFilter{
		Status: models.TaskStatus(sanitizeQuery(c.QueryParam("status"), 32)),
		Type:   sanitizeQuery(c.QueryParam("type"), 128),
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if from := c.QueryParam("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid 'from' timestamp")
		}
		filter.From = t
	}
	if to := c.QueryParam("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid 'to' timestamp")
		}
		filter.To = t
	}

	tasks, total, err := s.taskExecutor.List(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(c, err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, &TaskListResponse{Tasks: tasks, Total: total})
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	task, err := s.taskExecutor.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// updateTaskHandler handles PUT /api/v1/tasks/:id — metadata only.
func (s *Server) updateTaskHandler(c *echo.Context) error {
	var req UpdateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	task, err := s.taskExecutor.Get(ctx, c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.Type != nil {
		task.Type = *req.Type
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if err := s.taskExecutor.UpdateMeta(ctx, task); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// deleteTaskHandler handles DELETE /api/v1/tasks/:id.
func (s *Server) deleteTaskHandler(c *echo.Context) error {
	if err := s.taskExecutor.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel. RBAC is enforced
// inside the executor so the denial is audited with the task id.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	cancelled, err := s.taskExecutor.Cancel(c.Request().Context(), c.Param("id"), securityContextFrom(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &CancelResponse{Cancelled: cancelled})
}

// intQuery parses an integer query parameter with a default.
func intQuery(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return def
		}
	}
	return n
}
