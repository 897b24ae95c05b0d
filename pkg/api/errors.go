package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/delegation"
	"github.com/wardenhq/warden/pkg/executor"
	"github.com/wardenhq/warden/pkg/integration"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
	"github.com/wardenhq/warden/pkg/swarm"
)

// mapServiceError maps component errors to HTTP error responses. Only the
// gateway converts errors to transport codes; messages are sanitised — no
// stack traces, no internals.
func mapServiceError(c *echo.Context, err error) *echo.HTTPError {
	var validErr *executor.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}

	var rlErr *executor.RateLimitedError
	if errors.As(err, &rlErr) {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", int(rlErr.RetryAfter.Seconds())+1))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	var sendRlErr *integration.RateLimitExceededError
	if errors.As(err, &sendRlErr) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	if errors.Is(err, rbac.ErrPermissionDenied) {
		return echo.NewHTTPError(http.StatusForbidden, "permission denied")
	}

	if errors.Is(err, executor.ErrUnknownTaskType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown task type")
	}

	var depthErr *delegation.MaxDepthError
	var budgetErr *delegation.BudgetExceededError
	if errors.As(err, &depthErr) || errors.As(err, &budgetErr) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if errors.Is(err, executor.ErrNotFound) ||
		errors.Is(err, swarm.ErrRunNotFound) ||
		errors.Is(err, swarm.ErrTemplateNotFound) ||
		errors.Is(err, delegation.ErrNotFound) ||
		errors.Is(err, delegation.ErrProfileNotFound) ||
		errors.Is(err, integration.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	if errors.Is(err, swarm.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "run is not in a cancellable state")
	}
	if errors.Is(err, integration.ErrAlreadyRunning) ||
		errors.Is(err, integration.ErrNotRunning) ||
		errors.Is(err, integration.ErrDisabled) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if errors.Is(err, swarm.ErrRouterUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "model router not configured")
	}
	if errors.Is(err, executor.ErrStopped) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "executor is shutting down")
	}

	var unknownRule *ratelimit.ErrUnknownRule
	if errors.As(err, &unknownRule) {
		slog.Error("Rate limit rule missing", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	// Unexpected error: log the detail, answer with a sanitised message.
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
