package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/models"
)

// queryAuditHandler handles GET /api/v1/audit.
func (s *Server) queryAuditHandler(c *echo.Context) error {
	filter := audit.Filter{
		Level:         models.AuditLevel(sanitizeQuery(c.QueryParam("level"), 16)),
		Event:         sanitizeQuery(c.QueryParam("event"), 64),
		UserID:        sanitizeQuery(c.QueryParam("userId"), 128),
		TaskID:        sanitizeQuery(c.QueryParam("taskId"), 128),
		CorrelationID: sanitizeQuery(c.QueryParam("correlationId"), 128),
		Limit:         intQuery(c, "limit", 50),
		Offset:        intQuery(c, "offset", 0),
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

	entries, err := s.chain.Query(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(c, err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, &AuditQueryResponse{Entries: entries})
}

// auditStatsHandler handles GET /api/v1/audit/stats.
func (s *Server) auditStatsHandler(c *echo.Context) error {
	stats, err := s.chain.Stats(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// verifyAuditHandler handles POST /api/v1/audit/verify.
func (s *Server) verifyAuditHandler(c *echo.Context) error {
	result, err := s.chain.Verify(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// exportAuditHandler handles GET /api/v1/audit/export, streaming the range
// as a JSON attachment. Export is globally rate limited.
func (s *Server) exportAuditHandler(c *echo.Context) error {
	decision, err := s.limiter.Check("audit_export", currentIdentity(c).UserID)
	if err != nil {
		return mapServiceError(c, err)
	}
	if !decision.Allowed {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())+1))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	from := int64(intQuery(c, "from", 0))
	to := int64(intQuery(c, "to", 0))
	entries, err := s.chain.Export(c.Request().Context(), from, to)
	if err != nil {
		return mapServiceError(c, err)
	}

	filename := fmt.Sprintf("audit-export-%s.json", time.Now().UTC().Format("20060102-150405"))
	c.Response().Header().Set("Content-Disposition", "attachment; filename="+filename)
	c.Response().Header().Set("Content-Type", "application/json")
	c.Response().WriteHeader(http.StatusOK)
	return json.NewEncoder(c.Response()).Encode(entries)
}

// auditRetentionHandler handles POST /api/v1/audit/retention.
func (s *Server) auditRetentionHandler(c *echo.Context) error {
	var req RetentionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MaxAgeDays == nil && req.MaxEntries == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "maxAgeDays or maxEntries is required")
	}
	if req.MaxAgeDays != nil && (*req.MaxAgeDays < 1 || *req.MaxAgeDays > 3650) {
		return echo.NewHTTPError(http.StatusBadRequest, "maxAgeDays must be in [1, 3650]")
	}
	if req.MaxEntries != nil && (*req.MaxEntries < 100 || *req.MaxEntries > 10_000_000) {
		return echo.NewHTTPError(http.StatusBadRequest, "maxEntries must be in [100, 10000000]")
	}

	deleted, err := s.chain.EnforceRetention(c.Request().Context(), audit.RetentionPolicy{
		MaxAgeDays: req.MaxAgeDays,
		MaxEntries: req.MaxEntries,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	s.chain.MustRecord(c.Request().Context(), audit.Entry{
		Event:   models.AuditEventConfigChange,
		Message: fmt.Sprintf("audit retention enforced, %d entries deleted", deleted),
		UserID:  currentIdentity(c).UserID,
	})

	stats, err := s.chain.Stats(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deleted": deleted,
		"stats":   stats,
	})
}
