package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/models"
)

// securityEventTypes is the curated projection: audit events surfaced on the
// security endpoint, keyed by their projected type tag.
var securityEventTypes = map[string]string{
	models.AuditEventAuthFailure:      "auth",
	models.AuditEventTaskRateLimited:  "rate_limit",
	models.AuditEventRateLimit:        "rate_limit",
	models.AuditEventTaskRejected:     "injection_attempt",
	models.AuditEventInjectionAttempt: "injection_attempt",
	models.AuditEventPermissionDenied: "permission_denied",
	models.AuditEventAnomaly:          "anomaly",
	models.AuditEventSandboxViolation: "sandbox_violation",
	models.AuditEventConfigChange:     "config_change",
	models.AuditEventSecretAccess:     "secret_access",
}

// securityEventsHandler handles GET /api/v1/security/events: a curated
// subset of audit events with optional severity/type/time filters.
func (s *Server) securityEventsHandler(c *echo.Context) error {
	wantType := sanitizeQuery(c.QueryParam("type"), 32)
	wantSeverity := sanitizeQuery(c.QueryParam("severity"), 16)
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	filter := audit.Filter{
		// Over-fetch so post-filtering to the curated set still fills the
		// page. The audit store cannot express an IN clause on events.
		Limit: (limit + offset) * 4,
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

	events := make([]SecurityEvent, 0, limit)
	skipped := 0
	for _, e := range entries {
		eventType, curated := securityEventTypes[e.Event]
		if !curated {
			continue
		}
		if wantType != "" && eventType != wantType {
			continue
		}
		if wantSeverity != "" && string(e.Level) != wantSeverity {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		events = append(events, SecurityEvent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Type:      eventType,
			Severity:  string(e.Level),
			Message:   e.Message,
			UserID:    e.UserID,
			TaskID:    e.TaskID,
			Metadata:  e.Metadata,
		})
		if len(events) >= limit {
			break
		}
	}

	return c.JSON(http.StatusOK, &SecurityEventsResponse{Events: events})
}
