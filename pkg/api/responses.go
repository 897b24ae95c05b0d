package api

import (
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/executor"
	"github.com/wardenhq/warden/pkg/models"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Dependencies  map[string]bool `json:"dependencies"`
	Executor      *executor.Stats `json:"executor,omitempty"`
	WSClients     int             `json:"ws_clients"`
	Configuration *config.Stats   `json:"configuration,omitempty"`
}

// TaskListResponse is the GET /api/v1/tasks body.
type TaskListResponse struct {
	Tasks []models.Task `json:"tasks"`
	Total int           `json:"total"`
}

// SwarmListResponse is the GET /api/v1/swarms body.
type SwarmListResponse struct {
	Runs  []models.SwarmRun `json:"runs"`
	Total int               `json:"total"`
}

// CancelResponse reports a cancel outcome.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// AuditQueryResponse is the GET /api/v1/audit body.
type AuditQueryResponse struct {
	Entries []models.AuditEntry `json:"entries"`
}

// RetentionResponse is the POST /api/v1/audit/retention body.
type RetentionResponse struct {
	Deleted int64 `json:"deleted"`
}

// SecurityEvent is one row of the curated audit projection.
type SecurityEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SecurityEventsResponse is the GET /api/v1/security/events body.
type SecurityEventsResponse struct {
	Events []SecurityEvent `json:"events"`
}
