// Package models defines the core entity types shared across the platform:
// tasks, swarm runs, delegations, agent profiles, integrations, and audit
// entries. Persistence lives in each component's store; these types carry no
// storage behavior of their own.
package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states. All transitions out of TaskStatusRunning are terminal.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// SecurityContext is the acting identity snapshot captured when a task is
// admitted. Permissions holds the permission strings asserted at submission
// time, not the role's full grant set.
type SecurityContext struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	IPAddress   string   `json:"ip_address,omitempty"`
	UserAgent   string   `json:"user_agent,omitempty"`
}

// TaskError is the structured failure detail carried in a task result.
type TaskError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// TaskResult is the outcome of a task. Exactly one of OutputHash (success)
// or Error (failure) is populated.
type TaskResult struct {
	Success    bool       `json:"success"`
	OutputHash string     `json:"output_hash,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
}

// ResourceUsage accounts for the resources a task consumed during execution.
type ResourceUsage struct {
	TokensIn      int            `json:"tokens_in"`
	TokensOut     int            `json:"tokens_out"`
	TokensTotal   int            `json:"tokens_total"`
	TokensCached  int            `json:"tokens_cached"`
	PeakMemoryMB  float64        `json:"peak_memory_mb"`
	CPUTimeMs     int64          `json:"cpu_time_ms"`
	NetworkBytes  int64          `json:"network_bytes"`
	ProviderCalls map[string]int `json:"provider_calls,omitempty"`
}

// Task is one unit of work accepted by the executor.
//
// Invariants: terminal states set CompletedAt; DurationMs equals
// CompletedAt − StartedAt; ParentTaskID (when set) references an existing
// task; InputHash is stable across persistence cycles (the raw input is
// never persisted, only its canonical SHA-256).
type Task struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`

	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	InputHash string     `json:"input_hash"`
	Status    TaskStatus `json:"status"`
	TimeoutMs int        `json:"timeout_ms"`

	Security SecurityContext `json:"security"`

	Result    *TaskResult    `json:"result,omitempty"`
	Resources *ResourceUsage `json:"resources,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
}
