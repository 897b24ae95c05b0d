// Package executor provides the admission-controlled task scheduler:
// bounded concurrency, per-task timeout, cooperative cancellation, optional
// sandboxing, and audit logging of every lifecycle transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// Sentinel errors for executor operations.
var (
	// ErrUnknownTaskType indicates no handler is registered for the type.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrNotFound indicates the task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrStopped indicates the executor is shutting down and admits nothing.
	ErrStopped = errors.New("executor stopped")
)

// ValidationError carries the validator's block reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input validation failed: %s", e.Reason)
}

// RateLimitedError carries the retry hint from an admission denial.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("task creation rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// PermissionRef names one required permission for a handler.
type PermissionRef struct {
	Resource string
	Action   string
}

func (p PermissionRef) String() string {
	return p.Resource + ":" + p.Action
}

// Handler executes one task type. The input is the submission payload; it is
// never persisted, only its canonical hash is. Execute must observe ctx —
// timeout and cancellation race the execution through it.
type Handler interface {
	Execute(ctx context.Context, task *models.Task, input map[string]any) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *models.Task, input map[string]any) ([]byte, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task *models.Task, input map[string]any) ([]byte, error) {
	return f(ctx, task, input)
}

// Registration binds a handler to its required permissions.
type Registration struct {
	Handler             Handler
	RequiredPermissions []PermissionRef
}

// CreateTask is the submission request.
type CreateTask struct {
	Type          string
	Name          string
	Description   string
	Input         map[string]any
	TimeoutMs     int
	CorrelationID string
	ParentTaskID  string
}

// Config bounds the executor.
type Config struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		DefaultTimeout: 2 * time.Minute,
		MaxTimeout:     10 * time.Minute,
	}
}

// Store is the executor's persistence boundary.
type Store interface {
	Insert(ctx context.Context, t *models.Task) error
	Update(ctx context.Context, t *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, f ListFilter) ([]models.Task, int, error)
	Delete(ctx context.Context, id string) error
}

// ListFilter narrows task listings.
type ListFilter struct {
	Status models.TaskStatus
	Type   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// StatusPublisher receives task state deltas for fanout. Implementations
// must not block; publish failures are the publisher's problem.
type StatusPublisher interface {
	PublishTaskStatus(t *models.Task)
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}
