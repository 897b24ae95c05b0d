// Package swarm composes multi-agent runs over delegations: sequential role
// chains with context threading, parallel fan-out with an optional
// coordinator synthesis step, and a dynamic coordinator that spawns its own
// children.
package swarm

import (
	"context"
	"errors"

	"github.com/wardenhq/warden/pkg/delegation"
	"github.com/wardenhq/warden/pkg/models"
)

// Sentinel errors for swarm operations.
var (
	// ErrTemplateNotFound indicates the template id is not registered.
	ErrTemplateNotFound = errors.New("swarm template not found")

	// ErrRunNotFound indicates the run does not exist.
	ErrRunNotFound = errors.New("swarm run not found")

	// ErrNotCancellable indicates cancellation from a terminal state.
	ErrNotCancellable = errors.New("swarm run is not in a cancellable state")

	// ErrRouterUnavailable indicates cost estimation without a router.
	ErrRouterUnavailable = errors.New("model router not configured")
)

// DelegationRunner is the subset of the delegator the swarm manager uses.
type DelegationRunner interface {
	Delegate(ctx context.Context, req delegation.Request) (*models.Delegation, error)
}

// TemplateRegistry resolves swarm templates. Implemented by the config layer.
type TemplateRegistry interface {
	GetTemplate(id string) (*models.SwarmTemplate, bool)
	Templates() []models.SwarmTemplate
}

// Store is the swarm persistence boundary.
type Store interface {
	InsertRun(ctx context.Context, run *models.SwarmRun) error
	UpdateRun(ctx context.Context, run *models.SwarmRun) error
	// GetRun returns the run with its members ordered by seq_order.
	GetRun(ctx context.Context, id string) (*models.SwarmRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]models.SwarmRun, int, error)
	InsertMember(ctx context.Context, m *models.SwarmMember) error
	UpdateMember(ctx context.Context, m *models.SwarmMember) error
	MembersByRun(ctx context.Context, runID string) ([]models.SwarmMember, error)
}

// ExecuteRequest asks for one swarm run.
type ExecuteRequest struct {
	TemplateID  string
	Task        string
	Context     string
	TokenBudget int // 0 = config default
	InitiatedBy string
}

// Config bounds the swarm manager.
type Config struct {
	DefaultTokenBudget int `yaml:"default_token_budget"`
	// DefaultCoordinatorProfile backs dynamic templates that do not name a
	// coordinator.
	DefaultCoordinatorProfile string `yaml:"default_coordinator_profile"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTokenBudget:        200_000,
		DefaultCoordinatorProfile: "researcher",
	}
}
