package models

import "time"

// SwarmStrategy selects how a template's roles are executed.
type SwarmStrategy string

// Swarm strategies.
const (
	StrategySequential SwarmStrategy = "sequential"
	StrategyParallel   SwarmStrategy = "parallel"
	StrategyDynamic    SwarmStrategy = "dynamic"
)

// SwarmRole is one role slot in a template's ordered role list.
type SwarmRole struct {
	Role        string `json:"role" yaml:"role"`
	ProfileName string `json:"profile_name" yaml:"profile"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// SwarmTemplate is a reusable multi-role plan.
//
// Invariants: StrategyDynamic implies a coordinator profile (or the
// configured default applies); the role list is non-empty for sequential
// and parallel strategies.
type SwarmTemplate struct {
	ID                 string        `json:"id" yaml:"id"`
	Name               string        `json:"name" yaml:"name"`
	Description        string        `json:"description,omitempty" yaml:"description"`
	Strategy           SwarmStrategy `json:"strategy" yaml:"strategy"`
	Roles              []SwarmRole   `json:"roles" yaml:"roles"`
	CoordinatorProfile string        `json:"coordinator_profile,omitempty" yaml:"coordinator_profile"`
	IsBuiltin          bool          `json:"is_builtin" yaml:"-"`
}

// SwarmStatus is the lifecycle state of a swarm run.
type SwarmStatus string

// Swarm run lifecycle states. Cancellation is only legal from pending or
// running.
const (
	SwarmStatusPending   SwarmStatus = "pending"
	SwarmStatusRunning   SwarmStatus = "running"
	SwarmStatusCompleted SwarmStatus = "completed"
	SwarmStatusFailed    SwarmStatus = "failed"
	SwarmStatusCancelled SwarmStatus = "cancelled"
)

// TokenTotals aggregates prompt/completion token usage across a run.
type TokenTotals struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// SwarmRun is one execution of a template.
type SwarmRun struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`

	Task    string `json:"task"`
	Context string `json:"context,omitempty"`

	// Strategy is snapshotted at run creation so later template edits do not
	// change how an in-flight run is interpreted.
	Strategy SwarmStrategy `json:"strategy"`

	Status SwarmStatus `json:"status"`
	Result string      `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	TokenBudget int         `json:"token_budget"`
	Tokens      TokenTotals `json:"tokens"`

	InitiatedBy string `json:"initiated_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Members []SwarmMember `json:"members,omitempty"`
}

// SwarmMember is one role execution within a run. SeqOrder is unique within
// a run; a synthesised coordinator member sits at SeqOrder == len(roles).
type SwarmMember struct {
	ID           string           `json:"id"`
	RunID        string           `json:"run_id"`
	SeqOrder     int              `json:"seq_order"`
	Role         string           `json:"role"`
	ProfileName  string           `json:"profile_name"`
	Status       DelegationStatus `json:"status"`
	Result       string           `json:"result,omitempty"`
	DelegationID string           `json:"delegation_id,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}
