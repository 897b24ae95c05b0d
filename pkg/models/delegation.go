package models

import "time"

// DelegationStatus is the lifecycle state of a delegation.
type DelegationStatus string

// Delegation lifecycle states.
const (
	DelegationStatusPending   DelegationStatus = "pending"
	DelegationStatusRunning   DelegationStatus = "running"
	DelegationStatusCompleted DelegationStatus = "completed"
	DelegationStatusFailed    DelegationStatus = "failed"
	DelegationStatusTimeout   DelegationStatus = "timeout"
	DelegationStatusCancelled DelegationStatus = "cancelled"
)

// ProfileKind discriminates how a profile is executed.
type ProfileKind string

// Profile kinds.
const (
	ProfileKindLLM       ProfileKind = "llm"
	ProfileKindBinary    ProfileKind = "binary"
	ProfileKindMCPBridge ProfileKind = "mcp-bridge"
)

// AgentProfile is a named persona used by a delegation: a system prompt plus
// the tool, model, and budget constraints applied to every invocation.
type AgentProfile struct {
	Name           string      `json:"name" yaml:"name"`
	SystemPrompt   string      `json:"system_prompt" yaml:"system_prompt"`
	MaxTokenBudget int         `json:"max_token_budget" yaml:"max_token_budget"`
	AllowedTools   []string    `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	DefaultModel   string      `json:"default_model" yaml:"default_model"`
	Kind           ProfileKind `json:"kind" yaml:"kind"`
}

// Delegation is one invocation of an agent profile as a child of a parent
// context. The delegation tree is acyclic by construction: Depth strictly
// increases from parent to child and MaxDepth bounds it.
type Delegation struct {
	ID                 string `json:"id"`
	ProfileName        string `json:"profile_name"`
	ParentDelegationID string `json:"parent_delegation_id,omitempty"`

	Task    string `json:"task"`
	Context string `json:"context,omitempty"`

	Depth       int `json:"depth"`
	MaxDepth    int `json:"max_depth"`
	TokenBudget int `json:"token_budget"`
	TimeoutMs   int `json:"timeout_ms"`

	Status DelegationStatus `json:"status"`
	Result string           `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`

	TokensPrompt     int `json:"tokens_prompt"`
	TokensCompletion int `json:"tokens_completion"`
	TokensUsed       int `json:"tokens_used"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DelegationMessage is one entry in a delegation's role-tagged conversation
// trace, kept for audit.
type DelegationMessage struct {
	DelegationID string    `json:"delegation_id"`
	Seq          int       `json:"seq"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	ToolCalls    string    `json:"tool_calls,omitempty"`  // JSON-encoded tool call list
	ToolResult   string    `json:"tool_result,omitempty"` // JSON-encoded tool result
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
}
