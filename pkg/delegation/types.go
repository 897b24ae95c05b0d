// Package delegation runs single LLM invocations under a named agent
// profile, with depth and token-budget limits and a role-tagged message
// trace for audit. The LLM provider itself is an external collaborator
// consumed through LLMClient.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// Sentinel errors for delegation operations.
var (
	// ErrProfileNotFound indicates the requested profile is not registered.
	ErrProfileNotFound = errors.New("agent profile not found")

	// ErrNotFound indicates the delegation row does not exist.
	ErrNotFound = errors.New("delegation not found")
)

// MaxDepthError indicates the delegation tree grew past its bound.
type MaxDepthError struct {
	Depth    int
	MaxDepth int
}

func (e *MaxDepthError) Error() string {
	return fmt.Sprintf("delegation depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// BudgetExceededError indicates the tree's token budget is exhausted.
type BudgetExceededError struct {
	Used   int
	Budget int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("delegation tree used %d of %d budget tokens", e.Used, e.Budget)
}

// CompletionRequest is one LLM invocation.
type CompletionRequest struct {
	System    string
	User      string
	Context   string
	Tools     []string // allowed tool names; the client must not call others
	Model     string
	MaxTokens int
}

// ToolInvocation is one tool call the model produced.
type ToolInvocation struct {
	Name      string
	Arguments string // JSON
	Result    string // JSON
}

// CompletionResponse is the LLM's reply.
type CompletionResponse struct {
	Text             string
	TokensPrompt     int
	TokensCompletion int
	ToolInvocations  []ToolInvocation
}

// LLMClient is the consumed provider interface. Implementations wrap a
// concrete provider SDK; none live in this repository.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Request asks for one delegation.
type Request struct {
	ProfileName        string
	Task               string
	Context            string
	MaxTokenBudget     int // 0 = profile ceiling
	TimeoutMs          int // 0 = config default
	ModelOverride      string
	ParentDelegationID string
}

// Config bounds the delegator.
type Config struct {
	MaxDepth       int           `yaml:"max_depth"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       3,
		DefaultTimeout: 2 * time.Minute,
	}
}

// Store is the delegation persistence boundary.
type Store interface {
	Insert(ctx context.Context, d *models.Delegation) error
	Update(ctx context.Context, d *models.Delegation) error
	Get(ctx context.Context, id string) (*models.Delegation, error)
	InsertMessages(ctx context.Context, msgs []models.DelegationMessage) error
	Messages(ctx context.Context, delegationID string) ([]models.DelegationMessage, error)
	// TreeTokensUsed sums tokens_used across the delegation tree rooted at
	// rootID, including the root itself.
	TreeTokensUsed(ctx context.Context, rootID string) (int, error)
}

// ProfileRegistry resolves profile names. Implemented by the config layer.
type ProfileRegistry interface {
	GetProfile(name string) (*models.AgentProfile, bool)
}
