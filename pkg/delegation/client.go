package delegation

import (
	"context"
	"errors"
)

// ErrNoProvider is returned by the unconfigured client. Deployments wire a
// real provider client at startup; until then delegations fail cleanly with
// a dependency-unavailable error instead of panicking.
var ErrNoProvider = errors.New("no LLM provider configured")

// UnconfiguredClient is the null LLMClient used when no provider is wired.
type UnconfiguredClient struct{}

// Complete implements LLMClient.
func (UnconfiguredClient) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, ErrNoProvider
}
