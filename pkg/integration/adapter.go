// Package integration manages platform adapter lifecycles: registration,
// start/stop, health probing with exponential-backoff reconnect, and
// token-bucket rate-limited outbound sends. Concrete adapters are external
// collaborators; this package owns only the contract and the manager.
package integration

import (
	"context"
	"log/slog"

	"github.com/wardenhq/warden/pkg/models"
)

// Deps is handed to an adapter at Init. Inbound platform events must be
// normalised into UnifiedMessage and delivered through OnMessage; adapters
// MUST skip echo messages (those originating from this agent).
type Deps struct {
	Logger    *slog.Logger
	OnMessage func(msg models.UnifiedMessage)
}

// Adapter is the contract every platform implements. Start and Stop are
// idempotent.
type Adapter interface {
	// Init configures the adapter once, before Start.
	Init(config map[string]any, deps Deps) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// SendMessage delivers text to a chat and returns the platform message
	// id (empty string when the platform does not return one).
	SendMessage(ctx context.Context, chatID, text string, metadata map[string]any) (string, error)

	IsHealthy() bool
}

// RateLimit is a per-platform outbound send ceiling.
type RateLimit struct {
	MaxPerSecond int `yaml:"max_per_second"`
}

// RateLimited is implemented by adapters that declare their own platform
// rate limit, overriding the manager's defaults.
type RateLimited interface {
	PlatformRateLimit() *RateLimit
}

// TestResult is the outcome of an adapter connection test.
type TestResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ConnectionTester is implemented by adapters that can probe their platform
// without starting.
type ConnectionTester interface {
	TestConnection(ctx context.Context) TestResult
}

// Factory constructs a fresh adapter instance for a platform.
type Factory func() Adapter
