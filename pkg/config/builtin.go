package config

import (
	"sync"

	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
)

// BuiltinConfig holds the defaults shipped with the binary. User YAML merges
// over these; anything a deployment does not mention works out of the box.
type BuiltinConfig struct {
	Profiles   map[string]*models.AgentProfile
	Templates  map[string]*models.SwarmTemplate
	Roles      map[string][]rbac.Permission
	RateLimits map[string]ratelimit.Rule
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration.
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Profiles:   initBuiltinProfiles(),
		Templates:  initBuiltinTemplates(),
		Roles:      initBuiltinRoles(),
		RateLimits: initBuiltinRateLimits(),
	}
}

func initBuiltinProfiles() map[string]*models.AgentProfile {
	return map[string]*models.AgentProfile{
		"researcher": {
			Name:           "researcher",
			SystemPrompt:   "You are a meticulous researcher. Gather relevant facts, cite what you find, and state uncertainty explicitly.",
			MaxTokenBudget: 100_000,
			AllowedTools:   []string{"web_search", "read_file"},
			DefaultModel:   "default-large",
			Kind:           models.ProfileKindLLM,
		},
		"coder": {
			Name:           "coder",
			SystemPrompt:   "You are a careful software engineer. Produce working, idiomatic code with error handling.",
			MaxTokenBudget: 150_000,
			AllowedTools:   []string{"read_file", "write_file"},
			DefaultModel:   "default-large",
			Kind:           models.ProfileKindLLM,
		},
		"reviewer": {
			Name:           "reviewer",
			SystemPrompt:   "You review work for correctness, security, and completeness. Be specific about every issue you find.",
			MaxTokenBudget: 100_000,
			AllowedTools:   []string{"read_file"},
			DefaultModel:   "default-large",
			Kind:           models.ProfileKindLLM,
		},
		"synthesizer": {
			Name:           "synthesizer",
			SystemPrompt:   "You merge multiple analyses into one coherent answer, preserving disagreements where they matter.",
			MaxTokenBudget: 80_000,
			AllowedTools:   nil,
			DefaultModel:   "default-small",
			Kind:           models.ProfileKindLLM,
		},
	}
}

func initBuiltinTemplates() map[string]*models.SwarmTemplate {
	return map[string]*models.SwarmTemplate{
		"research-build-review": {
			ID:          "research-build-review",
			Name:        "Research, build, review",
			Description: "Sequential researcher → coder → reviewer chain.",
			Strategy:    models.StrategySequential,
			Roles: []models.SwarmRole{
				{Role: "researcher", ProfileName: "researcher"},
				{Role: "coder", ProfileName: "coder"},
				{Role: "reviewer", ProfileName: "reviewer"},
			},
			IsBuiltin: true,
		},
		"panel-review": {
			ID:          "panel-review",
			Name:        "Panel review",
			Description: "Parallel reviewers joined by a synthesizer.",
			Strategy:    models.StrategyParallel,
			Roles: []models.SwarmRole{
				{Role: "correctness", ProfileName: "reviewer"},
				{Role: "security", ProfileName: "reviewer"},
				{Role: "completeness", ProfileName: "reviewer"},
			},
			CoordinatorProfile: "synthesizer",
			IsBuiltin:          true,
		},
		"dynamic-research": {
			ID:                 "dynamic-research",
			Name:               "Dynamic research",
			Description:        "A coordinator that plans and spawns its own delegations.",
			Strategy:           models.StrategyDynamic,
			CoordinatorProfile: "researcher",
			IsBuiltin:          true,
		},
	}
}

func initBuiltinRoles() map[string][]rbac.Permission {
	return map[string][]rbac.Permission{
		"admin": {
			{Resource: "*", Action: "*"},
		},
		"operator": {
			{Resource: "tasks", Action: "create"},
			{Resource: "tasks", Action: "read"},
			{Resource: "tasks", Action: "update"},
			{Resource: "tasks", Action: "cancel"},
			{Resource: "swarms", Action: "*"},
			{Resource: "metrics", Action: "read"},
			{Resource: "integrations", Action: "read"},
			{Resource: "integrations", Action: "send"},
		},
		"viewer": {
			{Resource: "tasks", Action: "read"},
			{Resource: "swarms", Action: "read"},
			{Resource: "metrics", Action: "read"},
		},
	}
}

func initBuiltinRateLimits() map[string]ratelimit.Rule {
	return map[string]ratelimit.Rule{
		"task_creation": {
			WindowMs:    60_000,
			MaxRequests: 60,
			KeyType:     ratelimit.KeyTypeUser,
			OnExceed:    ratelimit.ExceedReject,
		},
		"audit_export": {
			WindowMs:    60_000,
			MaxRequests: 5,
			KeyType:     ratelimit.KeyTypeGlobal,
			OnExceed:    ratelimit.ExceedReject,
		},
	}
}
