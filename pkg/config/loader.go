package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
)

// File names expected in the config directory. Both are optional; builtins
// cover a missing file entirely.
const (
	mainConfigFile     = "warden.yaml"
	profilesConfigFile = "profiles.yaml"
)

// profilesYAML is the profiles.yaml structure.
type profilesYAML struct {
	Profiles []models.AgentProfile `yaml:"profiles"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Load warden.yaml and profiles.yaml from configDir (either may be absent)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Build the profile and template registries
//  6. Validate everything, reporting field paths
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"profiles", stats.Profiles,
		"templates", stats.Templates,
		"roles", stats.Roles,
		"rate_rules", stats.RateRules,
		"integrations", stats.Integrations)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := defaultConfig()

	// 1. warden.yaml over defaults.
	if data, err := readConfigFile(filepath.Join(configDir, mainConfigFile)); err != nil {
		return nil, err
	} else if data != nil {
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, NewLoadError(mainConfigFile, err)
		}
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(mainConfigFile, err)
		}
	}

	// 2. Registries: builtins first, user definitions override by name/id.
	builtin := GetBuiltinConfig()

	cfg.Profiles = make(map[string]*models.AgentProfile, len(builtin.Profiles))
	for name, p := range builtin.Profiles {
		cfg.Profiles[name] = p
	}
	if data, err := readConfigFile(filepath.Join(configDir, profilesConfigFile)); err != nil {
		return nil, err
	} else if data != nil {
		var user profilesYAML
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, NewLoadError(profilesConfigFile, err)
		}
		for i := range user.Profiles {
			p := user.Profiles[i]
			if p.Kind == "" {
				p.Kind = models.ProfileKindLLM
			}
			cfg.Profiles[p.Name] = &p
		}
	}

	cfg.templates = make(map[string]*models.SwarmTemplate, len(builtin.Templates))
	for id, t := range builtin.Templates {
		cfg.templates[id] = t
	}
	for i := range cfg.Swarm.Templates {
		t := cfg.Swarm.Templates[i]
		cfg.templates[t.ID] = &t
	}

	// 3. Roles and rate rules: user entries override builtins per key.
	for name, perms := range builtin.Roles {
		if _, ok := cfg.Roles[name]; !ok {
			cfg.Roles[name] = perms
		}
	}
	for name, rule := range builtin.RateLimits {
		if _, ok := cfg.RateLimits[name]; !ok {
			cfg.RateLimits[name] = rule
		}
	}

	return cfg, nil
}

// defaultConfig returns the zero-deployment defaults applied before any
// user YAML.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Executor: ExecutorConfig{
			MaxConcurrent:    10,
			DefaultTimeoutMs: 120_000,
			MaxTimeoutMs:     600_000,
		},
		Delegation: DelegationConfig{
			MaxDepth:         3,
			DefaultTimeoutMs: 120_000,
		},
		Swarm: SwarmConfig{
			DefaultTokenBudget:        200_000,
			DefaultCoordinatorProfile: "researcher",
		},
		Audit: AuditConfig{
			SigningKeyEnv: "WARDEN_AUDIT_SIGNING_KEY",
		},
		Validation: ValidationConfig{
			MaxLength:    100_000,
			MaxFileBytes: 10 * 1024 * 1024,
		},
		Integration: IntegrationSettings{
			HealthCheckIntervalMs: 30_000,
			MaxRetries:            5,
			BaseDelayMs:           1_000,
		},
		RateLimits: map[string]ratelimit.Rule{},
		Roles:      map[string][]rbac.Permission{},
	}
}

// readConfigFile reads a config file, treating absence as nil data.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, NewLoadError(filepath.Base(path), err)
	}
	return data, nil
}
