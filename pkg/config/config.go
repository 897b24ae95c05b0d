// Package config loads, merges, validates, and serves the platform
// configuration: server binding and auth tokens, component bounds, RBAC
// roles, rate-limit rules, agent profiles, swarm templates, and integration
// bindings. Built-in defaults merge under user-provided YAML; validation
// errors name the offending field path.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/rbac"
)

// ServerTLS configures optional TLS and mTLS for the gateway.
type ServerTLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	// CAPath enables mTLS: client certificates are requested and must
	// verify against this CA.
	CAPath string `yaml:"ca_path"`
}

// ServerToken maps a bearer token to an identity. Exactly one of Token and
// TokenEnv is set; TokenEnv names an environment variable holding the value.
type ServerToken struct {
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
	UserID   string `yaml:"user_id"`
	Role     string `yaml:"role"`
}

// Resolve returns the effective token value.
func (t ServerToken) Resolve() string {
	if t.TokenEnv != "" {
		return os.Getenv(t.TokenEnv)
	}
	return t.Token
}

// ServerConfig is the gateway section.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TLS            ServerTLS     `yaml:"tls"`
	Tokens         []ServerToken `yaml:"tokens"`
}

// ExecutorConfig is the task executor section (millisecond fields, converted
// at wiring time).
type ExecutorConfig struct {
	MaxConcurrent    int `yaml:"max_concurrent"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int `yaml:"max_timeout_ms"`
}

// DelegationConfig is the delegation section.
type DelegationConfig struct {
	MaxDepth         int `yaml:"max_depth"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
}

// SwarmConfig is the swarm section.
type SwarmConfig struct {
	DefaultTokenBudget        int                    `yaml:"default_token_budget"`
	DefaultCoordinatorProfile string                 `yaml:"default_coordinator_profile"`
	Templates                 []models.SwarmTemplate `yaml:"templates"`
}

// RetentionConfig bounds audit chain growth.
type RetentionConfig struct {
	MaxAgeDays *int   `yaml:"max_age_days"`
	MaxEntries *int64 `yaml:"max_entries"`
}

// AuditConfig is the audit chain section. The signing key is never inlined
// in YAML; SigningKeyEnv names the environment variable carrying it.
type AuditConfig struct {
	SigningKeyEnv string          `yaml:"signing_key_env"`
	Retention     RetentionConfig `yaml:"retention"`
}

// SigningKey resolves the HMAC key from the environment.
func (a AuditConfig) SigningKey() []byte {
	return []byte(os.Getenv(a.SigningKeyEnv))
}

// ValidationConfig is the input validator section.
type ValidationConfig struct {
	MaxLength    int `yaml:"max_length"`
	MaxFileBytes int `yaml:"max_file_bytes"`
}

// IntegrationSettings is the integration manager section.
type IntegrationSettings struct {
	HealthCheckIntervalMs int                          `yaml:"health_check_interval_ms"`
	MaxRetries            int                          `yaml:"max_retries"`
	BaseDelayMs           int                          `yaml:"base_delay_ms"`
	PlatformRateLimits    map[string]int               `yaml:"platform_rate_limits"` // platform → max per second
	Bindings              []*models.IntegrationConfig  `yaml:"bindings"`
}

// Config is the fully merged, validated platform configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Executor    ExecutorConfig            `yaml:"executor"`
	Delegation  DelegationConfig          `yaml:"delegation"`
	Swarm       SwarmConfig               `yaml:"swarm"`
	Audit       AuditConfig               `yaml:"audit"`
	Validation  ValidationConfig          `yaml:"validation"`
	Integration IntegrationSettings       `yaml:"integrations"`
	RateLimits  map[string]ratelimit.Rule `yaml:"rate_limits"`
	Roles       map[string][]rbac.Permission `yaml:"rbac"`

	// Profiles comes from profiles.yaml merged over builtins.
	Profiles map[string]*models.AgentProfile `yaml:"-"`

	// templates is built from Swarm.Templates merged over builtins.
	templates map[string]*models.SwarmTemplate
}

// Stats summarises the loaded configuration for logging and health.
type Stats struct {
	Profiles     int `json:"profiles"`
	Templates    int `json:"templates"`
	Roles        int `json:"roles"`
	RateRules    int `json:"rate_rules"`
	Integrations int `json:"integrations"`
}

// Stats returns configuration counts.
func (c *Config) Stats() Stats {
	return Stats{
		Profiles:     len(c.Profiles),
		Templates:    len(c.templates),
		Roles:        len(c.Roles),
		RateRules:    len(c.RateLimits),
		Integrations: len(c.Integration.Bindings),
	}
}

// GetProfile implements delegation.ProfileRegistry.
func (c *Config) GetProfile(name string) (*models.AgentProfile, bool) {
	p, ok := c.Profiles[name]
	return p, ok
}

// GetTemplate implements swarm.TemplateRegistry.
func (c *Config) GetTemplate(id string) (*models.SwarmTemplate, bool) {
	t, ok := c.templates[id]
	return t, ok
}

// Templates implements swarm.TemplateRegistry.
func (c *Config) Templates() []models.SwarmTemplate {
	out := make([]models.SwarmTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, *t)
	}
	return out
}

// ExecutorTimeouts converts the millisecond fields.
func (c *Config) ExecutorTimeouts() (defaultTimeout, maxTimeout time.Duration) {
	return time.Duration(c.Executor.DefaultTimeoutMs) * time.Millisecond,
		time.Duration(c.Executor.MaxTimeoutMs) * time.Millisecond
}

// ListenAddr returns the gateway bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
