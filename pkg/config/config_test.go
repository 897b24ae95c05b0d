package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/ratelimit"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestInitializeWithBuiltinsOnly(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)
	dir := writeConfig(t, nil)

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	// Builtins cover profiles, templates, roles, and rate rules.
	_, ok := cfg.GetProfile("researcher")
	assert.True(t, ok)
	_, ok = cfg.GetTemplate("research-build-review")
	assert.True(t, ok)
	assert.Contains(t, cfg.Roles, "admin")
	assert.Contains(t, cfg.RateLimits, "task_creation")
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestInitializeMergesUserConfigOverBuiltins(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)
	dir := writeConfig(t, map[string]string{
		"warden.yaml": `
server:
  port: 9000
executor:
  max_concurrent: 4
rate_limits:
  task_creation:
    window_ms: 1000
    max_requests: 2
    key_type: user
    on_exceed: reject
swarm:
  templates:
    - id: custom-chain
      name: Custom chain
      strategy: sequential
      roles:
        - role: worker
          profile: researcher
`,
		"profiles.yaml": `
profiles:
  - name: auditor
    system_prompt: "You audit things."
    max_token_budget: 50000
    default_model: default-small
`,
	})

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Executor.MaxConcurrent)
	assert.Equal(t, ratelimit.Rule{
		WindowMs: 1000, MaxRequests: 2,
		KeyType: ratelimit.KeyTypeUser, OnExceed: ratelimit.ExceedReject,
	}, cfg.RateLimits["task_creation"])

	auditor, ok := cfg.GetProfile("auditor")
	require.True(t, ok)
	assert.Equal(t, models.ProfileKindLLM, auditor.Kind)

	custom, ok := cfg.GetTemplate("custom-chain")
	require.True(t, ok)
	assert.Equal(t, models.StrategySequential, custom.Strategy)

	// Builtins survive alongside user additions.
	_, ok = cfg.GetTemplate("panel-review")
	assert.True(t, ok)
}

func TestInitializeExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)
	t.Setenv("TEST_PORT", "9999")
	dir := writeConfig(t, map[string]string{
		"warden.yaml": "server:\n  port: ${TEST_PORT}\n",
	})

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestInitializeRejectsMissingSigningKey(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", "")
	dir := writeConfig(t, nil)

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit.signing_key_env")
}

func TestInitializeRejectsUnknownProfileReference(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)
	dir := writeConfig(t, map[string]string{
		"warden.yaml": `
swarm:
  templates:
    - id: broken
      strategy: sequential
      roles:
        - role: worker
          profile: no-such-profile
`,
	})

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swarm.templates.broken.roles[0].profile")
}

func TestInitializeRejectsEmptyRoleListForSequential(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)
	dir := writeConfig(t, map[string]string{
		"warden.yaml": `
swarm:
  templates:
    - id: empty
      strategy: sequential
`,
	})

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swarm.templates.empty.roles")
}

func TestInitializeValidatesTokens(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)

	dir := writeConfig(t, map[string]string{
		"warden.yaml": `
server:
  tokens:
    - token_env: MISSING_TOKEN_ENV
      user_id: ops
      role: operator
`,
	})
	t.Setenv("MISSING_TOKEN_ENV", "")

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.tokens[0].token_env")
	assert.Contains(t, err.Error(), "required secret not set")
}

func TestInitializeRejectsRetentionOutOfBounds(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_SIGNING_KEY", testSigningKey)
	dir := writeConfig(t, map[string]string{
		"warden.yaml": `
audit:
  signing_key_env: WARDEN_AUDIT_SIGNING_KEY
  retention:
    max_age_days: 5000
`,
	})

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit.retention.max_age_days")
}
