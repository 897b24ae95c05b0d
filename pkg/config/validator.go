package config

import (
	"fmt"

	"github.com/wardenhq/warden/pkg/models"
)

// validate checks the merged configuration. Errors carry dotted field paths
// so startup failures point at exactly what to fix.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return NewFieldError("server.port", fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertPath == "" {
			return NewFieldError("server.tls.cert_path", ErrMissingRequiredField)
		}
		if cfg.Server.TLS.KeyPath == "" {
			return NewFieldError("server.tls.key_path", ErrMissingRequiredField)
		}
	}

	for i, token := range cfg.Server.Tokens {
		path := fmt.Sprintf("server.tokens[%d]", i)
		if token.Token == "" && token.TokenEnv == "" {
			return NewFieldError(path+".token", ErrMissingRequiredField)
		}
		if token.TokenEnv != "" && token.Resolve() == "" {
			return NewFieldError(path+".token_env",
				fmt.Errorf("required secret not set: %s", token.TokenEnv))
		}
		if token.UserID == "" {
			return NewFieldError(path+".user_id", ErrMissingRequiredField)
		}
		if _, ok := cfg.Roles[token.Role]; !ok {
			return NewFieldError(path+".role",
				fmt.Errorf("%w: role %q not defined", ErrInvalidValue, token.Role))
		}
	}

	if cfg.Executor.MaxConcurrent < 1 {
		return NewFieldError("executor.max_concurrent",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.Executor.MaxTimeoutMs < cfg.Executor.DefaultTimeoutMs {
		return NewFieldError("executor.max_timeout_ms",
			fmt.Errorf("%w: below default_timeout_ms", ErrInvalidValue))
	}

	if cfg.Audit.SigningKeyEnv == "" {
		return NewFieldError("audit.signing_key_env", ErrMissingRequiredField)
	}
	if len(cfg.Audit.SigningKey()) < 32 {
		return NewFieldError("audit.signing_key_env",
			fmt.Errorf("required secret not set or shorter than 32 bytes: %s", cfg.Audit.SigningKeyEnv))
	}
	if v := cfg.Audit.Retention.MaxAgeDays; v != nil && (*v < 1 || *v > 3650) {
		return NewFieldError("audit.retention.max_age_days",
			fmt.Errorf("%w: must be in [1, 3650]", ErrInvalidValue))
	}
	if v := cfg.Audit.Retention.MaxEntries; v != nil && (*v < 100 || *v > 10_000_000) {
		return NewFieldError("audit.retention.max_entries",
			fmt.Errorf("%w: must be in [100, 10000000]", ErrInvalidValue))
	}

	for name, rule := range cfg.RateLimits {
		path := "rate_limits." + name
		if rule.WindowMs <= 0 {
			return NewFieldError(path+".window_ms", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if rule.MaxRequests <= 0 {
			return NewFieldError(path+".max_requests", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}

	for name, profile := range cfg.Profiles {
		path := "profiles." + name
		if profile.SystemPrompt == "" {
			return NewFieldError(path+".system_prompt", ErrMissingRequiredField)
		}
		if profile.MaxTokenBudget <= 0 {
			return NewFieldError(path+".max_token_budget",
				fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}

	for id, template := range cfg.templates {
		path := "swarm.templates." + id
		switch template.Strategy {
		case models.StrategySequential, models.StrategyParallel:
			if len(template.Roles) == 0 {
				return NewFieldError(path+".roles",
					fmt.Errorf("%w: %s strategy requires a non-empty role list", ErrInvalidValue, template.Strategy))
			}
		case models.StrategyDynamic:
			// A missing coordinator falls back to the configured default.
		default:
			return NewFieldError(path+".strategy",
				fmt.Errorf("%w: %q", ErrInvalidValue, template.Strategy))
		}
		for i, role := range template.Roles {
			if _, ok := cfg.Profiles[role.ProfileName]; !ok {
				return NewFieldError(fmt.Sprintf("%s.roles[%d].profile", path, i),
					fmt.Errorf("%w: profile %q not defined", ErrInvalidValue, role.ProfileName))
			}
		}
		if template.CoordinatorProfile != "" {
			if _, ok := cfg.Profiles[template.CoordinatorProfile]; !ok {
				return NewFieldError(path+".coordinator_profile",
					fmt.Errorf("%w: profile %q not defined", ErrInvalidValue, template.CoordinatorProfile))
			}
		}
	}

	if _, ok := cfg.Profiles[cfg.Swarm.DefaultCoordinatorProfile]; !ok {
		return NewFieldError("swarm.default_coordinator_profile",
			fmt.Errorf("%w: profile %q not defined", ErrInvalidValue, cfg.Swarm.DefaultCoordinatorProfile))
	}

	for i, binding := range cfg.Integration.Bindings {
		path := fmt.Sprintf("integrations.bindings[%d]", i)
		if binding.ID == "" {
			return NewFieldError(path+".id", ErrMissingRequiredField)
		}
		if binding.Platform == "" {
			return NewFieldError(path+".platform", ErrMissingRequiredField)
		}
	}

	return nil
}
