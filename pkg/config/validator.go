package config

import (
	"fmt"
)

// Validator validates loaded configuration with precise error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, failing fast at the first error.
func (v *Validator) ValidateAll() error {
	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}
	if err := v.validatePlanner(); err != nil {
		return fmt.Errorf("planner validation failed: %w", err)
	}
	if err := v.validateProvider(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}
	if err := v.validateSandbox(); err != nil {
		return fmt.Errorf("sandbox validation failed: %w", err)
	}
	if err := v.validateRoles(); err != nil {
		return fmt.Errorf("role validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateEngine() error {
	e := v.cfg.Engine
	if e.MaxConcurrentWorkers < 1 {
		return NewValidationError("engine", "", "max_concurrent_workers", fmt.Errorf("must be at least 1"))
	}
	if e.MaxIterations < 1 {
		return NewValidationError("engine", "", "max_iterations", fmt.Errorf("must be at least 1"))
	}
	if e.MaxTaskRetries < 0 {
		return NewValidationError("engine", "", "max_task_retries", fmt.Errorf("must not be negative"))
	}
	if e.ConsecutiveToolErrorLimit < 1 {
		return NewValidationError("engine", "", "consecutive_tool_error_limit", fmt.Errorf("must be at least 1"))
	}
	if e.WorkerTimeout <= 0 {
		return NewValidationError("engine", "", "worker_timeout", fmt.Errorf("must be positive"))
	}
	if e.StopGracePeriod <= 0 {
		return NewValidationError("engine", "", "stop_grace_period", fmt.Errorf("must be positive"))
	}
	if e.ClaimTimeout <= 0 {
		return NewValidationError("engine", "", "claim_timeout", fmt.Errorf("must be positive"))
	}
	if e.ReclaimInterval <= 0 {
		return NewValidationError("engine", "", "reclaim_interval", fmt.Errorf("must be positive"))
	}
	if e.Gate.Threshold < 1 || e.Gate.Threshold > 10 {
		return NewValidationError("engine", "", "gate.threshold", fmt.Errorf("must be within [1, 10]"))
	}
	if e.Gate.MaxRetryOnFailure < 0 {
		return NewValidationError("engine", "", "gate.max_retry_on_failure", fmt.Errorf("must not be negative"))
	}
	if e.Gate.Enabled && e.Gate.Model == "" {
		return NewValidationError("engine", "", "gate.model", fmt.Errorf("required when gate is enabled"))
	}
	return nil
}

func (v *Validator) validatePlanner() error {
	p := v.cfg.Planner
	if p.Model == "" {
		return NewValidationError("planner", "", "model", fmt.Errorf("required"))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return NewValidationError("planner", "", "temperature", fmt.Errorf("must be within [0, 2]"))
	}
	if p.MaxSteps < 1 {
		return NewValidationError("planner", "", "max_steps", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *Validator) validateProvider() error {
	p := v.cfg.Provider
	if p.BaseURL == "" {
		return NewValidationError("provider", "", "base_url", fmt.Errorf("required"))
	}
	if p.APIKeyEnv == "" {
		return NewValidationError("provider", "", "api_key_env", fmt.Errorf("required"))
	}
	if p.Timeout <= 0 {
		return NewValidationError("provider", "", "timeout", fmt.Errorf("must be positive"))
	}
	if p.RetryAttempts < 0 {
		return NewValidationError("provider", "", "retry_attempts", fmt.Errorf("must not be negative"))
	}
	return nil
}

func (v *Validator) validateSandbox() error {
	s := v.cfg.Sandbox
	if s.CodeRunner.ExecTimeout <= 0 {
		return NewValidationError("sandbox", "code_runner", "exec_timeout", fmt.Errorf("must be positive"))
	}
	if s.CodeRunner.CallTimeout < s.CodeRunner.ExecTimeout {
		return NewValidationError("sandbox", "code_runner", "call_timeout", fmt.Errorf("must cover exec_timeout"))
	}
	if s.Browser.CallTimeout <= 0 {
		return NewValidationError("sandbox", "browser", "call_timeout", fmt.Errorf("must be positive"))
	}
	if s.Browser.MaxContentChars < 1000 {
		return NewValidationError("sandbox", "browser", "max_content_chars", fmt.Errorf("must be at least 1000"))
	}
	if s.Browser.CacheSize < 0 {
		return NewValidationError("sandbox", "browser", "cache_size", fmt.Errorf("must not be negative"))
	}
	if s.Browser.DefaultResults < 1 {
		return NewValidationError("sandbox", "browser", "default_results", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *Validator) validateRoles() error {
	if !v.cfg.Roles.Has(v.cfg.Defaults.FallbackRole) {
		return NewValidationError("defaults", "", "fallback_role",
			fmt.Errorf("role %q not defined", v.cfg.Defaults.FallbackRole))
	}

	for key, role := range v.cfg.Roles.All() {
		if role.Temperature < 0 || role.Temperature > 2 {
			return NewValidationError("role", key, "temperature", fmt.Errorf("must be within [0, 2]"))
		}
		if role.Multimodal {
			if role.Media == nil || role.Media.Model == "" {
				return NewValidationError("role", key, "media.model", fmt.Errorf("required for multimodal roles"))
			}
			continue
		}
		if role.Model == "" {
			return NewValidationError("role", key, "model", fmt.Errorf("required"))
		}
		if role.SystemPrompt == "" {
			return NewValidationError("role", key, "system_prompt", fmt.Errorf("required"))
		}
	}
	return nil
}
