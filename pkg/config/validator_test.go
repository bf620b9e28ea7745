package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := load(context.Background(), t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestValidatorAcceptsDefaults(t *testing.T) {
	cfg := validConfig(t)
	assert.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidatorEngine(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.MaxConcurrentWorkers = 0 }},
		{"zero iterations", func(c *Config) { c.Engine.MaxIterations = 0 }},
		{"negative retries", func(c *Config) { c.Engine.MaxTaskRetries = -1 }},
		{"zero claim timeout", func(c *Config) { c.Engine.ClaimTimeout = 0 }},
		{"threshold out of range", func(c *Config) { c.Engine.Gate.Threshold = 0.5 }},
		{"gate model missing", func(c *Config) { c.Engine.Gate.Model = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidatorRoles(t *testing.T) {
	cfg := validConfig(t)
	roles := cfg.Roles.All()
	roles["broken"] = &Role{Key: "broken", SystemPrompt: "prompt"} // no model
	cfg.Roles = NewRoleRegistry(roles)

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestValidatorFallbackRoleMustExist(t *testing.T) {
	cfg := validConfig(t)
	cfg.Defaults.FallbackRole = "ghost"

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback_role")
}

func TestValidatorMultimodalNeedsMediaModel(t *testing.T) {
	cfg := validConfig(t)
	roles := cfg.Roles.All()
	roles["bad_video"] = &Role{Key: "bad_video", Multimodal: true}
	cfg.Roles = NewRoleRegistry(roles)

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media.model")
}
