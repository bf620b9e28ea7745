// Package config loads and validates the engine configuration: role
// definitions, model settings, executor knobs, provider endpoints, and
// sandbox tool settings. Configuration comes from YAML files with
// environment expansion, merged over built-in defaults.
package config

// Config is the umbrella configuration object returned by Initialize and
// passed to the composition root. All fields are immutable after loading.
type Config struct {
	configDir string

	// System-wide defaults (fallback role, default model)
	Defaults *Defaults

	// Executor and worker knobs
	Engine *EngineConfig

	// Planner LLM settings
	Planner *PlannerConfig

	// Provider endpoints and credentials
	Provider *ProviderConfig

	// Sandbox tool settings
	Sandbox *SandboxConfig

	// Role registry (built-in roles merged with user overrides)
	Roles *RoleRegistry

	// Additional allowed WebSocket origins beyond same-host
	AllowedWSOrigins []string
}

// Stats contains counts of loaded configuration for startup logging.
type Stats struct {
	Roles          int
	MultimodalRole int
}

// Stats returns configuration statistics for logging.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Roles != nil {
		s.Roles = c.Roles.Len()
		for _, r := range c.Roles.All() {
			if r.Multimodal {
				s.MultimodalRole++
			}
		}
	}
	return s
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetRole retrieves a role by key, falling back to the default role for
// unknown keys. The bool reports whether the key was known.
func (c *Config) GetRole(key string) (*Role, bool) {
	return c.Roles.Resolve(key, c.Defaults.FallbackRole)
}
