package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// HiveYAMLConfig represents the complete hive.yaml file structure.
type HiveYAMLConfig struct {
	System   *SystemYAMLConfig       `yaml:"system"`
	Defaults *Defaults               `yaml:"defaults"`
	Engine   *EngineConfig           `yaml:"engine"`
	Planner  *PlannerConfig          `yaml:"planner"`
	Provider *ProviderConfig         `yaml:"provider"`
	Sandbox  *SandboxConfig          `yaml:"sandbox"`
	Roles    map[string]RoleOverride `yaml:"roles"`
}

// SystemYAMLConfig groups host-level infrastructure settings.
type SystemYAMLConfig struct {
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load hive.yaml from configDir (missing file falls back to built-ins)
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Build the role registry
//  6. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"roles", stats.Roles,
		"multimodal_roles", stats.MultimodalRole)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	hiveConfig, err := loader.loadHiveYAML()
	if err != nil {
		return nil, NewLoadError("hive.yaml", err)
	}

	// Merge each section over its built-in defaults. Non-zero user values win.
	engine := DefaultEngineConfig()
	if hiveConfig.Engine != nil {
		if err := mergo.Merge(engine, hiveConfig.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	planner := DefaultPlannerConfig()
	if hiveConfig.Planner != nil {
		if err := mergo.Merge(planner, hiveConfig.Planner, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge planner config: %w", err)
		}
	}

	provider := DefaultProviderConfig()
	if hiveConfig.Provider != nil {
		if err := mergo.Merge(provider, hiveConfig.Provider, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge provider config: %w", err)
		}
	}

	sandbox := DefaultSandboxConfig()
	if hiveConfig.Sandbox != nil {
		if err := mergo.Merge(sandbox, hiveConfig.Sandbox, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge sandbox config: %w", err)
		}
	}

	defaults := DefaultDefaults()
	if hiveConfig.Defaults != nil {
		if err := mergo.Merge(defaults, hiveConfig.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge defaults: %w", err)
		}
	}

	roles := mergeRoles(BuiltinRoles(), hiveConfig.Roles)

	var wsOrigins []string
	if hiveConfig.System != nil {
		wsOrigins = hiveConfig.System.AllowedWSOrigins
	}

	return &Config{
		configDir:        configDir,
		Defaults:         defaults,
		Engine:           engine,
		Planner:          planner,
		Provider:         provider,
		Sandbox:          sandbox,
		Roles:            NewRoleRegistry(roles),
		AllowedWSOrigins: wsOrigins,
	}, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand {{.VAR}} templates before parsing. ExpandEnv passes the data
	// through on template errors so the YAML parser reports the clearer one.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadHiveYAML() (*HiveYAMLConfig, error) {
	var config HiveYAMLConfig
	config.Roles = make(map[string]RoleOverride)

	if err := l.loadYAML("hive.yaml", &config); err != nil {
		// Built-in defaults cover a missing file; the engine runs without
		// any user configuration.
		if errors.Is(err, ErrConfigNotFound) {
			slog.Info("No hive.yaml found, using built-in defaults")
			return &config, nil
		}
		return nil, err
	}

	return &config, nil
}
