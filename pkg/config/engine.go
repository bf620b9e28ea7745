package config

import "time"

// EngineConfig contains wave executor and worker knobs.
type EngineConfig struct {
	// MaxConcurrentWorkers caps simultaneously running workers per job.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`

	// MaxIterations bounds the tool-calling loop of a single worker.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTaskRetries is the number of whole-conversation retries a worker
	// attempts after the inner loop fails.
	MaxTaskRetries int `yaml:"max_task_retries"`

	// ConsecutiveToolErrorLimit strips the toolset after this many
	// iterations in a row where every tool call failed.
	ConsecutiveToolErrorLimit int `yaml:"consecutive_tool_error_limit"`

	// WorkerTimeout is the outer budget for one worker executing one task.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`

	// StopGracePeriod is how long Stop waits for a graceful exit before
	// forcing the worker to Terminated.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`

	// ClaimTimeout is how long a claimed-but-not-started task may sit
	// before the board releases it back to pending.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// ReclaimInterval is how often the executor scans for expired claims.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// Gate configures the quality gate applied to completed steps.
	Gate GateConfig `yaml:"gate"`
}

// GateConfig configures the quality gate reviewer.
type GateConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is the minimum passing score (1-10 scale).
	Threshold float64 `yaml:"threshold"`

	// MaxRetryOnFailure bounds gate-driven re-runs of a step. Exhausting
	// the budget accepts the result with a warning; the gate never blocks.
	MaxRetryOnFailure int `yaml:"max_retry_on_failure"`

	// Model and Temperature for the reviewer LLM calls.
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// PlannerConfig configures the planning LLM calls.
type PlannerConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`

	// MaxSteps rejects plans that decompose into more steps than this.
	MaxSteps int `yaml:"max_steps"`
}

// Defaults contains system-wide fallbacks.
type Defaults struct {
	// FallbackRole is assigned when a plan names an unknown agent type.
	FallbackRole string `yaml:"fallback_role"`

	// Model used when a role does not pin one.
	Model string `yaml:"model"`

	// Temperature used when a role does not pin one.
	Temperature float64 `yaml:"temperature"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxConcurrentWorkers:      4,
		MaxIterations:             20,
		MaxTaskRetries:            2,
		ConsecutiveToolErrorLimit: 3,
		WorkerTimeout:             5 * time.Minute,
		StopGracePeriod:           30 * time.Second,
		ClaimTimeout:              60 * time.Second,
		ReclaimInterval:           10 * time.Second,
		Gate: GateConfig{
			Enabled:           true,
			Threshold:         6.0,
			MaxRetryOnFailure: 2,
			Model:             "qwen3-max",
			Temperature:       0.2,
		},
	}
}

// DefaultPlannerConfig returns the built-in planner defaults.
func DefaultPlannerConfig() *PlannerConfig {
	return &PlannerConfig{
		Model:       "qwen3-max",
		Temperature: 0.2,
		MaxSteps:    20,
	}
}

// DefaultDefaults returns the built-in system fallbacks.
func DefaultDefaults() *Defaults {
	return &Defaults{
		FallbackRole: "researcher",
		Model:        "qwen3-max",
		Temperature:  0.5,
	}
}
