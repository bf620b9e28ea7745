package config

import "time"

// ProviderConfig defines the model provider endpoints and credentials.
// The engine targets a DashScope-style provider: an OpenAI-compatible chat
// endpoint plus dedicated multimodal generation and async task endpoints.
type ProviderConfig struct {
	// BaseURL of the OpenAI-compatible chat completions API.
	BaseURL string `yaml:"base_url"`

	// MediaURL of the multimodal generation / async task API.
	MediaURL string `yaml:"media_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Timeout per HTTP call.
	Timeout time.Duration `yaml:"timeout"`

	// RetryAttempts for transient failures.
	RetryAttempts int `yaml:"retry_attempts"`
}

// SandboxConfig groups settings for the sandbox fallback tools.
type SandboxConfig struct {
	CodeRunner CodeRunnerConfig `yaml:"code_runner"`
	Browser    BrowserConfig    `yaml:"browser"`
}

// CodeRunnerConfig configures the remote code execution sandbox.
type CodeRunnerConfig struct {
	// BaseURL of the sandbox service (account- and region-specific).
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the sandbox key.
	APIKeyEnv string `yaml:"api_key_env"`

	// ExecTimeout bounds a single code execution.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// CallTimeout bounds the whole tool invocation including sandbox setup.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// StateFile persists the sandbox id across restarts so stale sandboxes
	// can be stopped at startup. Empty disables persistence.
	StateFile string `yaml:"state_file"`
}

// BrowserConfig configures the sandbox browser tool.
type BrowserConfig struct {
	// CallTimeout bounds the whole tool invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// SearchTimeout bounds one search engine round-trip.
	SearchTimeout time.Duration `yaml:"search_timeout"`

	// FetchTimeout bounds one page fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxContentChars truncates extracted page text.
	MaxContentChars int `yaml:"max_content_chars"`

	// CacheSize is the number of fetched pages memoized across workers.
	CacheSize int `yaml:"cache_size"`

	// DefaultResults is the search result count when the caller omits it.
	DefaultResults int `yaml:"default_results"`
}

// DefaultProviderConfig returns the built-in provider defaults.
func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		BaseURL:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
		MediaURL:      "https://dashscope.aliyuncs.com/api/v1",
		APIKeyEnv:     "HIVE_API_KEY",
		Timeout:       120 * time.Second,
		RetryAttempts: 5,
	}
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		CodeRunner: CodeRunnerConfig{
			APIKeyEnv:   "HIVE_SANDBOX_API_KEY",
			ExecTimeout: 30 * time.Second,
			CallTimeout: 35 * time.Second,
			StateFile:   ".hive/sandbox_state.json",
		},
		Browser: BrowserConfig{
			CallTimeout:     35 * time.Second,
			SearchTimeout:   20 * time.Second,
			FetchTimeout:    30 * time.Second,
			MaxContentChars: 15000,
			CacheSize:       256,
			DefaultResults:  8,
		},
	}
}
