package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agenthive/hive/pkg/config"
)

// Execution error classifications surfaced to the model.
const (
	ExecUnsupportedLanguage = "EXEC_UNSUPPORTED_LANGUAGE"
	ExecSyntaxError         = "EXEC_SYNTAX_ERROR"
	ExecTimeout             = "EXEC_TIMEOUT"
	ExecRuntimeError        = "EXEC_RUNTIME_ERROR"
)

var supportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
}

// ExecResult is the outcome of one code execution in the sandbox.
type ExecResult struct {
	Success       bool    `json:"success"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ReturnCode    int     `json:"return_code"`
	ExecutionTime float64 `json:"execution_time"`
	ErrorType     string  `json:"error_type,omitempty"`
}

// CodeRunner executes model-written code in a remote sandbox service.
// One sandbox instance is created lazily on first use and reused across
// calls, with one execution context per language.
type CodeRunner struct {
	cfg        config.CodeRunnerConfig
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	sandboxID  string
	contextIDs map[string]string
}

// sandboxState is persisted so a sandbox orphaned by a crash can be
// stopped on the next startup.
type sandboxState struct {
	SandboxID string `json:"sandbox_id"`
	BaseURL   string `json:"base_url"`
	PID       int    `json:"pid"`
}

// NewCodeRunner creates a sandbox code execution backend. The sandbox
// itself is not created until the first Execute call.
func NewCodeRunner(cfg config.CodeRunnerConfig) *CodeRunner {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &CodeRunner{
		cfg:        cfg,
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "sandbox_code_interpreter"),
		contextIDs: make(map[string]string),
	}
}

// Execute runs code in the sandbox. Failures are reported in the result
// rather than as errors so the model sees what went wrong.
func (c *CodeRunner) Execute(ctx context.Context, code, language string) ExecResult {
	start := time.Now()

	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = "python"
	}
	if !supportedLanguages[language] {
		return ExecResult{
			Stderr:     fmt.Sprintf("unsupported language: %s (supported: python, javascript)", language),
			ReturnCode: -1,
			ErrorType:  ExecUnsupportedLanguage,
		}
	}
	if strings.TrimSpace(code) == "" {
		return ExecResult{
			Stderr:     "code cannot be empty",
			ReturnCode: -1,
			ErrorType:  ExecSyntaxError,
		}
	}

	timeout := c.cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.execute(execCtx, code, language)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return ExecResult{
				Stderr:        fmt.Sprintf("execution timed out after %s", timeout),
				ReturnCode:    -1,
				ExecutionTime: elapsed,
				ErrorType:     ExecTimeout,
			}
		}
		return ExecResult{
			Stderr:        fmt.Sprintf("execution error: %v", err),
			ReturnCode:    -1,
			ExecutionTime: elapsed,
			ErrorType:     ExecRuntimeError,
		}
	}
	result.ExecutionTime = elapsed
	return result
}

func (c *CodeRunner) execute(ctx context.Context, code, language string) (ExecResult, error) {
	sandboxID, contextID, err := c.ensureContext(ctx, language)
	if err != nil {
		return ExecResult{}, err
	}

	raw, err := c.postJSON(ctx, fmt.Sprintf("/sandboxes/%s/contexts/execute", sandboxID), map[string]any{
		"contextId": contextID,
		"code":      code,
	})
	if err != nil {
		return ExecResult{}, err
	}

	var parsed struct {
		Results []struct {
			Type   string         `json:"type"`
			Text   string         `json:"text"`
			Data   map[string]any `json:"data"`
			Status string         `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ExecResult{}, fmt.Errorf("decoding execution response: %w", err)
	}

	var stdout, stderr []string
	execStatus := "ok"
	for _, item := range parsed.Results {
		switch item.Type {
		case "stdout":
			stdout = append(stdout, item.Text)
		case "stderr", "error":
			stderr = append(stderr, item.Text)
		case "result":
			// Expression values arrive either as text or as a MIME map.
			text := item.Text
			if text == "" && item.Data != nil {
				if plain, ok := item.Data["text/plain"].(string); ok {
					text = plain
				}
			}
			if text != "" && text != "None" {
				stdout = append(stdout, text)
			}
		case "endOfExecution":
			if item.Status != "" {
				execStatus = item.Status
			}
		}
	}

	result := ExecResult{
		Stdout:  strings.Join(stdout, "\n"),
		Stderr:  strings.Join(stderr, "\n"),
		Success: execStatus == "ok" && len(stderr) == 0,
	}
	if !result.Success {
		result.ReturnCode = -1
		result.ErrorType = ExecRuntimeError
	}
	return result, nil
}

// ensureContext guarantees a live sandbox and a per-language execution
// context, creating both on demand.
func (c *CodeRunner) ensureContext(ctx context.Context, language string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sandboxID == "" {
		raw, err := c.postJSON(ctx, "/sandboxes", map[string]any{
			"templateName": "code-interpreter",
		})
		if err != nil {
			return "", "", fmt.Errorf("creating sandbox: %w", err)
		}
		id, err := parseSandboxID(raw)
		if err != nil {
			return "", "", err
		}
		c.sandboxID = id
		c.logger.Info("Created sandbox", "sandbox_id", id)
		c.saveState()
	}

	if id, ok := c.contextIDs[language]; ok {
		return c.sandboxID, id, nil
	}
	raw, err := c.postJSON(ctx, fmt.Sprintf("/sandboxes/%s/contexts", c.sandboxID), map[string]any{
		"language": language,
	})
	if err != nil {
		return "", "", fmt.Errorf("creating %s context: %w", language, err)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
		return "", "", fmt.Errorf("context creation returned no id")
	}
	c.contextIDs[language] = parsed.ID
	c.logger.Info("Created execution context", "context_id", parsed.ID, "language", language)
	return c.sandboxID, parsed.ID, nil
}

// parseSandboxID handles both response envelopes the service emits.
func parseSandboxID(raw []byte) (string, error) {
	var parsed struct {
		SandboxID string `json:"sandboxId"`
		Data      struct {
			SandboxID string `json:"sandboxId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decoding sandbox response: %w", err)
	}
	if parsed.Data.SandboxID != "" {
		return parsed.Data.SandboxID, nil
	}
	if parsed.SandboxID != "" {
		return parsed.SandboxID, nil
	}
	return "", fmt.Errorf("sandbox creation returned no id")
}

// Close stops the sandbox. Safe to call repeatedly; a failed stop is
// logged and forgotten since idle sandboxes are reclaimed server-side.
func (c *CodeRunner) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sandboxID == "" {
		return nil
	}
	sandboxID := c.sandboxID
	c.sandboxID = ""
	c.contextIDs = make(map[string]string)
	c.clearState()

	if _, err := c.postJSON(ctx, fmt.Sprintf("/sandboxes/%s/stop", sandboxID), nil); err != nil {
		c.logger.Warn("Failed to stop sandbox", "sandbox_id", sandboxID, "error", err)
		return err
	}
	c.logger.Info("Stopped sandbox", "sandbox_id", sandboxID)
	return nil
}

// CleanupStale stops a sandbox left over from a previous run, using the
// persisted state file. Idempotent: a sandbox already reclaimed by the
// service returns 404, which is treated as success.
func (c *CodeRunner) CleanupStale(ctx context.Context) {
	if c.cfg.StateFile == "" {
		return
	}
	raw, err := os.ReadFile(c.cfg.StateFile)
	if err != nil {
		return
	}
	var state sandboxState
	if err := json.Unmarshal(raw, &state); err != nil || state.SandboxID == "" {
		c.clearState()
		return
	}

	c.logger.Info("Stopping stale sandbox from previous run",
		"sandbox_id", state.SandboxID, "pid", state.PID)
	if _, err := c.postJSON(ctx, fmt.Sprintf("/sandboxes/%s/stop", state.SandboxID), nil); err != nil {
		c.logger.Warn("Stale sandbox cleanup failed", "sandbox_id", state.SandboxID, "error", err)
	}
	c.clearState()
}

func (c *CodeRunner) saveState() {
	if c.cfg.StateFile == "" || c.sandboxID == "" {
		return
	}
	raw, err := json.Marshal(sandboxState{
		SandboxID: c.sandboxID,
		BaseURL:   c.cfg.BaseURL,
		PID:       os.Getpid(),
	})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.StateFile), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(c.cfg.StateFile, raw, 0o600); err != nil {
		c.logger.Debug("Failed to persist sandbox state", "error", err)
	}
}

func (c *CodeRunner) clearState() {
	if c.cfg.StateFile == "" {
		return
	}
	_ = os.Remove(c.cfg.StateFile)
}

func (c *CodeRunner) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusNotFound:
		// 404 on stop means the sandbox is already gone.
		if resp.StatusCode == http.StatusNotFound && !strings.HasSuffix(path, "/stop") {
			return nil, fmt.Errorf("sandbox returned HTTP 404: %s", string(raw))
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, string(raw))
	}
}
