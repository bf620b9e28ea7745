package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthive/hive/pkg/config"
)

// fakeSandbox mimics the sandbox service's data-plane API.
type fakeSandbox struct {
	sandboxCreates atomic.Int32
	contextCreates atomic.Int32
	executions     atomic.Int32
	stops          atomic.Int32

	// results returned by the execute endpoint.
	results []map[string]any
}

func (f *fakeSandbox) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, _ *http.Request) {
		f.sandboxCreates.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"sandboxId": "sbx-1"},
		})
	})
	mux.HandleFunc("POST /sandboxes/sbx-1/contexts", func(w http.ResponseWriter, r *http.Request) {
		f.contextCreates.Add(1)
		var req struct {
			Language string `json:"language"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ctx-" + req.Language})
	})
	mux.HandleFunc("POST /sandboxes/sbx-1/contexts/execute", func(w http.ResponseWriter, _ *http.Request) {
		f.executions.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": f.results})
	})
	mux.HandleFunc("POST /sandboxes/sbx-1/stop", func(w http.ResponseWriter, _ *http.Request) {
		f.stops.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestRunner(t *testing.T, fake *fakeSandbox) *CodeRunner {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewCodeRunner(config.CodeRunnerConfig{
		BaseURL:     srv.URL,
		ExecTimeout: 2 * time.Second,
		CallTimeout: 3 * time.Second,
	})
}

func TestExecuteSuccess(t *testing.T) {
	fake := &fakeSandbox{results: []map[string]any{
		{"type": "stdout", "text": "hello from python"},
		{"type": "result", "data": map[string]any{"text/plain": "42"}},
		{"type": "endOfExecution", "status": "ok"},
	}}
	runner := newTestRunner(t, fake)

	result := runner.Execute(context.Background(), `print("hello from python"); 42`, "python")

	assert.True(t, result.Success)
	assert.Contains(t, result.Stdout, "hello from python")
	assert.Contains(t, result.Stdout, "42")
	assert.Empty(t, result.Stderr)
	assert.Zero(t, result.ReturnCode)
	assert.Empty(t, result.ErrorType)
	assert.Equal(t, int32(1), fake.sandboxCreates.Load())
	assert.Equal(t, int32(1), fake.contextCreates.Load())
}

func TestExecuteReusesSandboxAndContexts(t *testing.T) {
	fake := &fakeSandbox{results: []map[string]any{
		{"type": "endOfExecution", "status": "ok"},
	}}
	runner := newTestRunner(t, fake)

	runner.Execute(context.Background(), "1+1", "python")
	runner.Execute(context.Background(), "2+2", "python")
	runner.Execute(context.Background(), "3+3", "javascript")

	assert.Equal(t, int32(1), fake.sandboxCreates.Load())
	// One context per language, reused across calls.
	assert.Equal(t, int32(2), fake.contextCreates.Load())
	assert.Equal(t, int32(3), fake.executions.Load())
}

func TestExecuteRuntimeError(t *testing.T) {
	fake := &fakeSandbox{results: []map[string]any{
		{"type": "error", "text": "NameError: name 'x' is not defined"},
		{"type": "endOfExecution", "status": "error"},
	}}
	runner := newTestRunner(t, fake)

	result := runner.Execute(context.Background(), "print(x)", "python")

	assert.False(t, result.Success)
	assert.Contains(t, result.Stderr, "NameError")
	assert.Equal(t, -1, result.ReturnCode)
	assert.Equal(t, ExecRuntimeError, result.ErrorType)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	fake := &fakeSandbox{}
	runner := newTestRunner(t, fake)

	result := runner.Execute(context.Background(), "puts 'hi'", "ruby")

	assert.False(t, result.Success)
	assert.Equal(t, ExecUnsupportedLanguage, result.ErrorType)
	assert.Zero(t, fake.sandboxCreates.Load(), "no sandbox for rejected languages")
}

func TestExecuteEmptyCode(t *testing.T) {
	fake := &fakeSandbox{}
	runner := newTestRunner(t, fake)

	result := runner.Execute(context.Background(), "   \n", "python")

	assert.False(t, result.Success)
	assert.Equal(t, ExecSyntaxError, result.ErrorType)
	assert.Zero(t, fake.sandboxCreates.Load())
}

func TestExecuteDefaultsToPython(t *testing.T) {
	fake := &fakeSandbox{results: []map[string]any{
		{"type": "endOfExecution", "status": "ok"},
	}}
	runner := newTestRunner(t, fake)

	result := runner.Execute(context.Background(), "1+1", "")
	assert.True(t, result.Success)
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sandboxes" {
			_ = json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-1"})
			return
		}
		if r.URL.Path == "/sandboxes/sbx-1/contexts" {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "ctx-python"})
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	runner := NewCodeRunner(config.CodeRunnerConfig{
		BaseURL:     srv.URL,
		ExecTimeout: 50 * time.Millisecond,
		CallTimeout: 10 * time.Second,
	})

	result := runner.Execute(context.Background(), "while True: pass", "python")
	assert.False(t, result.Success)
	assert.Equal(t, ExecTimeout, result.ErrorType)
}

func TestCloseStopsSandbox(t *testing.T) {
	fake := &fakeSandbox{results: []map[string]any{
		{"type": "endOfExecution", "status": "ok"},
	}}
	runner := newTestRunner(t, fake)

	runner.Execute(context.Background(), "1+1", "python")
	require.NoError(t, runner.Close(context.Background()))
	assert.Equal(t, int32(1), fake.stops.Load())

	// Idempotent: no second stop without a sandbox.
	require.NoError(t, runner.Close(context.Background()))
	assert.Equal(t, int32(1), fake.stops.Load())
}

func TestSandboxStatePersistence(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "sandbox_state.json")

	fake := &fakeSandbox{results: []map[string]any{
		{"type": "endOfExecution", "status": "ok"},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	runner := NewCodeRunner(config.CodeRunnerConfig{
		BaseURL:     srv.URL,
		ExecTimeout: 2 * time.Second,
		StateFile:   stateFile,
	})
	runner.Execute(context.Background(), "1+1", "python")

	raw, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	var state sandboxState
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "sbx-1", state.SandboxID)

	require.NoError(t, runner.Close(context.Background()))
	_, err = os.Stat(stateFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupStale(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "sandbox_state.json")

	fake := &fakeSandbox{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	state, err := json.Marshal(sandboxState{SandboxID: "sbx-1", BaseURL: srv.URL, PID: 12345})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stateFile, state, 0o600))

	runner := NewCodeRunner(config.CodeRunnerConfig{
		BaseURL:   srv.URL,
		StateFile: stateFile,
	})
	runner.CleanupStale(context.Background())

	assert.Equal(t, int32(1), fake.stops.Load())
	_, err = os.Stat(stateFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupStaleNoStateFile(t *testing.T) {
	fake := &fakeSandbox{}
	runner := newTestRunner(t, fake)
	runner.CleanupStale(context.Background())
	assert.Zero(t, fake.stops.Load())
}
