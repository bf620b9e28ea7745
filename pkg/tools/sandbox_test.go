package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthive/hive/pkg/config"
)

func newSandboxRegistry(t *testing.T) (*Registry, *Browser) {
	t.Helper()
	cfg := config.DefaultSandboxConfig()
	cfg.Browser.CallTimeout = 5 * time.Second

	browser, err := NewBrowser(cfg.Browser)
	require.NoError(t, err)
	browser.sleep = func(context.Context, time.Duration) error { return nil }
	runner := NewCodeRunner(cfg.CodeRunner)

	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, RegisterSandboxTools(reg, browser, runner, cfg))
	return reg, browser
}

func TestRegisterSandboxTools(t *testing.T) {
	reg, _ := newSandboxRegistry(t)

	assert.True(t, reg.Has(SandboxBrowserTool))
	assert.True(t, reg.Has(SandboxInterpreterTool))

	def, ok := reg.Get(SandboxBrowserTool)
	require.True(t, ok)
	assert.NotEmpty(t, def.Description)
	assert.NotEmpty(t, def.ParametersSchema)
}

func TestBrowserToolSearchAction(t *testing.T) {
	reg, browser := newSandboxRegistry(t)
	browser.engines = []searchEngine{
		{name: "stub", search: func(_ context.Context, query string, numResults int) ([]SearchResult, error) {
			assert.Equal(t, "go generics", query)
			assert.Equal(t, 3, numResults)
			return []SearchResult{{Title: "Generics intro", URL: "https://go.dev"}}, nil
		}},
	}

	record, err := reg.Invoke(context.Background(), SandboxBrowserTool, map[string]any{
		"action":      "search",
		"query":       "go generics",
		"num_results": float64(3),
	}, "worker-1")
	require.NoError(t, err)

	require.True(t, record.Success, "error: %s", record.Error)
	assert.Contains(t, record.Result, "Generics intro")
}

func TestBrowserToolFetchAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>Docs</title></head><body>content here</body></html>"))
	}))
	defer srv.Close()

	reg, _ := newSandboxRegistry(t)
	record, err := reg.Invoke(context.Background(), SandboxBrowserTool, map[string]any{
		"action": "fetch",
		"url":    srv.URL,
	}, "worker-1")
	require.NoError(t, err)

	require.True(t, record.Success, "error: %s", record.Error)
	assert.Contains(t, record.Result, "Docs")
	assert.Contains(t, record.Result, "content here")
}

func TestBrowserToolRejectsUnknownAction(t *testing.T) {
	reg, _ := newSandboxRegistry(t)

	// Schema enumerates search|fetch, so this fails validation.
	record, err := reg.Invoke(context.Background(), SandboxBrowserTool, map[string]any{
		"action": "teleport",
	}, "worker-1")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "validation")
}

func TestBrowserToolSearchRequiresQuery(t *testing.T) {
	reg, _ := newSandboxRegistry(t)

	record, err := reg.Invoke(context.Background(), SandboxBrowserTool, map[string]any{
		"action": "search",
	}, "worker-1")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "query")
}

func TestInterpreterToolValidation(t *testing.T) {
	reg, _ := newSandboxRegistry(t)

	record, err := reg.Invoke(context.Background(), SandboxInterpreterTool, map[string]any{
		"language": "python",
	}, "worker-1")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "validation")
}

func TestIntArg(t *testing.T) {
	assert.Equal(t, 3, intArg(map[string]any{"n": float64(3)}, "n", 8))
	assert.Equal(t, 4, intArg(map[string]any{"n": 4}, "n", 8))
	assert.Equal(t, 8, intArg(map[string]any{}, "n", 8))
	assert.Equal(t, 8, intArg(map[string]any{"n": "three"}, "n", 8))
}
