package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/tools"
)

var promptNow = time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

func TestSystemPromptLayout(t *testing.T) {
	reg := registryWith(t)
	role := config.BuiltinRoles()["researcher"]
	task := models.SubTask{
		ID:             "t1",
		Content:        "Survey the current state of WebAssembly runtimes",
		ExpectedOutput: "A structured brief with sources",
	}

	prompt := buildSystemPrompt(role, role.Model, task, reg, promptNow)

	assert.Contains(t, prompt, "[System time] 2026-08-25 10:30:00 Tuesday")
	assert.Contains(t, prompt, "Treat 2026-08 as the present")
	assert.Contains(t, prompt, role.SystemPrompt)
	assert.Contains(t, prompt, "# Current task\nSurvey the current state of WebAssembly runtimes")
	assert.Contains(t, prompt, "Expected output: A structured brief with sources")
	assert.Contains(t, prompt, "# Topic constraint (highest priority)")
	assert.Contains(t, prompt, "# Data provenance")
	assert.Contains(t, prompt, "at least 500 characters")
}

func TestSystemPromptListsSandboxSubstitute(t *testing.T) {
	reg := registryWith(t, tools.SandboxBrowserTool)
	role := config.BuiltinRoles()["researcher"] // deepseek-r1, non-native

	prompt := buildSystemPrompt(role, role.Model, models.SubTask{Content: "x"}, reg, promptNow)

	assert.Contains(t, prompt, "## Callable tools")
	assert.Contains(t, prompt, tools.SandboxBrowserTool)
	assert.NotContains(t, prompt, "## Built-in capabilities")
}

func TestSystemPromptDeclaresNativeCapabilities(t *testing.T) {
	reg := registryWith(t)
	role := config.BuiltinRoles()["searcher"] // qwen3-max, native

	prompt := buildSystemPrompt(role, role.Model, models.SubTask{Content: "x"}, reg, promptNow)

	assert.Contains(t, prompt, "## Built-in capabilities (enabled automatically)")
	assert.Contains(t, prompt, "Web search")
	assert.NotContains(t, prompt, "## Callable tools")
}

func TestSystemPromptWithoutAnyTools(t *testing.T) {
	reg := registryWith(t)
	role := config.BuiltinRoles()["writer"]

	prompt := buildSystemPrompt(role, role.Model, models.SubTask{Content: "x"}, reg, promptNow)

	assert.Contains(t, prompt, "No external tools are available")
}

func TestTimeAnchorForTaskPinnedYear(t *testing.T) {
	reg := registryWith(t)
	role := config.BuiltinRoles()["writer"]
	task := models.SubTask{Content: "Write the 2025 frontend framework report"}

	prompt := buildSystemPrompt(role, role.Model, task, reg, promptNow)

	assert.Contains(t, prompt, "# Time anchor")
	assert.Contains(t, prompt, "The task specifies 2025")
}

func TestNoTimeAnchorForCurrentYear(t *testing.T) {
	reg := registryWith(t)
	role := config.BuiltinRoles()["writer"]
	task := models.SubTask{Content: "Write the 2026 frontend framework report"}

	prompt := buildSystemPrompt(role, role.Model, task, reg, promptNow)

	assert.NotContains(t, prompt, "# Time anchor")
}

func TestTaskYearExtraction(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"trends in 2025", 2025},
		{"the 2030 outlook", 2030},
		{"no year here", 0},
		{"item 20255 is an id, not a year", 0},
		{"price was 1999 units", 0},
		{"report for 2025 and 2026", 2025},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, taskYear(tc.content), tc.content)
	}
}
