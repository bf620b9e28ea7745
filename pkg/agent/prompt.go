package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
	"github.com/agenthive/hive/pkg/tools"
)

// buildSystemPrompt assembles the full system prompt for one sub-task: a
// system-time declaration that overrides the model's knowledge-cutoff bias,
// the role prompt, the task, topic and provenance constraints, the
// capability and tool declarations, and the output requirements.
func buildSystemPrompt(role *config.Role, model string, task models.SubTask, registry *tools.Registry, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[System time] %s %s | Treat %d-%02d as the present. Do not fall back to dates from your training data.\n\n",
		now.Format("2006-01-02 15:04:05"), now.Weekday(), now.Year(), int(now.Month()))

	b.WriteString(role.SystemPrompt)
	b.WriteString("\n\n# Current task\n")
	b.WriteString(task.Content)
	if task.ExpectedOutput != "" {
		b.WriteString("\n\nExpected output: ")
		b.WriteString(task.ExpectedOutput)
	}

	b.WriteString(`

# Topic constraint (highest priority)
Stay strictly on the task topic. Search only with keywords directly relevant
to the task and discard results from unrelated domains. Do not introduce
subjects the task never mentions. When search yields too little, fill gaps
from domain knowledge rather than off-topic material.

# Data provenance
Attribute every figure to its source, and keep one authoritative source per
metric. When writing from upstream results, preserve their original source
attributions instead of citing "previous steps". Report exact version
numbers and dates found in sources rather than recalled ones, and flag
implausible figures as unverified.`)

	if anchor := timeAnchorClause(task.Content, now); anchor != "" {
		b.WriteString("\n\n")
		b.WriteString(anchor)
	}

	b.WriteString("\n\n")
	b.WriteString(capabilitySection(role, model, registry))

	b.WriteString("\n\n# Output requirements\n")
	b.WriteString("Output the final result directly in Markdown. Support claims with concrete data and cite sources with their year. Do not narrate your reasoning process.")
	if role.MinOutputChars > 0 {
		fmt.Fprintf(&b, " Produce at least %d characters.", role.MinOutputChars)
	}

	return b.String()
}

// timeAnchorClause instructs the model to honor a year named in the task
// over the system clock. Tasks that pin a year (for example "trends in
// 2025") must not be silently rewritten to the current year.
func timeAnchorClause(content string, now time.Time) string {
	year := taskYear(content)
	if year == 0 || year == now.Year() {
		return ""
	}
	return fmt.Sprintf(`# Time anchor
The task specifies %d. Anchor all analysis, data, and headings to %d, not
to the current year. Prefer sources from %d; where they are missing, use
the most recent data and label it as such. Mark events that have not yet
happened as projected.`, year, year, year)
}

// taskYear extracts the first four-digit year mentioned in the task, or 0.
func taskYear(content string) int {
	for i := 0; i+4 <= len(content); i++ {
		if content[i] != '2' {
			continue
		}
		if i > 0 && isDigit(content[i-1]) {
			continue
		}
		if isDigit(content[i+1]) && isDigit(content[i+2]) && isDigit(content[i+3]) {
			if i+4 < len(content) && isDigit(content[i+4]) {
				continue
			}
			year := 2000 + int(content[i+1]-'0')*100 + int(content[i+2]-'0')*10 + int(content[i+3]-'0')
			if year >= 2020 && year <= 2100 {
				return year
			}
		}
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// capabilitySection declares the native capabilities active for this call
// and lists the callable function tools with their descriptions.
func capabilitySection(role *config.Role, model string, registry *tools.Registry) string {
	native := llm.IsNative(model)

	var builtins []string
	if native && hasWebCapability(role) {
		builtins = append(builtins, "- Web search: live internet search is enabled for this session")
	}
	if native && hasTool(role, capCodeInterpreter) {
		builtins = append(builtins, "- Code interpreter: you can write and run Python for computation and analysis")
	}

	var toolLines []string
	for _, def := range functionTools(role, model, registry) {
		toolLines = append(toolLines, fmt.Sprintf("  - %s: %s", def.Name, def.Description))
	}

	var parts []string
	if len(builtins) > 0 {
		parts = append(parts, "## Built-in capabilities (enabled automatically)\n"+strings.Join(builtins, "\n"))
	}
	if len(toolLines) > 0 {
		parts = append(parts, "## Callable tools\n"+strings.Join(toolLines, "\n"))
	}
	if len(parts) == 0 {
		return "No external tools are available. Complete the task from knowledge and reasoning alone."
	}
	parts = append(parts, "Work the tools deliberately: pick the right tool, verify its result, and adjust keywords or approach when a call disappoints.")
	return strings.Join(parts, "\n\n")
}
