package agent

import (
	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/tools"
)

// Native capability names. When the role's model belongs to the provider's
// own family these are enabled through request flags and never appear in
// the function tool list. On third-party models they are substituted with
// the sandbox function tools.
const (
	capWebSearch       = "web_search"
	capWebExtractor    = "web_extractor"
	capCodeInterpreter = "code_interpreter"
)

func hasTool(role *config.Role, name string) bool {
	for _, t := range role.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

func hasWebCapability(role *config.Role) bool {
	return hasTool(role, capWebSearch) || hasTool(role, capWebExtractor)
}

// usesSandboxBrowser reports whether web capabilities must fall back to the
// sandbox_browser function tool because the model is not native.
func usesSandboxBrowser(role *config.Role, model string) bool {
	return hasWebCapability(role) && !llm.IsNative(model)
}

// usesSandboxInterpreter reports whether code_interpreter must fall back to
// the sandbox_code_interpreter function tool.
func usesSandboxInterpreter(role *config.Role, model string) bool {
	return hasTool(role, capCodeInterpreter) && !llm.IsNative(model)
}

// functionTools resolves the role's allowed tools into the function tool
// definitions offered to the model. Native capabilities on a native model
// are skipped (the request flags drive them); on non-native models they are
// substituted with the sandbox tools, the browser added at most once.
func functionTools(role *config.Role, model string, registry *tools.Registry) []llm.ToolDefinition {
	native := llm.IsNative(model)
	var defs []llm.ToolDefinition
	browserAdded := false

	appendDef := func(name string) {
		def, ok := registry.Get(name)
		if !ok {
			return
		}
		defs = append(defs, llm.ToolDefinition{
			Name:             def.Name,
			Description:      def.Description,
			ParametersSchema: def.ParametersSchema,
		})
	}

	for _, name := range role.AllowedTools {
		switch name {
		case capWebSearch, capWebExtractor:
			if native {
				continue
			}
			if !browserAdded {
				appendDef(tools.SandboxBrowserTool)
				browserAdded = true
			}
		case capCodeInterpreter:
			if native {
				continue
			}
			appendDef(tools.SandboxInterpreterTool)
		default:
			appendDef(name)
		}
	}
	return defs
}

// callableTools lists the tool names the worker may invoke: the role's
// registered tools plus any sandbox substitutes in effect.
func callableTools(role *config.Role, model string, registry *tools.Registry) map[string]bool {
	allowed := make(map[string]bool)
	for _, name := range role.AllowedTools {
		if registry.Has(name) {
			allowed[name] = true
		}
	}
	if usesSandboxBrowser(role, model) && registry.Has(tools.SandboxBrowserTool) {
		allowed[tools.SandboxBrowserTool] = true
	}
	if usesSandboxInterpreter(role, model) && registry.Has(tools.SandboxInterpreterTool) {
		allowed[tools.SandboxInterpreterTool] = true
	}
	return allowed
}

// requestOptions derives the per-call request configuration from the role
// and its model. Native search and code interpreter flags only apply to the
// provider's own model family. Thinking is forced on when the native code
// interpreter runs, forced off for data-gathering roles where latency
// matters more than depth, and forced off when the model cannot think.
func requestOptions(role *config.Role, model string, temperature float64) llm.Options {
	native := llm.IsNative(model)

	enableSearch := native && hasWebCapability(role)
	enableInterpreter := native && hasTool(role, capCodeInterpreter)

	enableThinking := role.EnableThinking
	switch {
	case enableInterpreter:
		enableThinking = true
	case role.Key == "searcher" || role.Key == "fact_checker":
		enableThinking = false
	}
	if enableThinking && !llm.SupportsThinking(model) {
		enableThinking = false
	}

	return llm.Options{
		Model:                 model,
		Temperature:           temperature,
		EnableSearch:          enableSearch,
		EnableThinking:        enableThinking,
		EnableCodeInterpreter: enableInterpreter,
	}
}
