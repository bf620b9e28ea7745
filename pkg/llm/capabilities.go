package llm

import (
	"sort"
	"strings"
)

// Model capability tables. Kept as static data with pure accessor functions
// so capability checks stay trivially testable and never need a client.

// ThinkingMarkerStart and ThinkingMarkerEnd wrap reasoning content in
// streamed and collected output.
const (
	ThinkingMarkerStart = "[THINKING]"
	ThinkingMarkerEnd   = "[/THINKING]"
)

// DefaultContextWindow applies to models missing from the table.
const DefaultContextWindow = 8192

var contextWindows = map[string]int{
	"qwen3-max":         131072,
	"qwen3-max-preview": 131072,
	"qwen-plus":         131072,
	"qwen-turbo":        131072,
	"qwen-max":          32768,
	"qwen3-vl-plus":     32768,
	"qwen-vl-max":       32768,
	"qwen-vl-plus":      32768,
	"qwen2-vl-72b":      32768,
	"qwen-vl-ocr":       32768,
	"deepseek-v3":       65536,
	"deepseek-v3.2":     131072,
	"deepseek-r1":       65536,
	"glm-4-plus":        131072,
	"glm-4.5":           131072,
	"glm-4.7":           131072,
	"kimi-k2.5":         131072,
}

var thinkingModels = map[string]struct{}{
	"qwen3-max":         {},
	"qwen3-max-preview": {},
	"deepseek-v3":       {},
	"deepseek-v3.2":     {},
	"deepseek-r1":       {},
	"glm-4-plus":        {},
	"glm-4.5":           {},
	"glm-4.7":           {},
}

// multimodalAPIModels must be called through the multimodal endpoint even
// for plain text conversations.
var multimodalAPIModels = map[string]struct{}{
	"kimi-k2.5":    {},
	"qwen-vl-max":  {},
	"qwen-vl-plus": {},
	"qwen2-vl-72b": {},
	"qwen-vl-ocr":  {},
}

// IsNative reports whether the model belongs to the provider's own family
// and therefore supports the native search and code interpreter flags.
func IsNative(model string) bool {
	return strings.HasPrefix(model, "qwen")
}

// SupportsThinking reports whether the model can emit reasoning content.
func SupportsThinking(model string) bool {
	_, ok := thinkingModels[model]
	return ok
}

// RequiresMultimodalAPI reports whether text conversations with the model
// must go through the multimodal endpoint.
func RequiresMultimodalAPI(model string) bool {
	_, ok := multimodalAPIModels[model]
	return ok
}

// ContextWindow returns the model's context window in tokens.
func ContextWindow(model string) int {
	if w, ok := contextWindows[model]; ok {
		return w
	}
	return DefaultContextWindow
}

// KnownModels returns the sorted list of models in the capability table.
func KnownModels() []string {
	models := make([]string, 0, len(contextWindows))
	for m := range contextWindows {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
