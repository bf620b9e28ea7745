package agent

import (
	"encoding/hex"
	"encoding/json"
	"regexp"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/agenthive/hive/pkg/llm"
)

// Some third-party models never populate the structured tool_calls field
// and instead emit tool calls as marked-up text in the content. Two formats
// are recognized:
//
// DeepSeek marker format:
//
//	function<｜tool▁sep｜>tool_name
//	```json
//	{"arg": "value"}
//	```<｜tool▁call▁end｜>
//
// JSON array format:
//
//	```json
//	[{"name": "tool_name", "arguments": {"arg": "value"}}]
//	```
var (
	deepseekCallRe = regexp.MustCompile(
		`function\s*[<＜][\s\S]*?tool[\s▁_]sep[\s\S]*?[>＞]\s*` +
			`(\w+)\s*` +
			"(?:```(?:json)?\\s*)?" +
			`(\{[\s\S]*?\})` +
			"(?:\\s*```)?")

	fencedArrayRe = regexp.MustCompile("```(?:json)?\\s*(\\[[\\s\\S]*?\\])\\s*```")
)

// parseTextToolCalls extracts tool calls embedded in model text output.
// Returns nil when the content carries no recognizable calls. Calls with
// arguments that cannot be parsed as JSON, even after repair, are skipped.
func parseTextToolCalls(content string) []llm.ToolCall {
	if content == "" {
		return nil
	}

	var calls []llm.ToolCall
	for _, m := range deepseekCallRe.FindAllStringSubmatch(content, -1) {
		args, ok := salvageJSON(m[2])
		if !ok {
			continue
		}
		calls = append(calls, llm.ToolCall{
			ID:        newCallID(),
			Name:      m[1],
			Arguments: args,
		})
	}
	if len(calls) > 0 {
		return calls
	}

	for _, m := range fencedArrayRe.FindAllStringSubmatch(content, -1) {
		raw, ok := salvageJSON(m[1])
		if !ok {
			continue
		}
		var items []struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			continue
		}
		for _, item := range items {
			if item.Name == "" {
				continue
			}
			args := "{}"
			if len(item.Arguments) > 0 {
				args = string(item.Arguments)
			}
			calls = append(calls, llm.ToolCall{
				ID:        newCallID(),
				Name:      item.Name,
				Arguments: args,
			})
		}
	}
	return calls
}

// salvageJSON validates a candidate JSON document, attempting a repair pass
// for the almost-valid JSON some models produce.
func salvageJSON(candidate string) (string, bool) {
	if json.Valid([]byte(candidate)) {
		return candidate, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !json.Valid([]byte(repaired)) {
		return "", false
	}
	return repaired, true
}

// newCallID mints a synthetic id for a textually parsed call, matching the
// provider's call_ prefix convention.
func newCallID() string {
	id := uuid.New()
	return "call_" + hex.EncodeToString(id[:4])
}
