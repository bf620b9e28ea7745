package agent

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeepSeekMarkerFormat(t *testing.T) {
	content := "I will search for that.\n" +
		"function<｜tool▁sep｜>sandbox_browser\n" +
		"```json\n" +
		`{"action": "search", "query": "go generics"}` + "\n" +
		"```<｜tool▁call▁end｜>"

	calls := parseTextToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "sandbox_browser", calls[0].Name)
	assert.JSONEq(t, `{"action": "search", "query": "go generics"}`, calls[0].Arguments)
	assert.Regexp(t, regexp.MustCompile(`^call_[0-9a-f]{8}$`), calls[0].ID)
}

func TestParseDeepSeekMultipleCalls(t *testing.T) {
	content := "function<｜tool▁sep｜>sandbox_browser\n```json\n{\"action\": \"search\", \"query\": \"a\"}\n```<｜tool▁call▁end｜>\n" +
		"function<｜tool▁sep｜>sandbox_code_interpreter\n```json\n{\"code\": \"print(1)\"}\n```<｜tool▁call▁end｜>"

	calls := parseTextToolCalls(content)
	require.Len(t, calls, 2)
	assert.Equal(t, "sandbox_browser", calls[0].Name)
	assert.Equal(t, "sandbox_code_interpreter", calls[1].Name)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestParseJSONArrayFormat(t *testing.T) {
	content := "Here is my plan:\n```json\n" +
		`[{"name": "sandbox_browser", "arguments": {"action": "fetch", "url": "https://example.com"}}]` +
		"\n```"

	calls := parseTextToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "sandbox_browser", calls[0].Name)
	assert.JSONEq(t, `{"action": "fetch", "url": "https://example.com"}`, calls[0].Arguments)
}

func TestParseJSONArrayMissingArguments(t *testing.T) {
	content := "```json\n[{\"name\": \"noop\"}]\n```"

	calls := parseTextToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "noop", calls[0].Name)
	assert.JSONEq(t, `{}`, calls[0].Arguments)
}

func TestParseRepairsAlmostValidJSON(t *testing.T) {
	// Single-quoted keys are a common model slip the repair pass handles.
	content := "function<｜tool▁sep｜>sandbox_browser\n```json\n{'action': 'search', 'query': 'x'}\n```<｜tool▁call▁end｜>"

	calls := parseTextToolCalls(content)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"action": "search", "query": "x"}`, calls[0].Arguments)
}

func TestParseIgnoresProse(t *testing.T) {
	assert.Nil(t, parseTextToolCalls("The answer is 42. No tools were needed."))
	assert.Nil(t, parseTextToolCalls(""))
}

func TestParseIgnoresNonCallArrays(t *testing.T) {
	// A fenced array without name keys is data, not a tool call.
	content := "```json\n[1, 2, 3]\n```"
	assert.Nil(t, parseTextToolCalls(content))
}

func TestDeepSeekFormatTakesPrecedence(t *testing.T) {
	content := "function<｜tool▁sep｜>first\n```json\n{\"a\": 1}\n```<｜tool▁call▁end｜>\n" +
		"```json\n[{\"name\": \"second\", \"arguments\": {}}]\n```"

	calls := parseTextToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "first", calls[0].Name)
}
