package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThinkingTokenizerWrapsReasoning(t *testing.T) {
	var tok thinkingTokenizer

	assert.Equal(t, "[THINKING]let me think", tok.reasoning("let me think"))
	assert.Equal(t, " harder", tok.reasoning(" harder"))
	assert.Equal(t, "[/THINKING]The answer", tok.text("The answer"))
	assert.Equal(t, " is 42.", tok.text(" is 42."))
	assert.Empty(t, tok.finish())
}

func TestThinkingTokenizerClosesOpenSpanAtEnd(t *testing.T) {
	var tok thinkingTokenizer

	assert.Equal(t, "[THINKING]hmm", tok.reasoning("hmm"))
	assert.Equal(t, "[/THINKING]", tok.finish())
}

func TestThinkingTokenizerEmptyDeltas(t *testing.T) {
	var tok thinkingTokenizer

	assert.Empty(t, tok.reasoning(""))
	assert.Empty(t, tok.text(""))
	assert.Equal(t, "[THINKING]a", tok.reasoning("a"))
	// An empty text delta keeps the span open; providers interleave empty
	// content with reasoning deltas in the same frame.
	assert.Empty(t, tok.text(""))
	assert.Equal(t, " more", tok.reasoning(" more"))
	assert.Equal(t, "[/THINKING]b", tok.text("b"))
}

func TestThinkingTokenizerMarkersNeverSplit(t *testing.T) {
	// Every emitted fragment must contain markers only as whole substrings.
	var tok thinkingTokenizer
	fragments := []string{
		tok.reasoning("r1"),
		tok.reasoning("r2"),
		tok.text("t1"),
		tok.reasoning("r3"),
		tok.finish(),
	}
	for _, f := range fragments {
		for _, marker := range []string{ThinkingMarkerStart, ThinkingMarkerEnd} {
			if idx := indexOfPartialMarker(f, marker); idx >= 0 {
				t.Fatalf("fragment %q carries a partial marker %q", f, marker)
			}
		}
	}
}

// indexOfPartialMarker reports a marker prefix dangling at the end of s.
func indexOfPartialMarker(s, marker string) int {
	for l := len(marker) - 1; l > 0; l-- {
		if len(s) >= l && s[len(s)-l:] == marker[:l] {
			return len(s) - l
		}
	}
	return -1
}

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no markers", "plain text", "plain text"},
		{"single span", "[THINKING]reasoning[/THINKING]answer", "answer"},
		{"two spans", "[THINKING]a[/THINKING]x[THINKING]b[/THINKING]y", "xy"},
		{"unterminated span dropped", "pre[THINKING]dangling", "pre"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripThinking(tt.in))
		})
	}
}

func TestCollectStream(t *testing.T) {
	ch := make(chan Chunk, 4)
	ch <- Chunk{Content: "Hello "}
	ch <- Chunk{Content: "world"}
	ch <- Chunk{
		ToolCalls:    []ToolCall{{ID: "call_1", Name: "sandbox_browser", Arguments: `{"q":"x"}`}},
		Usage:        &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: "tool_calls",
	}
	close(ch)

	resp, err := CollectStream(ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "sandbox_browser", resp.ToolCalls[0].Name)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestCollectStreamPropagatesError(t *testing.T) {
	ch := make(chan Chunk, 2)
	ch <- Chunk{Content: "partial"}
	ch <- Chunk{Err: assert.AnError}
	close(ch)

	resp, err := CollectStream(ch)
	require.Error(t, err)
	assert.Nil(t, resp)
}
