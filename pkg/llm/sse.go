package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// openStream issues a streaming chat request and returns the response body
// positioned at the first SSE line.
func (c *Client) openStream(ctx context.Context, messages []Message, opts Options) (io.ReadCloser, error) {
	reqBody := buildChatRequest(messages, opts, true)

	resp, err := c.post(ctx, c.baseURL+"/chat/completions", reqBody, map[string]string{
		"Accept": "text/event-stream",
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, parseAPIError(resp.StatusCode, raw)
	}
	return resp.Body, nil
}

// streamDelta is one SSE data frame of the compatible-mode stream.
type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content          string         `json:"content"`
			ReasoningContent string         `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// consumeSSE reads SSE frames from body and emits Chunks. Reasoning deltas
// are wrapped in thinking markers by a single-pass tokenizer so a marker
// never splits across chunk boundaries. The final chunk carries accumulated
// tool calls, usage, and the finish reason.
func consumeSSE(ctx context.Context, body io.Reader, out chan<- Chunk) {
	var (
		tok          thinkingTokenizer
		finishReason string
		usage        *Usage
		calls        []ToolCall
		callIndex    = map[int]int{} // delta index -> position in calls
	)

	emit := func(ch Chunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var frame streamDelta
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// Malformed frames are skipped; the provider occasionally
			// interleaves keep-alive comments.
			continue
		}
		if frame.Usage != nil {
			usage = frame.Usage
		}
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		for _, tc := range choice.Delta.ToolCalls {
			pos, ok := callIndex[tc.Index]
			if !ok {
				pos = len(calls)
				callIndex[tc.Index] = pos
				calls = append(calls, ToolCall{})
			}
			if tc.ID != "" {
				calls[pos].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[pos].Name = tc.Function.Name
			}
			calls[pos].Arguments += tc.Function.Arguments
		}

		if content := tok.reasoning(choice.Delta.ReasoningContent); content != "" {
			if !emit(Chunk{Content: content}) {
				return
			}
		}
		if content := tok.text(choice.Delta.Content); content != "" {
			if !emit(Chunk{Content: content}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(Chunk{Err: fmt.Errorf("reading stream: %w", err)})
		return
	}

	final := Chunk{
		Content:      tok.finish(),
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage:        usage,
	}
	emit(final)
}

// CollectStream drains a chunk channel into a single Response. Thinking
// markers remain embedded in Content; callers that need clean text strip
// them with StripThinking.
func CollectStream(stream <-chan Chunk) (*Response, error) {
	var (
		content strings.Builder
		resp    Response
	)
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		content.WriteString(chunk.Content)
		if chunk.ToolCalls != nil {
			resp.ToolCalls = chunk.ToolCalls
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
	}
	resp.Content = content.String()
	return &resp, nil
}
