package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the model provider over HTTP: an OpenAI-compatible chat
// completions endpoint plus the provider's multimodal generation and async
// task endpoints. All calls retry transparently on transient failures.
type Client struct {
	baseURL       string
	mediaURL      string
	apiKey        string
	retryAttempts int
	httpClient    *http.Client

	// sleep is replaceable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL       string
	MediaURL      string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
}

// NewClient creates a provider client. The API key must be non-empty.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	retries := opts.RetryAttempts
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		mediaURL:      strings.TrimRight(opts.MediaURL, "/"),
		apiKey:        opts.APIKey,
		retryAttempts: retries,
		httpClient:    &http.Client{Timeout: timeout},
		sleep:         sleepContext,
	}, nil
}

// Chat performs one chat round-trip and returns the collected response.
//
// Native search-agent and code-interpreter modes are stream-only on the
// provider side; for those, Chat consumes the stream internally and
// synthesizes a Response with thinking spans stripped from Content.
func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	opts = normalizeOptions(opts)

	if requiresStreaming(opts) {
		return c.chatViaStream(ctx, messages, opts)
	}
	if RequiresMultimodalAPI(opts.Model) {
		return c.chatMultimodal(ctx, messages, opts)
	}

	var resp *Response
	err := c.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = c.chatOnce(ctx, messages, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ChatStream performs one chat round-trip, delivering the response as a
// finite channel of chunks. The stream is not restartable: a transport
// error after the first chunk surfaces as an Err chunk, and the caller's
// retry layer re-issues the whole call.
func (c *Client) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	opts = normalizeOptions(opts)

	body, err := c.openStream(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()
		consumeSSE(ctx, body, out)
	}()
	return out, nil
}

// HealthCheck verifies provider reachability with a minimal completion.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.chatOnce(ctx, []Message{{Role: RoleUser, Content: "ping"}}, Options{
		Model:     "qwen-turbo",
		MaxTokens: 1,
	})
	return err
}

// --- chat transport ---

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`

	// Provider extensions (native capabilities).
	EnableSearch   bool            `json:"enable_search,omitempty"`
	SearchOptions  *searchOptions  `json:"search_options,omitempty"`
	EnableThinking *bool           `json:"enable_thinking,omitempty"`
	CodeOptions    map[string]bool `json:"code_interpreter,omitempty"`
}

type searchOptions struct {
	SearchStrategy string `json:"search_strategy,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Client) chatOnce(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	reqBody := buildChatRequest(messages, opts, false)

	raw, err := c.postJSON(ctx, c.baseURL+"/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := parsed.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		ToolCalls:    fromWireToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

// chatViaStream collects a stream-only response into a Response.
func (c *Client) chatViaStream(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	var resp *Response
	err := c.withRetry(ctx, func() error {
		stream, streamErr := c.ChatStream(ctx, messages, opts)
		if streamErr != nil {
			return streamErr
		}
		collected, collectErr := CollectStream(stream)
		if collectErr != nil {
			return collectErr
		}
		collected.Content = StripThinking(collected.Content)
		resp = collected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// chatMultimodal routes text conversations through the multimodal endpoint
// for models that reject the compatible-mode API.
func (c *Client) chatMultimodal(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	type mmContent struct {
		Text string `json:"text"`
	}
	type mmMessage struct {
		Role    string      `json:"role"`
		Content []mmContent `json:"content"`
	}

	wire := make([]mmMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, mmMessage{Role: m.Role, Content: []mmContent{{Text: m.Content}}})
	}

	reqBody := map[string]any{
		"model": opts.Model,
		"input": map[string]any{"messages": wire},
	}
	params := map[string]any{}
	if opts.Temperature > 0 {
		params["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		params["max_tokens"] = opts.MaxTokens
	}
	if len(params) > 0 {
		reqBody["parameters"] = params
	}

	var resp *Response
	err := c.withRetry(ctx, func() error {
		raw, postErr := c.postJSON(ctx, c.mediaURL+"/services/aigc/multimodal-generation/generation", reqBody)
		if postErr != nil {
			return postErr
		}

		var parsed struct {
			Output struct {
				Choices []struct {
					Message struct {
						Content []struct {
							Text string `json:"text"`
						} `json:"content"`
					} `json:"message"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
			} `json:"output"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("decoding multimodal response: %w", err)
		}
		if len(parsed.Output.Choices) == 0 {
			return ErrEmptyResponse
		}

		var content strings.Builder
		for _, part := range parsed.Output.Choices[0].Message.Content {
			content.WriteString(part.Text)
		}
		resp = &Response{
			Content:      content.String(),
			FinishReason: parsed.Output.Choices[0].FinishReason,
			Usage: Usage{
				PromptTokens:     parsed.Usage.InputTokens,
				CompletionTokens: parsed.Usage.OutputTokens,
				TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// --- request shaping ---

// normalizeOptions applies the capability rules: native-only flags are
// silently dropped for non-native models, thinking is dropped for models
// without a reasoning channel, and custom tools are withheld when the
// native search agent is active (the provider rejects the combination).
func normalizeOptions(opts Options) Options {
	if !IsNative(opts.Model) {
		opts.EnableSearch = false
		opts.SearchStrategy = ""
		opts.EnableCodeInterpreter = false
	}
	if !SupportsThinking(opts.Model) {
		opts.EnableThinking = false
	}
	if opts.EnableSearch {
		opts.Tools = nil
	}
	return opts
}

// requiresStreaming reports whether the provider only serves this request
// as a stream.
func requiresStreaming(opts Options) bool {
	return (opts.EnableSearch && opts.SearchStrategy != "") || opts.EnableCodeInterpreter
}

func buildChatRequest(messages []Message, opts Options, stream bool) chatRequest {
	req := chatRequest{
		Model:        opts.Model,
		Messages:     toWireMessages(messages),
		MaxTokens:    opts.MaxTokens,
		Stream:       stream,
		EnableSearch: opts.EnableSearch,
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if opts.TopP > 0 {
		p := opts.TopP
		req.TopP = &p
	}
	if opts.SearchStrategy != "" {
		req.SearchOptions = &searchOptions{SearchStrategy: opts.SearchStrategy}
	}
	if opts.EnableThinking {
		v := true
		req.EnableThinking = &v
	}
	if opts.EnableCodeInterpreter {
		req.CodeOptions = map[string]bool{"enabled": true}
	}
	for _, t := range opts.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		if t.ParametersSchema != "" {
			wt.Function.Parameters = json.RawMessage(t.ParametersSchema)
		}
		req.Tools = append(req.Tools, wt)
	}
	return req
}

func toWireMessages(messages []Message) []wireMessage {
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wire = append(wire, wm)
	}
	return wire
}

func fromWireToolCalls(wire []wireToolCall) []ToolCall {
	if len(wire) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(wire))
	for _, w := range wire {
		calls = append(calls, ToolCall{
			ID:        w.ID,
			Name:      w.Function.Name,
			Arguments: w.Function.Arguments,
		})
	}
	return calls
}

// --- HTTP plumbing ---

func (c *Client) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	resp, err := c.post(ctx, url, body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

// post issues an authenticated POST. Extra headers are applied on top of
// the standard ones.
func (c *Client) post(ctx context.Context, url string, body any, headers map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	return resp, nil
}

// parseAPIError extracts the provider error envelope from a non-2xx body.
func parseAPIError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else if envelope.Message != "" {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
	}
	return apiErr
}

// --- retry ---

// Backoff bases and caps. Rate limiting backs off much longer than other
// transient failures because provider quotas recover on a seconds scale.
const (
	rateLimitBackoffBase = 5 * time.Second
	rateLimitBackoffCap  = 60 * time.Second
	transientBackoffBase = 2 * time.Second
	transientBackoffCap  = 16 * time.Second
)

// withRetry runs fn up to retryAttempts times, backing off exponentially
// between transient failures. Non-transient errors propagate immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == c.retryAttempts-1 {
			break
		}

		wait := backoffDelay(attempt, IsRateLimit(lastErr))
		slog.Warn("Transient provider error, retrying",
			"attempt", attempt+1,
			"max_attempts", c.retryAttempts,
			"backoff", wait,
			"error", lastErr)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", c.retryAttempts, lastErr)
}

// backoffDelay computes the exponential backoff for the given attempt.
func backoffDelay(attempt int, rateLimited bool) time.Duration {
	base, limit := transientBackoffBase, transientBackoffCap
	if rateLimited {
		base, limit = rateLimitBackoffBase, rateLimitBackoffCap
	}
	delay := base << attempt
	if delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
