package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors for provider interaction.
var (
	// ErrMissingAPIKey indicates the configured key env var is empty.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrEmptyResponse indicates the provider returned no choices.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether the error is a throttling response.
func IsRateLimit(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return true
		}
		code := strings.ToLower(apiErr.Code)
		return strings.Contains(code, "throttl") || strings.Contains(code, "ratequota") ||
			strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
	}
	return false
}

// IsTransient reports whether the error is worth retrying: throttling,
// connection problems, timeouts, and provider 5xx responses. Context
// cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "eof", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
