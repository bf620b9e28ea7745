package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorString(t *testing.T) {
	withCode := &APIError{StatusCode: 429, Code: "Throttling.RateQuota", Message: "requests throttled"}
	assert.Equal(t, "provider error 429 (Throttling.RateQuota): requests throttled", withCode.Error())

	bare := &APIError{StatusCode: 500, Message: "internal error"}
	assert.Equal(t, "provider error 500: internal error", bare.Error())
}

func TestIsRateLimit(t *testing.T) {
	assert.True(t, IsRateLimit(ErrRateLimited))
	assert.True(t, IsRateLimit(fmt.Errorf("wrapped: %w", ErrRateLimited)))
	assert.True(t, IsRateLimit(&APIError{StatusCode: 429}))
	assert.True(t, IsRateLimit(&APIError{StatusCode: 400, Code: "Throttling.AllocationQuota"}))
	assert.True(t, IsRateLimit(&APIError{StatusCode: 400, Message: "rate limit exceeded"}))

	assert.False(t, IsRateLimit(nil))
	assert.False(t, IsRateLimit(&APIError{StatusCode: 500, Code: "InternalError"}))
	assert.False(t, IsRateLimit(errors.New("something else")))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(fmt.Errorf("run aborted: %w", context.Canceled)))

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient(&APIError{StatusCode: 503}))
	assert.True(t, IsTransient(&APIError{StatusCode: 429}))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("unexpected EOF")))

	assert.False(t, IsTransient(&APIError{StatusCode: 400, Code: "InvalidParameter"}))
	assert.False(t, IsTransient(errors.New("schema validation failed")))
}
