package tools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"}
	},
	"required": ["message"]
}`

func newEchoDefinition(name string) Definition {
	return Definition{
		Name:             name,
		Description:      "echoes the message back",
		ParametersSchema: echoSchema,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["message"]}, nil
		},
	}
}

func TestRegisterAndInvoke(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Register(newEchoDefinition("echo")))

	record, err := reg.Invoke(context.Background(), "echo", map[string]any{"message": "hi"}, "worker-1")
	require.NoError(t, err)

	assert.True(t, record.Success)
	assert.Equal(t, "echo", record.ToolName)
	assert.Equal(t, "worker-1", record.CallerID)
	assert.JSONEq(t, `{"echo":"hi"}`, record.Result)
	assert.JSONEq(t, `{"message":"hi"}`, record.Arguments)
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.EndedAt.Before(record.StartedAt))
}

func TestInvokeUnknownTool(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	_, err := reg.Invoke(context.Background(), "missing", nil, "worker-1")
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Zero(t, reg.TotalCalls())
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Register(newEchoDefinition("echo")))
	assert.ErrorIs(t, reg.Register(newEchoDefinition("echo")), ErrDuplicateTool)
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	err := reg.Register(Definition{
		Name:             "broken",
		ParametersSchema: `{"type": `,
		Handler:          func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestInvokeValidationFailureIsRecorded(t *testing.T) {
	var called atomic.Bool
	reg := NewRegistry(RegistryOptions{})
	def := newEchoDefinition("echo")
	def.Handler = func(context.Context, map[string]any) (any, error) {
		called.Store(true)
		return nil, nil
	}
	require.NoError(t, reg.Register(def))

	// Missing required "message" key.
	record, err := reg.Invoke(context.Background(), "echo", map[string]any{"other": 1}, "worker-1")
	require.NoError(t, err)

	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "validation")
	assert.False(t, called.Load(), "handler must not run on invalid arguments")
	assert.Equal(t, 1, reg.TotalCalls())
}

func TestInvokeHandlerErrorIsCaptured(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Register(Definition{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	record, err := reg.Invoke(context.Background(), "fail", map[string]any{}, "worker-1")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Equal(t, "backend unavailable", record.Error)
}

func TestInvokeTimeout(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Register(Definition{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}))

	start := time.Now()
	record, err := reg.Invoke(context.Background(), "slow", map[string]any{}, "worker-1")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Contains(t, record.Error, "timeout")
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokeRetriesWhenFlagged(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry(RegistryOptions{MaxRetries: 3})
	require.NoError(t, reg.Register(Definition{
		Name:           "flaky",
		RetryOnFailure: true,
		Handler: func(context.Context, map[string]any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}))

	record, err := reg.Invoke(context.Background(), "flaky", map[string]any{}, "worker-1")
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, "ok", record.Result)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestInvokeDoesNotRetryByDefault(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry(RegistryOptions{MaxRetries: 3})
	require.NoError(t, reg.Register(Definition{
		Name: "once",
		Handler: func(context.Context, map[string]any) (any, error) {
			attempts.Add(1)
			return nil, errors.New("nope")
		},
	}))

	_, err := reg.Invoke(context.Background(), "once", map[string]any{}, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHistoryPerCaller(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Register(newEchoDefinition("echo")))

	for i := 0; i < 3; i++ {
		_, err := reg.Invoke(context.Background(), "echo", map[string]any{"message": fmt.Sprintf("a%d", i)}, "worker-a")
		require.NoError(t, err)
	}
	_, err := reg.Invoke(context.Background(), "echo", map[string]any{"message": "b"}, "worker-b")
	require.NoError(t, err)

	assert.Len(t, reg.History("worker-a"), 3)
	assert.Len(t, reg.History("worker-b"), 1)
	assert.Len(t, reg.History(""), 4)
	assert.Equal(t, 4, reg.TotalCalls())
}

func TestListSortedAndUnregister(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	require.NoError(t, reg.Register(newEchoDefinition("zeta")))
	require.NoError(t, reg.Register(newEchoDefinition("alpha")))

	defs := reg.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)

	assert.True(t, reg.Unregister("alpha"))
	assert.False(t, reg.Unregister("alpha"))
	assert.False(t, reg.Has("alpha"))
	assert.True(t, reg.Has("zeta"))
}

func TestInvokeHonorsRateLimiterCancellation(t *testing.T) {
	// A zero-rate limiter never admits; a cancelled context must unblock.
	reg := NewRegistry(RegistryOptions{RateLimit: 0.0001, RateBurst: 1})
	require.NoError(t, reg.Register(newEchoDefinition("echo")))

	// First call consumes the burst token.
	_, err := reg.Invoke(context.Background(), "echo", map[string]any{"message": "x"}, "w")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = reg.Invoke(ctx, "echo", map[string]any{"message": "y"}, "w")
	assert.Error(t, err)
}
