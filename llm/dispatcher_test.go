package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/ratelimit"
)

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(&ratelimit.Config{
		RequestsPerMinute: 6000,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
	})
}

func TestDispatcher_GenerateText(t *testing.T) {
	mock := NewMockClient()
	mock.Responses = []string{"the answer is 4"}

	d := NewDispatcher(mock, testLimiter(), "test-model", nil)
	content, err := d.GenerateText(context.Background(), "2+2?", nil)

	require.NoError(t, err)
	assert.Equal(t, "the answer is 4", content)
	assert.Equal(t, "test-model", mock.LastOptions.Model, "default model applies when unset")
}

func TestDispatcher_ModelOverride(t *testing.T) {
	mock := NewMockClient()
	d := NewDispatcher(mock, testLimiter(), "default-model", nil)

	_, err := d.GenerateText(context.Background(), "hi", &Options{Model: "special"})
	require.NoError(t, err)
	assert.Equal(t, "special", mock.LastOptions.Model)
}

func TestDispatcher_RetriesTransientProviderErrors(t *testing.T) {
	calls := 0
	mock := NewMockClient()
	mock.Script = func(prompt string, opts *Options) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("%w: %v", ratelimit.ErrTransient,
				&Error{Message: "rate limited by provider", Type: ErrTypeRateLimit})
		}
		return "recovered", nil
	}

	d := NewDispatcher(mock, testLimiter(), "m", nil)
	content, err := d.GenerateText(context.Background(), "hi", nil)

	require.NoError(t, err)
	assert.Equal(t, "recovered", content)
	assert.Equal(t, 3, calls)
}

func TestDispatcher_PermanentErrorSurfaces(t *testing.T) {
	mock := NewMockClient()
	mock.Script = func(prompt string, opts *Options) (string, error) {
		return "", fmt.Errorf("%w: %v", ratelimit.ErrPermanent,
			&Error{Message: "model not found", Type: ErrTypeModelNotFound})
	}

	d := NewDispatcher(mock, testLimiter(), "m", nil)
	_, err := d.GenerateText(context.Background(), "hi", nil)

	require.Error(t, err)
	assert.Equal(t, core.KindLLMError, core.KindOf(err))
	assert.Equal(t, 1, mock.CallCount)
}

func TestDispatcher_RateLimitedAfterBudget(t *testing.T) {
	mock := NewMockClient()
	mock.Script = func(prompt string, opts *Options) (string, error) {
		return "", fmt.Errorf("%w: still throttled", ratelimit.ErrTransient)
	}

	d := NewDispatcher(mock, testLimiter(), "m", nil)
	_, err := d.GenerateText(context.Background(), "hi", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRateLimited)
	assert.Equal(t, 3, mock.CallCount, "1 initial + 2 retries")
}

func TestError_String(t *testing.T) {
	err := &Error{Message: "boom", Type: ErrTypeProvider, Details: "status 500"}
	assert.Equal(t, "provider_error: boom (status 500)", err.Error())
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{401, false},
		{404, false},
		{400, false},
	}

	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("{}"))
		assert.Equal(t, tt.transient, ratelimit.Transient(err), "status %d", tt.status)
	}
}
