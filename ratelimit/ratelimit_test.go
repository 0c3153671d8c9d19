package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindforge-ai/mindforge/core"
)

func TestWait_AdmissionBound(t *testing.T) {
	// With rpm=60 the bucket starts full (60 tokens) and refills one per
	// second. Over a short window admissions must stay within capacity + 1.
	limiter := New(&Config{RequestsPerMinute: 60})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	admitted := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		admitted++
		if admitted > 61 {
			break
		}
	}

	assert.LessOrEqual(t, admitted, 61, "admissions must not exceed rpm + 1 within one window")
	assert.GreaterOrEqual(t, admitted, 55, "a full bucket should admit close to rpm immediately")
}

func TestWait_BlocksWhenExhausted(t *testing.T) {
	limiter := New(&Config{RequestsPerMinute: 1})

	require.NoError(t, limiter.Wait(context.Background()))

	// Second permit needs a refill (60s at rpm=1); a short deadline must
	// expire first.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx)
	assert.Error(t, err)
}

func TestCall_RetriesTransient(t *testing.T) {
	limiter := New(&Config{
		RequestsPerMinute: 6000,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
	})

	attempts := 0
	err := limiter.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: synthetic 503", ErrTransient)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCall_PermanentSurfacesImmediately(t *testing.T) {
	limiter := New(&Config{
		RequestsPerMinute: 6000,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
	})

	attempts := 0
	permanent := fmt.Errorf("%w: bad credentials", ErrPermanent)
	err := limiter.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestCall_BudgetExhausted(t *testing.T) {
	limiter := New(&Config{
		RequestsPerMinute: 6000,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
	})

	attempts := 0
	err := limiter.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: still down", ErrTransient)
	})

	assert.Equal(t, 3, attempts, "1 initial + 2 retries")
	assert.ErrorIs(t, err, core.ErrRateLimited)
}

func TestCall_StatusCallback(t *testing.T) {
	var calls []int
	limiter := New(&Config{
		RequestsPerMinute: 6000,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		Status: func(attempt, maxRetries int, wait time.Duration) {
			calls = append(calls, attempt)
		},
	})

	_ = limiter.Call(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("%w: flapping", ErrTransient)
	})

	assert.Equal(t, []int{1, 2}, calls)
}

func TestCall_ConcurrentCallers(t *testing.T) {
	limiter := New(&Config{RequestsPerMinute: 6000, MaxRetries: 0})

	var succeeded int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Call(context.Background(), func(ctx context.Context) error {
				return nil
			}); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), succeeded)
}

func TestTransient_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"tagged transient", fmt.Errorf("%w: 429", ErrTransient), true},
		{"tagged permanent", fmt.Errorf("%w: 401", ErrPermanent), false},
		{"context cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"core timeout", core.ErrTimeout, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}
