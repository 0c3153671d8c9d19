// Package ratelimit paces outbound calls with a token bucket and wraps them
// with bounded retry and exponential backoff.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindforge-ai/mindforge/core"
)

// Sentinel classification errors. Wrap provider errors with one of these to
// steer retry behavior explicitly.
var (
	// ErrTransient marks failures worth retrying (network, 429, 503).
	ErrTransient = errors.New("transient error")
	// ErrPermanent marks failures that must surface immediately.
	ErrPermanent = errors.New("permanent error")
)

// StatusFunc is invoked before each retry's backoff, with the attempt that
// just failed, for UI progress reporting.
type StatusFunc func(attempt, maxRetries int, wait time.Duration)

// Config parameterizes a Limiter.
type Config struct {
	RequestsPerMinute float64
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Status            StatusFunc
	Logger            core.Logger
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerMinute: 60,
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
	}
}

// Limiter is a token bucket sized to requests-per-minute: capacity rpm,
// refill rpm/60 per second. Safe for concurrent callers.
type Limiter struct {
	bucket *rate.Limiter
	cfg    Config
	logger core.Logger

	mu   sync.Mutex
	rng  *rand.Rand
}

// New creates a Limiter from cfg, filling in defaults for zero values.
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	resolved := *cfg
	if resolved.RequestsPerMinute <= 0 {
		resolved.RequestsPerMinute = 60
	}
	if resolved.InitialBackoff <= 0 {
		resolved.InitialBackoff = time.Second
	}
	if resolved.MaxBackoff <= 0 {
		resolved.MaxBackoff = 60 * time.Second
	}
	logger := resolved.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	burst := int(resolved.RequestsPerMinute)
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(resolved.RequestsPerMinute/60.0), burst),
		cfg:    resolved,
		logger: core.ComponentLogger(logger, "ratelimit"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the caller is permitted to issue a request, consuming
// one token. It returns early if ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Call invokes fn with pacing and retry. Each attempt waits on the bucket
// first. Transient failures are retried up to MaxRetries with exponential
// backoff InitialBackoff * 2^(attempt-1) plus jitter up to 20%. Permanent
// failures surface immediately.
func (l *Limiter) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= l.cfg.MaxRetries+1; attempt++ {
		if err := l.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Transient(err) {
			l.logger.Warn("Permanent failure, not retrying", map[string]interface{}{
				"operation": "rate_limited_call",
				"attempt":   attempt,
				"error":     err.Error(),
			})
			return err
		}

		if attempt > l.cfg.MaxRetries {
			break
		}

		wait := l.backoff(attempt)
		if l.cfg.Status != nil {
			l.cfg.Status(attempt, l.cfg.MaxRetries, wait)
		}
		l.logger.Info("Transient failure, backing off", map[string]interface{}{
			"operation":   "rate_limited_call",
			"attempt":     attempt,
			"max_retries": l.cfg.MaxRetries,
			"wait":        wait.String(),
			"error":       err.Error(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry budget exhausted after %d attempts: %v: %w",
		l.cfg.MaxRetries+1, lastErr, core.ErrRateLimited)
}

// backoff computes InitialBackoff * 2^(attempt-1) capped at MaxBackoff,
// plus jitter of at most 20% to avoid synchronized retries.
func (l *Limiter) backoff(attempt int) time.Duration {
	delay := l.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= l.cfg.MaxBackoff {
			delay = l.cfg.MaxBackoff
			break
		}
	}

	l.mu.Lock()
	jitter := time.Duration(l.rng.Float64() * 0.2 * float64(delay))
	l.mu.Unlock()

	return delay + jitter
}

// Transient reports whether err should be retried. Errors wrapping
// ErrPermanent are never transient; errors wrapping ErrTransient always
// are; context cancellation is never retried; anything else falls back to
// the shared retryability predicate.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return core.IsRetryable(err)
}
