package middleware

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/petal-labs/conduit/core"
)

// RetryConfig configures the retry middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	// (default: 3).
	MaxAttempts int
	// InitialDelay is the delay before the first retry (default: 500ms).
	InitialDelay time.Duration
	// MaxDelay caps the backoff (default: 30s).
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt (default: 2).
	Multiplier float64
	// Jitter factor 0.0-1.0 applied to each delay (default: 0.2).
	Jitter float64
}

func (c *RetryConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
}

// Retry retries failed calls whose error class permits it, with
// exponential backoff. A rate-limit error carrying a RetryAfter hint
// overrides the computed delay. Streaming calls are retried only while
// acquiring the stream; once chunks flow, failures pass through, since
// content may already have reached the consumer.
type Retry struct {
	cfg RetryConfig

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetry creates the retry middleware.
func NewRetry(cfg RetryConfig) *Retry {
	cfg.defaults()
	return &Retry{cfg: cfg, sleep: sleepCtx}
}

// Name implements core.Middleware.
func (r *Retry) Name() string { return "retry" }

// WrapChat implements core.Middleware.
func (r *Retry) WrapChat(next core.ChatHandler) core.ChatHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
		var lastErr error
		for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
			if attempt > 0 {
				if err := r.sleep(ctx, r.delay(attempt, lastErr)); err != nil {
					return nil, core.FromContextErr(err)
				}
			}
			resp, err := next(ctx, req)
			if err == nil {
				return resp, nil
			}
			if !core.IsRetryable(err) {
				return nil, err
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// WrapStream implements core.Middleware.
func (r *Retry) WrapStream(next core.StreamHandler) core.StreamHandler {
	return func(ctx context.Context, req *core.ChatRequest) (*core.ChatStream, error) {
		var lastErr error
		for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
			if attempt > 0 {
				if err := r.sleep(ctx, r.delay(attempt, lastErr)); err != nil {
					return nil, core.FromContextErr(err)
				}
			}
			stream, err := next(ctx, req)
			if err == nil {
				return stream, nil
			}
			if !core.IsRetryable(err) {
				return nil, err
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// delay computes the backoff before the given attempt (1-based retry).
func (r *Retry) delay(attempt int, lastErr error) time.Duration {
	if ce, ok := core.AsError(lastErr); ok && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}

	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if r.cfg.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * r.cfg.Jitter
	}
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
