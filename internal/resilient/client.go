// Package resilient wraps calls to flaky upstreams (price APIs, the L1 RPC)
// with a per-attempt timeout, bounded retries with exponential backoff and
// jitter, a circuit breaker and a token-bucket rate limit.
package resilient

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/loopvault/risk-engine/internal/metrics"
)

// Config controls one named dependency.
//
// Delay before retry n (0-based) is
// min(InitialDelay * Multiplier^n, MaxDelay) +/- JitterFactor.
type Config struct {
	Name string

	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration

	// MaxAttempts includes the first call. Values below 1 mean 1.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64

	// RatePerSecond is the steady request rate. Zero disables limiting.
	RatePerSecond float64
	Burst         int

	// BreakerFailures is the number of consecutive failures that opens the
	// breaker. Zero disables the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultConfig returns settings suitable for public HTTP APIs.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		AttemptTimeout:  5 * time.Second,
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.2,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
}

// Client executes calls against one dependency. Safe for concurrent use.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client for the named dependency.
func New(cfg Config) *Client {
	cfg.normalize()
	c := &Client{
		cfg:    cfg,
		logger: slog.Default().With("dependency", cfg.Name),
		sleep:  sleepCtx,
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	if cfg.BreakerFailures > 0 {
		threshold := cfg.BreakerFailures
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     cfg.Name,
			Interval: 60 * time.Second,
			Timeout:  cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "dependency", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// Name returns the dependency name.
func (c *Client) Name() string { return c.cfg.Name }

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately. Use it for
// failures a retry cannot fix, such as a malformed response.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is
// permanent, the breaker is open, or ctx is done. The last error is
// returned.
func Do[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if lastErr != nil {
					return zero, lastErr
				}
				return zero, err
			}
		}

		v, err := try(ctx, c, fn)
		if err == nil {
			metrics.UpstreamRequests.WithLabelValues(c.cfg.Name, "ok").Inc()
			return v, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.UpstreamRequests.WithLabelValues(c.cfg.Name, "breaker_open").Inc()
			return zero, err
		case IsPermanent(err):
			metrics.UpstreamRequests.WithLabelValues(c.cfg.Name, "permanent").Inc()
			return zero, err
		}
		metrics.UpstreamRequests.WithLabelValues(c.cfg.Name, "error").Inc()

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		delay := c.cfg.delay(attempt)
		c.logger.Debug("retrying upstream call", "attempt", attempt+1, "delay", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// DoOr is Do that substitutes fallback on failure. The boolean reports
// whether the value came from fn.
func DoOr[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error), fallback T) (T, bool) {
	v, err := Do(ctx, c, fn)
	if err != nil {
		c.logger.Warn("upstream call failed, using fallback", "err", err)
		return fallback, false
	}
	return v, true
}

func try[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	call := func() (T, error) {
		if c.cfg.AttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		return fn(actx)
	}
	if c.breaker == nil {
		return call()
	}

	var zero T
	var permErr error
	out, err := c.breaker.Execute(func() (interface{}, error) {
		v, err := call()
		if err != nil && IsPermanent(err) {
			// A malformed answer still means the upstream is reachable.
			permErr = err
			return nil, nil
		}
		return v, err
	})
	if permErr != nil {
		return zero, permErr
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (c Config) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
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
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
