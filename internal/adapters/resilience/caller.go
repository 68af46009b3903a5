// Package resilience wraps outbound calls to the inference and embedding services
// with rate limiting, per-attempt timeouts, bounded exponential backoff and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// Policy configures a Caller. Zero fields take the defaults of DefaultPolicy.
type Policy struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	// BreakerFailures consecutive transient failures open the breaker for BreakerCooldown.
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// DefaultPolicy mirrors the upstream client: a few retries, capped at a minute apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
		AttemptTimeout:  30 * time.Second,
		Burst:           1,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.Burst <= 0 {
		p.Burst = d.Burst
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = d.BreakerFailures
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = d.BreakerCooldown
	}
	return p
}

// Caller runs one named upstream dependency's calls.
type Caller struct {
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Caller for the upstream called name.
func New(name string, p Policy, logger *zap.Logger) *Caller {
	p = p.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Caller{name: name, policy: p, logger: logger.With(zap.String("upstream", name))}
	if p.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), p.Burst)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     p.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.BreakerFailures
		},
		// Caller mistakes and cancellations say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// Do runs fn until it succeeds, fails permanently or retries run out.
// Exhausted transient failures and an open breaker are reported as errs.ErrServiceUnavailable.
func (c *Caller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.policy.InitialInterval
	eb.MaxInterval = c.policy.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.policy.MaxRetries)), ctx)

	attempt := 0
	var last error
	op := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, fn(actx)
		})
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: %s circuit open", errs.ErrServiceUnavailable, c.name))
		}
		if !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("transient upstream failure", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if errs.IsTransient(err) {
		c.logger.Warn("upstream retries exhausted", zap.Int("attempts", attempt), zap.Error(last))
		return fmt.Errorf("%w: %s: %v", errs.ErrServiceUnavailable, c.name, err)
	}
	return err
}

// State reports the breaker state for health checks.
func (c *Caller) State() string {
	return c.breaker.State().String()
}
