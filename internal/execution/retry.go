package execution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"OpenYield-Rebalancer/internal/domain"
)

// RetryPolicy 控制瞬时链上错误的重试。
type RetryPolicy struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
}

// DefaultRetryPolicy 返回默认重试策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func (p *RetryPolicy) applyDefaults() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = d.RandomizationFactor
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	return b
}

// retryTransient 执行 op，仅对瞬时链上错误退避重试，返回值中的 retries 为重试次数。
func retryTransient[T any](ctx context.Context, policy RetryPolicy, op func() (T, error), notify func(err error, wait time.Duration)) (T, int, error) {
	retries := 0
	operation := func() (T, error) {
		out, err := op()
		if err != nil && !domain.IsTransient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy.newBackOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			retries++
			if notify != nil {
				notify(err, wait)
			}
		}),
	)
	return out, retries, unwrapPermanent(err)
}
