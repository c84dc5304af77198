// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imtaco/peer-connect/internal/log"
)

type Retry interface {
	Do(ctx context.Context, operation func() error) error
}

// Stop marks err as final: Do returns it without another attempt.
func Stop(err error) error {
	return backoff.Permanent(err)
}

type Option func(*policy)

// WithMaxAttempts caps the total number of calls, the first one included.
func WithMaxAttempts(n int) Option {
	return func(p *policy) {
		p.maxAttempts = n
	}
}

func New(logger *log.Logger, initialInterval, maxInterval, maxElapsedTime time.Duration, opts ...Option) Retry {
	p := &policy{
		logger:          logger,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		maxElapsedTime:  maxElapsedTime,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type policy struct {
	logger          *log.Logger
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsedTime  time.Duration
	maxAttempts     int
}

func (p *policy) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initialInterval
	exp.MaxInterval = p.maxInterval
	exp.MaxElapsedTime = p.maxElapsedTime

	var b backoff.BackOff = exp
	if p.maxAttempts > 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.maxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func (p *policy) Do(ctx context.Context, operation func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return operation()
	}, p.backoff(ctx), func(err error, wait time.Duration) {
		p.logger.Warn("Attempt failed, retrying",
			log.Int("attempt", attempt),
			log.Duration("wait", wait),
			log.Error(err))
	})
}
