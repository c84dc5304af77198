package redis

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/imtaco/peer-connect/internal/log"
)

// Forever retries sorted-set writes until they succeed or ctx ends. It
// backs state that must converge, like presence, where dropping a write
// would leave a user online or offline for good.
type Forever interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) error
	ZRem(ctx context.Context, key string, members ...any) error
	ZRemRangeByScore(ctx context.Context, key, minScore, maxScore string) error
}

type foreverImpl struct {
	client          redis.UniversalClient
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *log.Logger
}

// NewForever uses exponential backoff between initialInterval and
// maxInterval, with no overall deadline.
func NewForever(
	client redis.UniversalClient,
	initialInterval time.Duration,
	maxInterval time.Duration,
	logger *log.Logger,
) Forever {
	if client == nil || logger == nil {
		panic("redis client and logger are required")
	}
	if initialInterval <= 0 {
		initialInterval = 100 * time.Millisecond
	}
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}
	return &foreverImpl{
		client:          client,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		logger:          logger,
	}
}

// run tries once before paying for a backoff.
func (f *foreverImpl) run(ctx context.Context, op string, cmd func() error) error {
	err := cmd()
	if err == nil {
		return nil
	}
	f.logger.Warn("Redis write failed, retrying", log.String("operation", op), log.Error(err))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval
	b.MaxElapsedTime = 0

	attempt := 1
	err = backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		return cmd()
	}, backoff.WithContext(b, ctx))
	if err == nil {
		f.logger.Info("Redis write recovered", log.String("operation", op), log.Int("attempts", attempt))
	}
	return err
}

func (f *foreverImpl) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	return f.run(ctx, "ZAdd", func() error {
		return f.client.ZAdd(ctx, key, members...).Err()
	})
}

func (f *foreverImpl) ZRem(ctx context.Context, key string, members ...any) error {
	return f.run(ctx, "ZRem", func() error {
		return f.client.ZRem(ctx, key, members...).Err()
	})
}

func (f *foreverImpl) ZRemRangeByScore(ctx context.Context, key, minScore, maxScore string) error {
	return f.run(ctx, "ZRemRangeByScore", func() error {
		return f.client.ZRemRangeByScore(ctx, key, minScore, maxScore).Err()
	})
}
