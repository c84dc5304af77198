package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	fredis "github.com/imtaco/peer-connect/internal/redis"
	"github.com/imtaco/peer-connect/relay"
)

const (
	DefaultTTL = 90 * time.Second

	// bounded so a Redis outage cannot stall a connection handler
	writeTimeout = 3 * time.Second
)

// Tracker records online users in a sorted set scored by last-seen millis.
// Entries older than ttl count as offline and are pruned lazily.
type Tracker struct {
	client  redis.UniversalClient
	forever fredis.Forever
	key     string
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *log.Logger
}

var _ relay.Presence = (*Tracker)(nil)

func NewTracker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *log.Logger) *Tracker {
	return newTrackerWithClock(client, prefix, ttl, clockwork.NewRealClock(), logger)
}

func newTrackerWithClock(
	client redis.UniversalClient,
	prefix string,
	ttl time.Duration,
	clock clockwork.Clock,
	logger *log.Logger,
) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		client:  client,
		forever: fredis.NewForever(client, 50*time.Millisecond, time.Second, logger),
		key:     fmt.Sprintf("%s:online", prefix),
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
	}
}

func (t *Tracker) Touch(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	now := t.clock.Now()
	if err := t.forever.ZAdd(ctx, t.key, redis.Z{Score: float64(now.UnixMilli()), Member: userID}); err != nil {
		return errors.Wrap(relay.ErrRelayUnavailable, err, "fail to touch presence")
	}
	return nil
}

func (t *Tracker) Leave(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := t.forever.ZRem(ctx, t.key, userID); err != nil {
		return errors.Wrap(relay.ErrRelayUnavailable, err, "fail to leave presence")
	}
	return nil
}

// Candidates returns up to limit users seen within ttl, newest first.
func (t *Tracker) Candidates(ctx context.Context, exclude string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	cutoff := t.clock.Now().Add(-t.ttl).UnixMilli()
	users, err := t.client.ZRevRangeByScore(ctx, t.key, &redis.ZRangeBy{
		Max:   "+inf",
		Min:   "(" + strconv.FormatInt(cutoff, 10),
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(relay.ErrRelayUnavailable, err, "fail to read presence")
	}

	result := make([]string, 0, limit)
	for _, u := range users {
		if u == exclude {
			continue
		}
		if len(result) == limit {
			break
		}
		result = append(result, u)
	}
	return result, nil
}

// Prune drops entries that are no longer considered online.
func (t *Tracker) Prune(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	cutoff := t.clock.Now().Add(-t.ttl).UnixMilli()
	if err := t.forever.ZRemRangeByScore(ctx, t.key, "-inf", strconv.FormatInt(cutoff, 10)); err != nil {
		return errors.Wrap(relay.ErrRelayUnavailable, err, "fail to prune presence")
	}
	return nil
}
