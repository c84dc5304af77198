package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
)

const subscriptionBuffer = 32

// Relay fans events out over Redis pub/sub, one channel per user. A user
// with no subscriber simply misses the event.
type Relay struct {
	client redis.UniversalClient
	prefix string
	clock  clockwork.Clock
	logger *log.Logger
}

func NewRelay(client redis.UniversalClient, prefix string, logger *log.Logger) *Relay {
	return newRelayWithClock(client, prefix, clockwork.NewRealClock(), logger)
}

func newRelayWithClock(client redis.UniversalClient, prefix string, clock clockwork.Clock, logger *log.Logger) *Relay {
	if client == nil {
		panic("redis client is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Relay{
		client: client,
		prefix: prefix,
		clock:  clock,
		logger: logger,
	}
}

func (r *Relay) channel(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

func (r *Relay) Publish(
	ctx context.Context,
	targetUserID string,
	eventType relay.EventType,
	from string,
	payload any,
) error {
	if targetUserID == "" {
		return errors.New(relay.ErrInvalidEvent, "target is required")
	}
	if !eventType.Valid() {
		return errors.Newf(relay.ErrInvalidEvent, "unknown event type %q", eventType)
	}

	ev := relay.Event{
		Type:   eventType,
		From:   from,
		SentAt: r.clock.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(relay.ErrInvalidEvent, err, "fail to marshal payload")
		}
		ev.Payload = raw
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(relay.ErrInvalidEvent, err, "fail to marshal event")
	}

	receivers, err := r.client.Publish(ctx, r.channel(targetUserID), data).Result()
	if err != nil {
		eventsFailed.Add(ctx, 1)
		return errors.Wrap(relay.ErrRelayUnavailable, err, "fail to publish event")
	}

	eventsPublished.Add(ctx, 1)
	r.logger.Debug("Event published",
		log.String("type", string(eventType)),
		log.String("target", targetUserID),
		log.String("from", from),
		log.Int64("receivers", receivers))
	return nil
}

func (r *Relay) Subscribe(ctx context.Context, userID string) (relay.Subscription, error) {
	if userID == "" {
		return nil, errors.New(relay.ErrInvalidEvent, "user is required")
	}

	ps := r.client.Subscribe(ctx, r.channel(userID))
	// wait for the subscribe confirmation so no event published after
	// Subscribe returns can be missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(relay.ErrRelayUnavailable, err, "fail to subscribe")
	}

	sub := &subscription{
		ps:     ps,
		events: make(chan relay.Event, subscriptionBuffer),
		done:   make(chan struct{}),
		logger: r.logger.With(log.UserID(userID)),
	}
	go sub.pump(ps.Channel())
	return sub, nil
}

type subscription struct {
	ps        *redis.PubSub
	events    chan relay.Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *log.Logger
}

func (s *subscription) Events() <-chan relay.Event {
	return s.events
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) pump(ch <-chan *redis.Message) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev relay.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("Drop malformed event", log.Error(err))
				continue
			}
			select {
			case s.events <- ev:
				eventsDelivered.Add(context.Background(), 1)
			case <-s.done:
				return
			default:
				// slow consumer, at-most-once delivery allows dropping
				eventsDropped.Add(context.Background(), 1)
				s.logger.Warn("Drop event for slow subscriber", log.String("type", string(ev.Type)))
			}
		}
	}
}
