package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
)

type RelayTestSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *clockwork.FakeClock
	relay  *Relay
	ctx    context.Context
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelayTestSuite))
}

func (s *RelayTestSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC))
	s.relay = newRelayWithClock(s.client, "test", s.clock, log.NewTest(s.T()))
	s.ctx = context.Background()
}

func (s *RelayTestSuite) TearDownTest() {
	s.client.Close()
}

func (s *RelayTestSuite) receive(sub relay.Subscription) relay.Event {
	select {
	case ev, ok := <-sub.Events():
		s.Require().True(ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for event")
	}
	return relay.Event{}
}

func (s *RelayTestSuite) TestPublishSubscribe() {
	sub, err := s.relay.Subscribe(s.ctx, "alice")
	s.Require().NoError(err)
	defer sub.Close()

	err = s.relay.Publish(s.ctx, "alice", relay.EventTalkRequest, "bob",
		relay.TalkRequest{RequestID: "r1", RoomID: "room-1", Kind: "one_on_one"})
	s.Require().NoError(err)

	ev := s.receive(sub)
	s.Equal(relay.EventTalkRequest, ev.Type)
	s.Equal("bob", ev.From)
	s.Equal(s.clock.Now(), ev.SentAt)

	var payload relay.TalkRequest
	s.Require().NoError(ev.Decode(&payload))
	s.Equal("room-1", payload.RoomID)
	s.Equal("r1", payload.RequestID)
}

func (s *RelayTestSuite) TestOnlyTargetReceives() {
	alice, err := s.relay.Subscribe(s.ctx, "alice")
	s.Require().NoError(err)
	defer alice.Close()
	bob, err := s.relay.Subscribe(s.ctx, "bob")
	s.Require().NoError(err)
	defer bob.Close()

	s.Require().NoError(s.relay.Publish(s.ctx, "bob", relay.EventCallEnded, "alice", nil))

	ev := s.receive(bob)
	s.Equal(relay.EventCallEnded, ev.Type)
	s.Empty(ev.Payload)

	select {
	case ev := <-alice.Events():
		s.Failf("unexpected event", "%+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *RelayTestSuite) TestPublishWithoutSubscriber() {
	s.NoError(s.relay.Publish(s.ctx, "nobody", relay.EventCallInvitation, "alice", nil))
}

func (s *RelayTestSuite) TestPublishValidation() {
	err := s.relay.Publish(s.ctx, "", relay.EventCallEnded, "alice", nil)
	s.True(errors.Is(err, relay.ErrInvalidEvent))

	err = s.relay.Publish(s.ctx, "bob", relay.EventType("hello"), "alice", nil)
	s.True(errors.Is(err, relay.ErrInvalidEvent))
}

func (s *RelayTestSuite) TestPublishRedisDown() {
	s.mr.Close()
	err := s.relay.Publish(s.ctx, "bob", relay.EventCallEnded, "alice", nil)
	s.True(errors.Is(err, relay.ErrRelayUnavailable))
}

func (s *RelayTestSuite) TestCloseEndsEvents() {
	sub, err := s.relay.Subscribe(s.ctx, "alice")
	s.Require().NoError(err)

	s.Require().NoError(sub.Close())
	s.NoError(sub.Close())

	select {
	case _, ok := <-sub.Events():
		s.False(ok)
	case <-time.After(2 * time.Second):
		s.FailNow("events channel not closed")
	}
}
