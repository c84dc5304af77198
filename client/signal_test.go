package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/relay"
)

type SignalTestSuite struct {
	suite.Suite
	stack *stack
	ctx   context.Context
}

func TestSignalSuite(t *testing.T) {
	suite.Run(t, new(SignalTestSuite))
}

func (s *SignalTestSuite) SetupTest() {
	s.stack = newStack(s.T())
	s.ctx = context.Background()
}

func collect(sig *Signal, eventType relay.EventType) (<-chan relay.Event, func()) {
	ch := make(chan relay.Event, 8)
	unsubscribe := sig.Subscribe(eventType, func(ev relay.Event) { ch <- ev })
	return ch, unsubscribe
}

func (s *SignalTestSuite) receive(ch <-chan relay.Event) relay.Event {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("no event")
		return relay.Event{}
	}
}

func (s *SignalTestSuite) TestCallEndedReachesPeer() {
	alice := s.stack.signal("alice")
	bob := s.stack.signal("bob")
	ended, _ := collect(bob, relay.EventCallEnded)

	err := alice.Publish(s.ctx, "bob", relay.EventCallEnded, relay.CallSignal{RequestID: "r1", RoomID: "room-1"})
	s.Require().NoError(err)

	ev := s.receive(ended)
	s.Equal("alice", ev.From)
	var signal relay.CallSignal
	s.Require().NoError(ev.Decode(&signal))
	s.Equal("room-1", signal.RoomID)
}

func (s *SignalTestSuite) TestUnsubscribe() {
	alice := s.stack.signal("alice")
	bob := s.stack.signal("bob")
	declined, unsubscribe := collect(bob, relay.EventCallDeclined)
	ended, _ := collect(bob, relay.EventCallEnded)
	unsubscribe()

	s.Require().NoError(alice.Publish(s.ctx, "bob", relay.EventCallDeclined, relay.CallSignal{RequestID: "r1"}))
	s.Require().NoError(alice.Publish(s.ctx, "bob", relay.EventCallEnded, relay.CallSignal{RequestID: "r1"}))

	// events arrive in order, so call_declined was dropped by the time call_ended lands
	s.receive(ended)
	s.Empty(declined)
}

func (s *SignalTestSuite) TestServerOnlyEventsAreRejected() {
	alice := s.stack.signal("alice")

	err := alice.Publish(s.ctx, "bob", relay.EventTalkRequest, relay.TalkRequest{RequestID: "r1"})
	s.True(errors.Is(err, relay.ErrInvalidEvent), "got %v", err)
}

func (s *SignalTestSuite) TestKeepalive() {
	alice := s.stack.signal("alice")

	res, err := alice.Keepalive(s.ctx)
	s.Require().NoError(err)
	s.Equal("alice", res.UserID)
}

func (s *SignalTestSuite) TestRelayUnavailable() {
	alice := s.stack.signal("alice")
	s.stack.mr.Close()

	err := alice.Publish(s.ctx, "bob", relay.EventCallEnded, nil)
	s.True(errors.Is(err, relay.ErrRelayUnavailable), "got %v", err)
}

func (s *SignalTestSuite) TestDialRejectsBadToken() {
	url := "ws" + s.stack.gwSrv.URL[len("http"):] + "/ws"
	_, err := DialSignal(s.ctx, url, "bogus", s.stack.logger)
	s.True(errors.Is(err, relay.ErrRelayUnavailable))
}

func (s *SignalTestSuite) TestCloseEndsConnection() {
	alice := s.stack.signal("alice")
	alice.StartKeepalive(s.ctx, time.Second)
	s.Require().NoError(alice.Close())

	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		s.FailNow("connection still open")
	}
}
