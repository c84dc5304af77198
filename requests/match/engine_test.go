package match

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/etcd/fakes"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/retry"
	"github.com/imtaco/peer-connect/relay"
	relaymocks "github.com/imtaco/peer-connect/relay/mocks"
	"github.com/imtaco/peer-connect/requests"
	reqmocks "github.com/imtaco/peer-connect/requests/mocks"
	"github.com/imtaco/peer-connect/requests/store"
	"github.com/imtaco/peer-connect/rooms"
	"github.com/imtaco/peer-connect/rooms/provision"
)

type EngineTestSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	mr         *miniredis.Miniredis
	client     *redis.Client
	store      requests.RequestStore
	rooms      rooms.Provisioner
	publisher  *relaymocks.MockPublisher
	candidates *reqmocks.MockCandidateSource
	expiry     *reqmocks.MockExpiryScheduler
	clock      *clockwork.FakeClock
	engine     *Engine
	ctx        context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.ctx = context.Background()
	logger := log.NewTest(s.T())

	s.store = store.NewRedisStore(s.client, "test", logger.Module("Store"))
	provisioner, err := provision.NewProvisioner(fakes.NewEtcdKV(), "/rooms/", 100, logger.Module("Rooms"))
	s.Require().NoError(err)
	s.rooms = provisioner

	s.publisher = relaymocks.NewMockPublisher(s.ctrl)
	s.candidates = reqmocks.NewMockCandidateSource(s.ctrl)
	s.expiry = reqmocks.NewMockExpiryScheduler(s.ctrl)
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC))

	s.engine = s.newEngine(s.rooms)
}

func (s *EngineTestSuite) newEngine(provisioner rooms.Provisioner, opts ...Option) *Engine {
	logger := log.NewTest(s.T())
	opts = append([]Option{
		WithClock(s.clock),
		WithRetry(retry.New(logger, time.Millisecond, 5*time.Millisecond, 200*time.Millisecond)),
		WithRetention(time.Hour),
	}, opts...)
	return NewEngine(s.store, provisioner, s.publisher, logger, opts...)
}

func (s *EngineTestSuite) TearDownTest() {
	s.client.Close()
}

func (s *EngineTestSuite) list(excluding string, kinds ...requests.Kind) []*requests.ConnectRequest {
	var out []*requests.ConnectRequest
	for req, err := range s.engine.ListAvailable(s.ctx, excluding, kinds...) {
		s.Require().NoError(err)
		out = append(out, req)
	}
	return out
}

func (s *EngineTestSuite) expectTalkRequest(requester string) {
	s.publisher.EXPECT().
		Publish(gomock.Any(), requester, relay.EventTalkRequest, gomock.Any(), gomock.Any()).
		Return(nil)
}

func (s *EngineTestSuite) TestCreateAndList() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "rough day")
	s.Require().NoError(err)

	s.Equal(requests.StatusAvailable, req.Status)
	s.Equal("alice", req.RequesterID)
	s.Equal("rough day", req.Context)
	s.Equal(s.clock.Now().UTC().Add(10*time.Minute), req.ExpiresAt)
	s.Empty(req.RoomID)
	s.Empty(req.AcceptorID)

	listed := s.list("bob")
	s.Require().Len(listed, 1)
	s.Equal(req.ID, listed[0].ID)
	s.Equal(time.Duration(0), requests.Age(listed[0], s.clock.Now()))

	s.Empty(s.list("alice"), "own request is not listed")
	s.Empty(s.list("bob", requests.KindGroup))
}

func (s *EngineTestSuite) TestListOldestFirst() {
	first, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.clock.Advance(time.Minute)
	second, err := s.engine.CreateRequest(s.ctx, "carol", requests.KindGroup, "")
	s.Require().NoError(err)

	listed := s.list("bob")
	s.Require().Len(listed, 2)
	s.Equal(first.ID, listed[0].ID)
	s.Equal(second.ID, listed[1].ID)

	// stop after the first item
	n := 0
	for range s.engine.ListAvailable(s.ctx, "bob") {
		n++
		break
	}
	s.Equal(1, n)
}

func (s *EngineTestSuite) TestCreateAlreadyActive() {
	_, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	// the limit spans both kinds
	_, err = s.engine.CreateRequest(s.ctx, "alice", requests.KindGroup, "")
	s.True(errors.Is(err, requests.ErrAlreadyActive))

	s.clock.Advance(11 * time.Minute)
	_, err = s.engine.CreateRequest(s.ctx, "alice", requests.KindGroup, "")
	s.NoError(err)
}

func (s *EngineTestSuite) TestCreateValidation() {
	_, err := s.engine.CreateRequest(s.ctx, "alice", requests.Kind("party"), "")
	s.True(errors.Is(err, requests.ErrInvalidRequest))

	_, err = s.engine.CreateRequest(s.ctx, "", requests.KindOneOnOne, "")
	s.True(errors.Is(err, requests.ErrInvalidRequest))

	_, err = s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, strings.Repeat("é", requests.MaxContextLen+1))
	s.True(errors.Is(err, requests.ErrInvalidRequest))

	_, err = s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, strings.Repeat("é", requests.MaxContextLen))
	s.NoError(err)
}

func (s *EngineTestSuite) TestCreateFanout() {
	s.engine = s.newEngine(s.rooms, WithCandidates(s.candidates, 5), WithExpiryScheduler(s.expiry))

	s.expiry.EXPECT().ScheduleExpiry(gomock.Any(), gomock.Any()).Return(nil)
	s.candidates.EXPECT().Candidates(gomock.Any(), "alice", 5).Return([]string{"bob", "carol"}, nil)
	s.publisher.EXPECT().
		Publish(gomock.Any(), "bob", relay.EventCallInvitation, "alice", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ relay.EventType, _ string, payload any) error {
			inv := payload.(relay.CallInvitation)
			s.False(inv.Direct)
			s.Equal("hello", inv.Context)
			return nil
		})
	// relay failure does not fail the create
	s.publisher.EXPECT().
		Publish(gomock.Any(), "carol", relay.EventCallInvitation, "alice", gomock.Any()).
		Return(errors.New(relay.ErrRelayUnavailable, "down"))

	_, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "hello")
	s.NoError(err)
}

func (s *EngineTestSuite) TestCreateScheduleFailureIgnored() {
	s.engine = s.newEngine(s.rooms, WithExpiryScheduler(s.expiry))
	s.expiry.EXPECT().ScheduleExpiry(gomock.Any(), gomock.Any()).Return(errors.PureNew("queue down"))

	_, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.NoError(err)
}

func (s *EngineTestSuite) TestInvite() {
	s.publisher.EXPECT().
		Publish(gomock.Any(), "bob", relay.EventCallInvitation, "alice", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ relay.EventType, _ string, payload any) error {
			s.True(payload.(relay.CallInvitation).Direct)
			return nil
		})

	req, err := s.engine.Invite(s.ctx, "alice", "bob", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.Equal(requests.StatusAvailable, req.Status)

	_, err = s.engine.Invite(s.ctx, "carol", "carol", requests.KindOneOnOne, "")
	s.True(errors.Is(err, requests.ErrInvalidRequest))
}

func (s *EngineTestSuite) TestAcceptScenario() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "need to talk")
	s.Require().NoError(err)

	s.clock.Advance(30 * time.Second)

	var talk relay.TalkRequest
	s.publisher.EXPECT().
		Publish(gomock.Any(), "alice", relay.EventTalkRequest, "bob", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ relay.EventType, _ string, payload any) error {
			talk = payload.(relay.TalkRequest)
			return nil
		})

	handle, err := s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)
	s.Equal(req.ID, handle.RequestID)
	s.Equal("alice", handle.RequesterID)
	s.Equal("bob", handle.AcceptorID)
	s.NotEmpty(handle.RoomID)
	s.Equal(handle.RoomID, talk.RoomID)

	// the requester's poll sees the same room
	polled, err := s.engine.Get(s.ctx, req.ID, "alice")
	s.Require().NoError(err)
	s.Equal(requests.StatusMatched, polled.Status)
	s.Equal(handle.RoomID, polled.RoomID)
	s.Equal("bob", polled.AcceptorID)

	// both may join
	for _, user := range []string{"alice", "bob"} {
		ok, err := s.rooms.IsParticipant(s.ctx, handle.RoomID, user)
		s.Require().NoError(err)
		s.True(ok, user)
	}
	participants, err := s.rooms.Participants(s.ctx, handle.RoomID)
	s.Require().NoError(err)
	s.Len(participants, 2)

	s.Empty(s.list("carol"))
}

func (s *EngineTestSuite) TestConcurrentAcceptSingleWinner() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindGroup, "")
	s.Require().NoError(err)
	s.expectTalkRequest("alice")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*requests.RoomHandle
		gone    int
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := s.engine.Accept(s.ctx, req.ID, "user-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, handle)
			case errors.Is(err, requests.ErrRequestGone):
				gone++
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}(i)
	}
	wg.Wait()

	s.Require().Len(winners, 1)
	s.Equal(n-1, gone)

	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusMatched, stored.Status)
	s.Equal(winners[0].AcceptorID, stored.AcceptorID)
	s.Equal(winners[0].RoomID, stored.RoomID)
}

func (s *EngineTestSuite) TestExpiryIsAbsolute() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	s.clock.Advance(11 * time.Minute)

	s.Empty(s.list("bob"))

	_, err = s.engine.Accept(s.ctx, req.ID, "bob")
	s.True(errors.Is(err, requests.ErrRequestGone))

	// nothing rewrote the row
	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusAvailable, stored.Status)
}

func (s *EngineTestSuite) TestAcceptErrors() {
	_, err := s.engine.Accept(s.ctx, "missing", "bob")
	s.True(errors.Is(err, requests.ErrRequestGone))

	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	_, err = s.engine.Accept(s.ctx, req.ID, "alice")
	s.True(errors.Is(err, requests.ErrNotAuthorized))

	s.Require().NoError(s.engine.Cancel(s.ctx, req.ID, "alice"))
	_, err = s.engine.Accept(s.ctx, req.ID, "bob")
	s.True(errors.Is(err, requests.ErrRequestGone))
}

func (s *EngineTestSuite) TestAcceptRetriesRegistration() {
	provisioner := newFlakyProvisioner(s.rooms, 2)
	s.engine = s.newEngine(provisioner)

	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.expectTalkRequest("alice")

	handle, err := s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)

	ok, err := s.rooms.IsParticipant(s.ctx, handle.RoomID, "bob")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(2, provisioner.failures)
}

func (s *EngineTestSuite) TestAcceptRegistrationFailureKeepsRequestOpen() {
	s.engine = s.newEngine(newFlakyProvisioner(s.rooms, 1000))

	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	_, err = s.engine.Accept(s.ctx, req.ID, "bob")
	s.True(errors.Is(err, rooms.ErrInvalidRoom), "got %v", err)

	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusAvailable, stored.Status)
	s.Empty(stored.RoomID)
	s.Empty(stored.AcceptorID)

	current, err := s.engine.Current(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(requests.StatusAvailable, current.Status)
	s.Len(s.list("carol"), 1)

	// once etcd is back the same acceptor can try again
	s.engine = s.newEngine(s.rooms)
	s.expectTalkRequest("alice")
	handle, err := s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)
	for _, user := range []string{"alice", "bob"} {
		ok, err := s.rooms.IsParticipant(s.ctx, handle.RoomID, user)
		s.Require().NoError(err)
		s.True(ok, user)
	}
}

func (s *EngineTestSuite) TestCancel() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	err = s.engine.Cancel(s.ctx, req.ID, "mallory")
	s.True(errors.Is(err, requests.ErrNotAuthorized))

	s.Require().NoError(s.engine.Cancel(s.ctx, req.ID, "alice"))
	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusCompleted, stored.Status)

	// repeated and missing cancels are silent
	s.NoError(s.engine.Cancel(s.ctx, req.ID, "alice"))
	s.NoError(s.engine.Cancel(s.ctx, "missing", "alice"))

	// a canceled request no longer blocks a new one
	_, err = s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.NoError(err)
}

func (s *EngineTestSuite) TestCancelAfterMatchIsNoop() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.expectTalkRequest("alice")

	handle, err := s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)

	s.NoError(s.engine.Cancel(s.ctx, req.ID, "alice"))

	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusMatched, stored.Status)
	s.Equal(handle.RoomID, stored.RoomID)
}

func (s *EngineTestSuite) TestComplete() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.expectTalkRequest("alice")
	_, err = s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)

	err = s.engine.Complete(s.ctx, req.ID, "mallory")
	s.True(errors.Is(err, requests.ErrNotAuthorized))

	s.Require().NoError(s.engine.Complete(s.ctx, req.ID, "bob"))
	s.NoError(s.engine.Complete(s.ctx, req.ID, "alice"))
	s.NoError(s.engine.Complete(s.ctx, "missing", "alice"))

	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusCompleted, stored.Status)
	s.Equal("bob", stored.AcceptorID)
}

func (s *EngineTestSuite) TestDecline() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	s.publisher.EXPECT().
		Publish(gomock.Any(), "alice", relay.EventCallDeclined, "bob", relay.CallSignal{RequestID: req.ID}).
		Return(nil)
	s.NoError(s.engine.Decline(s.ctx, req.ID, "bob"))

	stored, err := s.store.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusAvailable, stored.Status)

	err = s.engine.Decline(s.ctx, req.ID, "alice")
	s.True(errors.Is(err, requests.ErrNotAuthorized))

	// expired: nothing to decline
	s.clock.Advance(11 * time.Minute)
	s.NoError(s.engine.Decline(s.ctx, req.ID, "bob"))
}

func (s *EngineTestSuite) TestGetAndCurrent() {
	_, err := s.engine.Current(s.ctx, "alice")
	s.True(errors.Is(err, requests.ErrRequestNotFound))

	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	current, err := s.engine.Current(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(req.ID, current.ID)

	_, err = s.engine.Get(s.ctx, req.ID, "bob")
	s.True(errors.Is(err, requests.ErrNotAuthorized))
	_, err = s.engine.Get(s.ctx, "missing", "alice")
	s.True(errors.Is(err, requests.ErrRequestNotFound))

	s.expectTalkRequest("alice")
	_, err = s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)

	// matched rows stay current after the deadline
	s.clock.Advance(20 * time.Minute)
	current, err = s.engine.Current(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(requests.StatusMatched, current.Status)

	s.Require().NoError(s.engine.Complete(s.ctx, req.ID, "alice"))
	_, err = s.engine.Current(s.ctx, "alice")
	s.True(errors.Is(err, requests.ErrRequestNotFound))
}

func (s *EngineTestSuite) TestExpire() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)

	changed, err := s.engine.Expire(s.ctx, req.ID)
	s.Require().NoError(err)
	s.False(changed, "not due yet")

	s.clock.Advance(10 * time.Minute)
	changed, err = s.engine.Expire(s.ctx, req.ID)
	s.Require().NoError(err)
	s.True(changed)

	changed, err = s.engine.Expire(s.ctx, req.ID)
	s.Require().NoError(err)
	s.False(changed)
}

func (s *EngineTestSuite) TestSweep() {
	stale, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.clock.Advance(5 * time.Minute)
	fresh, err := s.engine.CreateRequest(s.ctx, "carol", requests.KindGroup, "")
	s.Require().NoError(err)

	s.clock.Advance(6 * time.Minute)
	res, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(SweepResult{Expired: 1}, res)

	stored, err := s.store.Get(s.ctx, stale.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusCompleted, stored.Status)
	stored, err = s.store.Get(s.ctx, fresh.ID)
	s.Require().NoError(err)
	s.Equal(requests.StatusAvailable, stored.Status)

	// past the one hour retention both rows go, including the one expired
	// in the same sweep
	s.clock.Advance(2 * time.Hour)
	res, err = s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(SweepResult{Expired: 1, Deleted: 2}, res)

	res, err = s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(SweepResult{}, res)

	_, err = s.store.Get(s.ctx, stale.ID)
	s.True(errors.Is(err, requests.ErrRequestNotFound))
}

func (s *EngineTestSuite) TestSweepClosesAbandonedMatches() {
	req, err := s.engine.CreateRequest(s.ctx, "alice", requests.KindOneOnOne, "")
	s.Require().NoError(err)
	s.expectTalkRequest("alice")
	_, err = s.engine.Accept(s.ctx, req.ID, "bob")
	s.Require().NoError(err)

	// a call inside the retention window is left alone
	s.clock.Advance(30 * time.Minute)
	res, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(SweepResult{}, res)
	current, err := s.engine.Current(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(requests.StatusMatched, current.Status)

	s.clock.Advance(time.Hour)
	res, err = s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(SweepResult{Closed: 1, Deleted: 1}, res)

	_, err = s.engine.Current(s.ctx, "alice")
	s.True(errors.Is(err, requests.ErrRequestNotFound))
}

// flakyProvisioner fails the first n registrations.
type flakyProvisioner struct {
	rooms.Provisioner
	mu       sync.Mutex
	left     int
	failures int
}

func newFlakyProvisioner(p rooms.Provisioner, n int) *flakyProvisioner {
	return &flakyProvisioner{Provisioner: p, left: n}
}

func (p *flakyProvisioner) RegisterParticipant(ctx context.Context, roomID, userID string, role rooms.Role) error {
	p.mu.Lock()
	if p.left > 0 {
		p.left--
		p.failures++
		p.mu.Unlock()
		return errors.PureNew("etcd unavailable")
	}
	p.mu.Unlock()
	return p.Provisioner.RegisterParticipant(ctx, roomID, userID, role)
}
