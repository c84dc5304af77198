package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/requests"
)

type fakeLister struct {
	mu    sync.Mutex
	calls int
	kinds []requests.Kind
	list  []*Request
	err   error
}

func (f *fakeLister) ListAvailable(_ context.Context, kind requests.Kind) ([]*Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.kinds = append(f.kinds, kind)
	return f.list, f.err
}

func (f *fakeLister) set(list []*Request, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list, f.err = list, err
}

func (f *fakeLister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type PollerTestSuite struct {
	suite.Suite
	clock   *clockwork.FakeClock
	lister  *fakeLister
	updates chan []*Request
	errs    chan error
	poller  *Poller
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerTestSuite))
}

func (s *PollerTestSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC))
	s.lister = &fakeLister{}
	s.updates = make(chan []*Request, 16)
	s.errs = make(chan error, 16)
	s.poller = NewPoller(s.lister, func(list []*Request) { s.updates <- list }, log.NewTest(s.T()),
		WithPollerClock(s.clock),
		WithKind(requests.KindOneOnOne),
		WithErrorHandler(func(err error) { s.errs <- err }))
}

func (s *PollerTestSuite) TearDownTest() {
	s.poller.Stop()
}

func (s *PollerTestSuite) request(id string, createdAt time.Time) *Request {
	return &Request{ConnectRequest: requests.ConnectRequest{
		ID:          id,
		Kind:        requests.KindOneOnOne,
		RequesterID: "bob",
		Status:      requests.StatusAvailable,
		CreatedAt:   createdAt,
		ExpiresAt:   requests.ExpiresAt(createdAt),
	}}
}

func (s *PollerTestSuite) next() []*Request {
	select {
	case list := <-s.updates:
		return list
	case <-time.After(2 * time.Second):
		s.FailNow("no update")
		return nil
	}
}

func (s *PollerTestSuite) noUpdate() {
	select {
	case list := <-s.updates:
		s.FailNow("unexpected update", "%v", list)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *PollerTestSuite) TestPollsOnStartAndEveryInterval() {
	s.lister.set([]*Request{s.request("r1", s.clock.Now())}, nil)
	s.Require().NoError(s.poller.Start(context.Background()))

	s.Len(s.next(), 1)

	s.Require().NoError(s.clock.BlockUntilContext(context.Background(), 1))
	s.clock.Advance(DefaultPollInterval)
	s.Len(s.next(), 1)
	s.Equal(requests.KindOneOnOne, s.lister.kinds[0])
}

func (s *PollerTestSuite) TestExpiredRequestsAreDropped() {
	now := s.clock.Now()
	s.lister.set([]*Request{
		s.request("old", now.Add(-requests.RequestTTL-time.Second)),
		s.request("edge", now.Add(-requests.RequestTTL)),
		s.request("fresh", now.Add(-time.Minute)),
	}, nil)
	s.Require().NoError(s.poller.Start(context.Background()))

	list := s.next()
	s.Require().Len(list, 1)
	s.Equal("fresh", list[0].ID)
}

func (s *PollerTestSuite) TestHiddenViewSkipsTicks() {
	s.poller.SetVisible(false)
	s.Require().NoError(s.poller.Start(context.Background()))

	s.Require().NoError(s.clock.BlockUntilContext(context.Background(), 1))
	s.clock.Advance(DefaultPollInterval)
	s.noUpdate()
	s.Equal(0, s.lister.count())

	s.poller.SetVisible(true)
	s.next()
	s.Equal(1, s.lister.count())
}

func (s *PollerTestSuite) TestRefreshPollsImmediately() {
	s.Require().NoError(s.poller.Start(context.Background()))
	s.next()

	s.poller.Refresh()
	s.next()
	s.Equal(2, s.lister.count())
}

func (s *PollerTestSuite) TestErrorsReachHandler() {
	s.lister.set(nil, errors.New(ErrServer, "boom"))
	s.Require().NoError(s.poller.Start(context.Background()))

	select {
	case err := <-s.errs:
		s.True(errors.Is(err, ErrServer))
	case <-time.After(2 * time.Second):
		s.FailNow("no error reported")
	}
	s.noUpdate()
}
