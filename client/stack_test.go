package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/imtaco/peer-connect/internal/etcd/fakes"
	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/retry"
	"github.com/imtaco/peer-connect/relay/gateway"
	"github.com/imtaco/peer-connect/relay/presence"
	"github.com/imtaco/peer-connect/relay/pubsub"
	"github.com/imtaco/peer-connect/requests/match"
	"github.com/imtaco/peer-connect/requests/store"
	"github.com/imtaco/peer-connect/requests/transport"
	"github.com/imtaco/peer-connect/rooms/provision"
)

const testMediaURL = "wss://media.test"

// stack runs the matchmaking API and the signaling gateway over one
// miniredis, the way the two services share redis in production.
type stack struct {
	t       *testing.T
	mr      *miniredis.Miniredis
	redis   *redis.Client
	clock   *clockwork.FakeClock
	jwtAuth jwt.Auth
	tracker *presence.Tracker
	engine  *match.Engine
	gateway *gateway.Server
	apiSrv  *httptest.Server
	gwSrv   *httptest.Server
	logger  *log.Logger
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		t:       t,
		mr:      miniredis.RunT(t),
		clock:   clockwork.NewFakeClockAt(time.Now().UTC()),
		jwtAuth: jwt.NewAuth("stack-secret"),
		logger:  log.NewTest(t),
	}
	s.redis = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})

	provisioner, err := provision.NewProvisioner(fakes.NewEtcdKV(), "/rooms/", 100, s.logger.Module("Rooms"))
	require.NoError(t, err)

	r := pubsub.NewRelay(s.redis, "stack", s.logger.Module("PubSub"))
	s.tracker = presence.NewTracker(s.redis, "stack", time.Minute, s.logger.Module("Presence"))

	s.engine = match.NewEngine(
		store.NewRedisStore(s.redis, "stack", s.logger.Module("Store")),
		provisioner, r, s.logger.Module("Engine"),
		match.WithClock(s.clock),
		match.WithCandidates(s.tracker, 10),
		match.WithRetry(retry.New(s.logger, time.Millisecond, 5*time.Millisecond, 100*time.Millisecond)),
	)

	router, err := transport.NewRouter(s.engine, provisioner, s.jwtAuth, transport.Options{
		MediaURL:      testMediaURL,
		RatePerSecond: 100,
		RateBurst:     100,
	}, s.logger.Module("Router"))
	require.NoError(t, err)
	s.apiSrv = httptest.NewServer(router.Handler())

	s.gateway = gateway.NewServer(s.jwtAuth, r, r, s.tracker, gateway.Options{}, s.logger.Module("Gateway"))
	require.NoError(t, s.gateway.Start(context.Background()))
	s.gwSrv = httptest.NewServer(gateway.NewRouter(s.gateway))

	t.Cleanup(s.close)
	return s
}

func (s *stack) close() {
	s.apiSrv.Close()
	s.gwSrv.Close()
	s.gateway.Stop()
	s.redis.Close()
}

func (s *stack) token(userID string) string {
	token, err := s.jwtAuth.Sign(userID)
	require.NoError(s.t, err)
	return token
}

func (s *stack) api(userID string) *API {
	return NewAPI(s.apiSrv.URL, s.token(userID), s.logger.Module("API"),
		WithRetry(retry.New(s.logger, time.Millisecond, 5*time.Millisecond, 100*time.Millisecond)))
}

// signal dials userID into the gateway and waits until they are online.
func (s *stack) signal(userID string) *Signal {
	url := "ws" + strings.TrimPrefix(s.gwSrv.URL, "http") + "/ws"
	sig, err := dialSignal(context.Background(), url, s.token(userID), s.clock, s.logger.Module("Signal"))
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = sig.Close() })

	require.Eventually(s.t, func() bool {
		online, err := s.tracker.Candidates(context.Background(), "", 100)
		if err != nil {
			return false
		}
		for _, id := range online {
			if id == userID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return sig
}
