package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/jsonrpc"
	wsrpc "github.com/imtaco/peer-connect/internal/jsonrpc/websocket"
	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
)

type Options struct {
	// PublishRate is the sustained publishes per second per connection.
	PublishRate       float64
	PublishBurst      int
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

func (o *Options) applyDefaults() {
	if o.PublishRate <= 0 {
		o.PublishRate = 2
	}
	if o.PublishBurst <= 0 {
		o.PublishBurst = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
}

// Server is the signaling websocket endpoint. Every connection receives
// the events published to its user and may publish call events to others.
type Server struct {
	*wsrpc.Server[connContext]
	publisher relay.Publisher
	presence  relay.Presence
	connMgr   *ConnManager
	clock     clockwork.Clock
	logger    *log.Logger
}

func NewServer(
	jwtAuth jwt.Auth,
	publisher relay.Publisher,
	subscriber relay.Subscriber,
	presence relay.Presence,
	opts Options,
	logger *log.Logger,
) *Server {
	return newServerWithClock(jwtAuth, publisher, subscriber, presence, opts, clockwork.NewRealClock(), logger)
}

func newServerWithClock(
	jwtAuth jwt.Auth,
	publisher relay.Publisher,
	subscriber relay.Subscriber,
	presence relay.Presence,
	opts Options,
	clock clockwork.Clock,
	logger *log.Logger,
) *Server {
	opts.applyDefaults()

	connMgr := newConnManagerWithClock(presence, opts.HeartbeatInterval, clock, logger.Module("ConnMgr"))
	hook := newWSHook(connMgr, jwtAuth, subscriber, presence, opts, logger.Module("WSHook"))

	s := &Server{
		Server:    wsrpc.NewServer(hook, opts.AllowedOrigins, logger.Module("WSRPC")),
		publisher: publisher,
		presence:  presence,
		connMgr:   connMgr,
		clock:     clock,
		logger:    logger,
	}
	s.register()
	return s
}

func (s *Server) register() {
	s.Def(relay.MethodPublish, s.handlePublish)
	s.Def(relay.MethodKeepalive, s.handleKeepalive)
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting signaling gateway")
	return s.connMgr.Start(ctx)
}

func (s *Server) Stop() {
	s.logger.Info("Stopping signaling gateway")
	s.connMgr.Stop()
}

func (s *Server) handlePublish(mctx jsonrpc.MethodContext[connContext], params *json.RawMessage) (any, error) {
	cctx := mctx.Get()
	rpcRequestsTotal.Add(cctx.reqCtx, 1)

	var data relay.PublishParams
	if err := jsonrpc.ShouldBindParams(params, &data); err != nil {
		rpcRequestsFailed.Add(cctx.reqCtx, 1)
		return nil, err
	}
	if data.Target == cctx.userID {
		rpcRequestsFailed.Add(cctx.reqCtx, 1)
		return nil, jsonrpc.ErrInvalidParams("cannot publish to self")
	}
	if !cctx.limiter.Allow() {
		rateLimited.Add(cctx.reqCtx, 1)
		return nil, jsonrpc.NewError(relay.CodeRateLimited, "rate limited")
	}

	var payload any
	if len(data.Payload) > 0 {
		payload = data.Payload
	}

	err := s.publisher.Publish(cctx.reqCtx, data.Target, relay.EventType(data.Type), cctx.userID, payload)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrInvalidEvent):
		rpcRequestsFailed.Add(cctx.reqCtx, 1)
		return nil, jsonrpc.ErrInvalidParams("invalid event")
	case errors.Is(err, relay.ErrRelayUnavailable):
		rpcRequestsFailed.Add(cctx.reqCtx, 1)
		return nil, jsonrpc.NewError(relay.CodeRelayUnavailable, "relay unavailable")
	default:
		rpcRequestsFailed.Add(cctx.reqCtx, 1)
		return nil, err
	}

	messagesReceived.Add(cctx.reqCtx, 1)
	s.logger.Debug("Client published event",
		log.String("from", cctx.userID),
		log.String("target", data.Target),
		log.String("type", data.Type))
	return &relay.PublishResult{SentAt: s.clock.Now().UTC()}, nil
}

func (s *Server) handleKeepalive(mctx jsonrpc.MethodContext[connContext], _ *json.RawMessage) (any, error) {
	cctx := mctx.Get()
	rpcRequestsTotal.Add(cctx.reqCtx, 1)

	if err := s.presence.Touch(cctx.reqCtx, cctx.userID); err != nil {
		s.logger.Warn("Keepalive touch failed",
			log.UserID(cctx.userID),
			log.Error(err))
	}
	return &relay.KeepaliveResult{
		UserID:     cctx.userID,
		ServerTime: s.clock.Now().UTC(),
	}, nil
}
