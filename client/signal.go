package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/jsonrpc"
	wsrpc "github.com/imtaco/peer-connect/internal/jsonrpc/websocket"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
	"github.com/imtaco/peer-connect/session"
)

type signalState struct{}

type subscriber struct {
	id string
	fn func(relay.Event)
}

// Signal is a user's connection to the relay gateway.
type Signal struct {
	conn   *wsrpc.ClientConn[signalState]
	clock  clockwork.Clock
	logger *log.Logger

	mu   sync.Mutex
	subs map[relay.EventType][]subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ session.Signaler = (*Signal)(nil)

// DialSignal connects to the gateway at url (ws:// or wss://, path included)
// using the user's bearer token.
func DialSignal(ctx context.Context, url, token string, logger *log.Logger) (*Signal, error) {
	return dialSignal(ctx, url, token, clockwork.NewRealClock(), logger)
}

func dialSignal(ctx context.Context, url, token string, clock clockwork.Clock, logger *log.Logger) (*Signal, error) {
	s := &Signal{
		clock:  clock,
		logger: logger,
		subs:   make(map[relay.EventType][]subscriber),
	}

	handler := jsonrpc.NewHandler[signalState](logger)
	for _, et := range relay.EventTypes {
		handler.Def(string(et), s.dispatch)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := wsrpc.Dial(ctx, url, header, handler, &signalState{}, logger)
	if err != nil {
		return nil, errors.Wrap(relay.ErrRelayUnavailable, err, "dial gateway")
	}
	s.conn = conn
	return s, nil
}

// Subscribe registers fn for one event type and returns its unsubscribe func.
// Handlers run on the connection's read loop and must not block.
func (s *Signal) Subscribe(eventType relay.EventType, fn func(relay.Event)) func() {
	id := uuid.NewString()

	s.mu.Lock()
	s.subs[eventType] = append(s.subs[eventType], subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[eventType]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Signal) dispatch(_ jsonrpc.MethodContext[signalState], params *json.RawMessage) (any, error) {
	if params == nil {
		return nil, jsonrpc.ErrInvalidParams("missing event")
	}
	var ev relay.Event
	if err := json.Unmarshal(*params, &ev); err != nil {
		s.logger.Warn("Malformed relay event", log.Error(err))
		return nil, jsonrpc.ErrInvalidParams("malformed event")
	}

	s.mu.Lock()
	subs := append([]subscriber(nil), s.subs[ev.Type]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
	return nil, nil
}

// Publish sends an event to targetUserID through the gateway. The gateway
// stamps the sender.
func (s *Signal) Publish(ctx context.Context, targetUserID string, eventType relay.EventType, payload any) error {
	params := relay.PublishParams{
		Target: targetUserID,
		Type:   string(eventType),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(relay.ErrInvalidEvent, err, "marshal payload")
		}
		params.Payload = raw
	}

	var res relay.PublishResult
	if err := s.conn.Call(ctx, relay.MethodPublish, params, &res); err != nil {
		return rpcError(err)
	}
	return nil
}

func (s *Signal) Keepalive(ctx context.Context) (*relay.KeepaliveResult, error) {
	var res relay.KeepaliveResult
	if err := s.conn.Call(ctx, relay.MethodKeepalive, nil, &res); err != nil {
		return nil, rpcError(err)
	}
	return &res, nil
}

// StartKeepalive refreshes presence every interval until Close.
func (s *Signal) StartKeepalive(ctx context.Context, interval time.Duration) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.conn.Done():
				return
			case <-ticker.Chan():
				if _, err := s.Keepalive(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("Keepalive failed", log.Error(err))
				}
			}
		}
	}()
}

// Done is closed when the gateway connection is gone.
func (s *Signal) Done() <-chan struct{} {
	return s.conn.Done()
}

func (s *Signal) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func rpcError(err error) error {
	code, ok := jsonrpc.CodeOf(err)
	if !ok {
		return errors.Wrap(relay.ErrRelayUnavailable, err, "gateway call")
	}
	switch code {
	case relay.CodeRateLimited:
		return errors.Wrap(ErrRateLimited, err, "publish")
	case relay.CodeRelayUnavailable:
		return errors.Wrap(relay.ErrRelayUnavailable, err, "publish")
	case jsonrpc.CodeInvalidParams:
		return errors.Wrap(relay.ErrInvalidEvent, err, "publish")
	}
	return errors.Wrap(ErrServer, err, "gateway call")
}
