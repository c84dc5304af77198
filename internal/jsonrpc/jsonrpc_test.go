package jsonrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
)

// pipeStream is one end of an in-memory, JSON-encoding duplex.
type pipeStream struct {
	in     <-chan []byte
	out    chan<- []byte
	once   sync.Once
	closed chan struct{}
}

func newPipe() (*pipeStream, *pipeStream) {
	ab, ba := make(chan []byte, 16), make(chan []byte, 16)
	return &pipeStream{in: ba, out: ab, closed: make(chan struct{})},
		&pipeStream{in: ab, out: ba, closed: make(chan struct{})}
}

func (p *pipeStream) Open(context.Context) error { return nil }

func (p *pipeStream) Read(ctx context.Context, v any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return io.EOF
	case bs := <-p.in:
		return json.Unmarshal(bs, v)
	}
}

func (p *pipeStream) Write(_ context.Context, obj any) error {
	bs, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	case p.out <- bs:
		return nil
	}
}

func (p *pipeStream) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// raw pushes a literal frame to the other side.
func (p *pipeStream) raw(frame string) {
	p.out <- []byte(frame)
}

type peerState struct {
	userID string
}

type publishParams struct {
	To    string `json:"to" validate:"required"`
	Event string `json:"event" validate:"required"`
}

type JSONRPCSuite struct {
	suite.Suite
	ctx     context.Context
	server  Handler[peerState]
	client  Handler[peerState]
	notes   chan string
	srvSide *pipeStream
	cliSide *pipeStream
}

func TestJSONRPCSuite(t *testing.T) {
	suite.Run(t, new(JSONRPCSuite))
}

func (s *JSONRPCSuite) SetupTest() {
	s.ctx = context.Background()
	logger := log.NewTest(s.T())
	s.notes = make(chan string, 4)

	s.server = NewHandler[peerState](logger)
	s.server.Def("publish", func(mctx MethodContext[peerState], params *json.RawMessage) (any, error) {
		var p publishParams
		if err := ShouldBindParams(params, &p); err != nil {
			return nil, err
		}
		if p.To == mctx.Get().userID {
			return nil, NewError(-32010, "cannot publish to self")
		}
		return map[string]string{"from": mctx.Get().userID, "event": p.Event}, nil
	})
	s.server.Def("keepalive", func(mctx MethodContext[peerState], _ *json.RawMessage) (any, error) {
		return map[string]string{"userId": mctx.Get().userID}, nil
	})
	s.server.Def("fail", func(MethodContext[peerState], *json.RawMessage) (any, error) {
		return nil, errors.PureNew("redis: connection refused")
	})

	s.client = NewHandler[peerState](logger)
	s.client.Def("call_ended", func(_ MethodContext[peerState], params *json.RawMessage) (any, error) {
		var p map[string]string
		_ = json.Unmarshal(*params, &p)
		s.notes <- p["requestId"]
		return nil, nil
	})

	s.srvSide, s.cliSide = newPipe()
}

func (s *JSONRPCSuite) open() (Conn[peerState], Conn[peerState]) {
	srv := s.server.NewConn(s.srvSide, &peerState{userID: "alice"})
	cli := s.client.NewConn(s.cliSide, &peerState{})
	s.Require().NoError(srv.Open(s.ctx))
	s.Require().NoError(cli.Open(s.ctx))
	s.T().Cleanup(func() {
		_ = srv.Close()
		_ = cli.Close()
	})
	return srv, cli
}

func (s *JSONRPCSuite) TestCallRoundTrip() {
	_, cli := s.open()

	var res map[string]string
	err := cli.Call(s.ctx, "publish", publishParams{To: "bob", Event: "call_ended"}, &res)
	s.Require().NoError(err)
	s.Equal("alice", res["from"])
	s.Equal("call_ended", res["event"])
}

func (s *JSONRPCSuite) TestMethodContextIsPerConnection() {
	srv, cli := s.open()
	srv.Context().Set(&peerState{userID: "carol"})

	var res map[string]string
	s.Require().NoError(cli.Call(s.ctx, "keepalive", nil, &res))
	s.Equal("carol", res["userId"])
	s.Same(srv, srv.Context().Peer())
}

func (s *JSONRPCSuite) TestHandlerErrors() {
	_, cli := s.open()

	err := cli.Call(s.ctx, "publish", publishParams{To: "alice", Event: "call_ended"}, nil)
	code, ok := CodeOf(err)
	s.True(ok)
	s.EqualValues(-32010, code)

	err = cli.Call(s.ctx, "publish", map[string]string{"to": "bob"}, nil)
	code, _ = CodeOf(err)
	s.EqualValues(CodeInvalidParams, code)

	err = cli.Call(s.ctx, "fail", nil, nil)
	rpcErr, ok := errors.As[*Error](err)
	s.Require().True(ok)
	s.EqualValues(CodeInternalError, rpcErr.Code)
	s.NotContains(rpcErr.Message, "redis")

	err = cli.Call(s.ctx, "subscribe", nil, nil)
	code, _ = CodeOf(err)
	s.EqualValues(CodeMethodNotFound, code)
}

func (s *JSONRPCSuite) TestNotifyReachesOtherSide() {
	srv, _ := s.open()

	s.Require().NoError(srv.Notify(s.ctx, "call_ended", map[string]string{"requestId": "r1"}))
	select {
	case got := <-s.notes:
		s.Equal("r1", got)
	case <-time.After(time.Second):
		s.FailNow("notification not delivered")
	}
}

func (s *JSONRPCSuite) TestNotificationsGetNoReply() {
	srv := s.server.NewConn(s.srvSide, &peerState{userID: "alice"})
	s.Require().NoError(srv.Open(s.ctx))
	defer srv.Close()

	s.cliSide.raw(`{"jsonrpc":"2.0","method":"keepalive"}`)
	s.cliSide.raw(`{"jsonrpc":"2.0","id":7,"method":"keepalive"}`)

	var env envelope
	s.Require().NoError(s.cliSide.Read(s.ctx, &env))
	s.Equal("7", env.ID.String())
	s.Equal(kindResponse, env.kind())
}

func (s *JSONRPCSuite) TestCallCanceled() {
	srv := s.server.NewConn(s.srvSide, &peerState{})
	s.Require().NoError(srv.Open(s.ctx))
	defer srv.Close()

	// nobody reads the client side, so the call never gets a reply
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	err := srv.Call(ctx, "call_ended", nil, nil)
	s.ErrorIs(err, context.DeadlineExceeded)

	c := srv.(*conn[peerState])
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Empty(c.waiters)
}

func (s *JSONRPCSuite) TestCloseReleasesWaitingCalls() {
	srv := s.server.NewConn(s.srvSide, &peerState{})
	s.Require().NoError(srv.Open(s.ctx))

	done := make(chan error, 1)
	go func() { done <- srv.Call(s.ctx, "call_ended", nil, nil) }()

	// the request frame shows up on the other side once the call is waiting
	var env envelope
	s.Require().NoError(s.cliSide.Read(s.ctx, &env))
	s.Require().NoError(srv.Close())

	select {
	case err := <-done:
		s.True(errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		s.FailNow("call still waiting")
	}
	s.True(errors.Is(srv.Close(), ErrClosed))
	s.True(errors.Is(srv.Notify(s.ctx, "call_ended", nil), ErrClosed))
}

func (s *JSONRPCSuite) TestPeerDisconnectClosesConn() {
	srv := s.server.NewConn(s.srvSide, &peerState{})
	s.Require().NoError(srv.Open(s.ctx))

	s.Require().NoError(s.srvSide.Close())
	s.Eventually(func() bool {
		return srv.(*conn[peerState]).isClosed()
	}, time.Second, 5*time.Millisecond)
}

func (s *JSONRPCSuite) TestDefRejectsDuplicates() {
	s.Panics(func() {
		s.server.Def("publish", func(MethodContext[peerState], *json.RawMessage) (any, error) { return nil, nil })
	})
	s.Panics(func() { NewHandler[peerState](nil) })
}

func TestEnvelopeKind(t *testing.T) {
	suite.Run(t, new(envelopeSuite))
}

type envelopeSuite struct {
	suite.Suite
}

func (s *envelopeSuite) TestClassification() {
	cases := map[string]kind{
		`{"jsonrpc":"2.0","id":"a","method":"publish","params":{}}`:  kindRequest,
		`{"jsonrpc":"2.0","id":1,"method":"publish"}`:                kindRequest,
		`{"jsonrpc":"2.0","method":"call_ended"}`:                    kindNotification,
		`{"jsonrpc":"2.0","id":"a","result":{}}`:                     kindResponse,
		`{"jsonrpc":"2.0","id":3,"error":{"code":-1,"message":"x"}}`: kindResponse,
		`{"jsonrpc":"2.0","result":{}}`:                              kindInvalid,
		`{"jsonrpc":"2.0","id":"a","method":"m","result":{}}`:        kindInvalid,
		`{"jsonrpc":"2.0","id":"a"}`:                                 kindInvalid,
	}
	for frame, want := range cases {
		var env envelope
		s.Require().NoError(json.Unmarshal([]byte(frame), &env), frame)
		s.Equal(want, env.kind(), frame)
	}
}

func (s *envelopeSuite) TestIDsEchoUnchanged() {
	for _, raw := range []string{`"5f0c"`, `42`, `18446744073709551615`} {
		var id ID
		s.Require().NoError(json.Unmarshal([]byte(raw), &id))
		out, err := json.Marshal(&id)
		s.Require().NoError(err)
		s.Equal(raw, string(out))
	}

	var id ID
	s.Error(json.Unmarshal([]byte(`{"x":1}`), &id))
	s.False((*ID)(nil).IsSet())
	s.True(NewID().IsSet())
}

func (s *envelopeSuite) TestOutgoingMessagesCarryVersion() {
	call, err := newCall("publish", publishParams{To: "bob"})
	s.Require().NoError(err)
	s.Equal(version, call.JSONRPC)
	s.Equal(kindRequest, call.kind())

	note, err := newNotification("call_ended", nil)
	s.Require().NoError(err)
	s.Nil(note.ID)
	s.Equal(kindNotification, note.kind())

	res, err := newResult(*call.ID, map[string]bool{"ok": true})
	s.Require().NoError(err)
	s.Equal(kindResponse, res.kind())
	s.JSONEq(`{"ok":true}`, string(*res.Result))

	_, err = newCall("publish", make(chan int))
	s.True(errors.Is(err, ErrEncode))
}
