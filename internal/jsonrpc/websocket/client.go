package websocket

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/imtaco/peer-connect/internal/jsonrpc"
	"github.com/imtaco/peer-connect/internal/log"
)

// ClientConn is the dialing side of a JSON-RPC websocket. Methods defined on
// the handler passed to Dial serve notifications pushed by the server.
type ClientConn[T any] struct {
	jsonrpc.Conn[T]
	stream *wsStream
}

// Done is closed once the underlying websocket is gone.
func (c *ClientConn[T]) Done() <-chan struct{} {
	return c.stream.done()
}

// Dial connects to a JSON-RPC websocket endpoint. ctx bounds the handshake
// only; the connection lives until Close or a transport failure.
func Dial[T any](
	ctx context.Context,
	url string,
	header http.Header,
	handler jsonrpc.Handler[T],
	v *T,
	logger *log.Logger,
) (*ClientConn[T], error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if handler == nil {
		handler = jsonrpc.NewHandler[T](logger)
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	stream := newStream(wsConn, logger)
	conn := handler.NewConn(stream, v)
	if err := conn.Open(context.WithoutCancel(ctx)); err != nil {
		_ = wsConn.CloseNow()
		return nil, err
	}

	return &ClientConn[T]{
		Conn:   conn,
		stream: stream,
	}, nil
}
