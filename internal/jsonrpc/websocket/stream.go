package websocket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
)

const ErrBufferFull errors.Code = "buffer_full"

const (
	pingInterval = 10 * time.Second
	pingTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	outboxSize   = 16
)

// wsStream is a jsonrpc.ObjectStream over one websocket. Writes are queued
// and flushed by a single pump that also keeps the connection pinged; a
// full queue means the peer is too slow and the connection is dropped.
type wsStream struct {
	conn   *websocket.Conn
	outbox chan any
	logger *log.Logger

	once    sync.Once
	closed  chan struct{}
	mu      sync.Mutex
	code    websocket.StatusCode
}

func newStream(conn *websocket.Conn, logger *log.Logger) *wsStream {
	return &wsStream{
		conn:   conn,
		outbox: make(chan any, outboxSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (ws *wsStream) Open(ctx context.Context) error {
	select {
	case <-ws.closed:
		return net.ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ws.closed
		cancel()
	}()
	go func() {
		ws.close(ws.pump(ctx))
	}()
	return nil
}

func (ws *wsStream) Read(ctx context.Context, v any) error {
	if err := wsjson.Read(ctx, ws.conn, v); err != nil {
		ws.close(err)
		return err
	}
	return nil
}

// Write only fails when the connection is closed or the outbox is full.
func (ws *wsStream) Write(ctx context.Context, obj any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ws.closed:
		return net.ErrClosed
	case ws.outbox <- obj:
		return nil
	default:
		ws.close(ErrBufferFull)
		return errors.New(ErrBufferFull, "websocket outbox full")
	}
}

func (ws *wsStream) Close() error {
	ws.close(nil)
	return nil
}

func (ws *wsStream) done() <-chan struct{} {
	return ws.closed
}

// status is the close code seen by this side once done is closed.
func (ws *wsStream) status() websocket.StatusCode {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.code
}

func (ws *wsStream) close(cause error) {
	ws.once.Do(func() {
		code, sendClose := closeCode(cause)
		switch {
		case cause == nil:
			ws.logger.Debug("WebSocket closed")
		case code == websocket.StatusAbnormalClosure || code == websocket.StatusNormalClosure:
			ws.logger.Debug("WebSocket gone", log.Any("code", code), log.Error(cause))
		default:
			ws.logger.Warn("WebSocket closed on error", log.Any("code", code), log.Error(cause))
		}

		if sendClose {
			_ = ws.conn.Close(code, "bye")
		} else {
			_ = ws.conn.CloseNow()
		}

		ws.mu.Lock()
		ws.code = code
		ws.mu.Unlock()
		close(ws.closed)
	})
}

// closeCode maps why the stream ended to a close status, and whether a
// close frame should still be sent.
func closeCode(cause error) (websocket.StatusCode, bool) {
	if cause == nil {
		return websocket.StatusNormalClosure, true
	}
	if code := websocket.CloseStatus(cause); code != -1 {
		return code, false
	}
	switch {
	case errors.Is(cause, net.ErrClosed), errors.Is(cause, context.Canceled):
		return websocket.StatusAbnormalClosure, false
	case errors.Is(cause, ErrBufferFull):
		return websocket.StatusPolicyViolation, true
	default:
		return websocket.StatusInternalError, true
	}
}

func (ws *wsStream) pump(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case obj := <-ws.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, ws.conn, obj)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
