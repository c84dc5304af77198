package jsonrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
)

type dispatchFunc[T any] func(ctx context.Context, c *conn[T], req *Request)

type conn[T any] struct {
	stream   ObjectStream
	mctx     *methodContext[T]
	dispatch dispatchFunc[T]
	logger   *log.Logger

	// serializes stream writes
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	waiters map[ID]chan *envelope
}

func newConn[T any](stream ObjectStream, v *T, dispatch dispatchFunc[T], logger *log.Logger) *conn[T] {
	c := &conn[T]{
		stream:   stream,
		dispatch: dispatch,
		logger:   logger,
		waiters:  make(map[ID]chan *envelope),
	}
	c.mctx = newMethodContext[T](c, v)
	return c
}

func (c *conn[T]) Open(ctx context.Context) error {
	if err := c.stream.Open(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *conn[T]) Close() error {
	return c.shutdown(nil)
}

func (c *conn[T]) Context() MethodContext[T] {
	return c.mctx
}

func (c *conn[T]) Call(ctx context.Context, method string, params, result any) error {
	env, err := newCall(method, params)
	if err != nil {
		return err
	}
	ch, err := c.await(*env.ID)
	if err != nil {
		return err
	}
	if err := c.write(ctx, env); err != nil {
		c.forget(*env.ID)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(*env.ID)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return errors.New(ErrClosed, "connection closed while waiting for reply")
		}
		if resp.Error != nil {
			return resp.Error
		}
		if resp.Result == nil || result == nil {
			return nil
		}
		return json.Unmarshal(*resp.Result, result)
	}
}

func (c *conn[T]) Notify(ctx context.Context, method string, params any) error {
	env, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

func (c *conn[T]) reply(ctx context.Context, id ID, result any) error {
	env, err := newResult(id, result)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

func (c *conn[T]) replyError(ctx context.Context, id ID, rpcErr *Error) error {
	return c.write(ctx, newFailure(id, rpcErr))
}

func (c *conn[T]) write(ctx context.Context, env *envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return errors.New(ErrClosed, "connection closed")
	}
	return c.stream.Write(ctx, env)
}

func (c *conn[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn[T]) await(id ID) (chan *envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New(ErrClosed, "connection closed")
	}
	ch := make(chan *envelope, 1)
	c.waiters[id] = ch
	return ch, nil
}

func (c *conn[T]) forget(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
}

func (c *conn[T]) deliver(resp *envelope) {
	c.mu.Lock()
	ch, ok := c.waiters[*resp.ID]
	delete(c.waiters, *resp.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("drop reply without a waiting call", log.String("id", resp.ID.String()))
		return
	}
	ch <- resp
}

func (c *conn[T]) shutdown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(ErrClosed, "connection already closed")
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, io.ErrUnexpectedEOF) {
		c.logger.Warn("jsonrpc connection failed", log.Error(cause))
	}
	return c.stream.Close()
}

func (c *conn[T]) readLoop(ctx context.Context) {
	for {
		var env envelope
		if err := c.stream.Read(ctx, &env); err != nil {
			_ = c.shutdown(err)
			return
		}

		switch env.kind() {
		case kindRequest, kindNotification:
			c.dispatch(ctx, c, env.request())
		case kindResponse:
			c.deliver(&env)
		default:
			c.logger.Warn("drop malformed jsonrpc message")
		}
	}
}

type handler[T any] struct {
	methods map[string]MethodHandler[T]
	logger  *log.Logger
}

// NewHandler returns an empty method table. Methods must be defined before
// the first connection opens.
func NewHandler[T any](logger *log.Logger) Handler[T] {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &handler[T]{
		methods: make(map[string]MethodHandler[T]),
		logger:  logger,
	}
}

func (h *handler[T]) Def(method string, fn MethodHandler[T]) {
	if _, ok := h.methods[method]; ok {
		panic("method already defined: " + method)
	}
	h.methods[method] = fn
}

func (h *handler[T]) NewConn(stream ObjectStream, v *T) Conn[T] {
	return newConn(stream, v, h.serve, h.logger)
}

func (h *handler[T]) serve(ctx context.Context, c *conn[T], req *Request) {
	fn, ok := h.methods[req.Method]
	if !ok {
		h.logger.Warn("unknown jsonrpc method", log.String("method", req.Method))
		h.respond(ctx, c, req, nil, ErrMethodNotFound(req.Method))
		return
	}
	result, err := fn(c.mctx, req.Params)
	h.respond(ctx, c, req, result, err)
}

func (h *handler[T]) respond(ctx context.Context, c *conn[T], req *Request, result any, err error) {
	if err != nil {
		h.logger.Info("jsonrpc method failed", log.String("method", req.Method), log.Error(err))
	}
	if req.ID == nil {
		return
	}

	var sendErr error
	switch rpcErr, ok := errors.As[*Error](err); {
	case err == nil:
		sendErr = c.reply(ctx, *req.ID, result)
	case ok:
		sendErr = c.replyError(ctx, *req.ID, rpcErr)
	default:
		// internal details stay on this side
		sendErr = c.replyError(ctx, *req.ID, ErrInternal("internal error"))
	}
	if sendErr != nil {
		h.logger.Warn("jsonrpc reply failed", log.String("method", req.Method), log.Error(sendErr))
	}
}
