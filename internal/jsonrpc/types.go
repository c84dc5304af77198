package jsonrpc

import (
	"context"
	"encoding/json"
	"io"
)

// ObjectStream moves whole JSON-RPC messages over some transport.
type ObjectStream interface {
	Open(ctx context.Context) error
	Read(ctx context.Context, v any) error
	Write(ctx context.Context, obj any) error
	io.Closer
}

// MethodHandler serves one method. Returning an *Error sends it to the
// caller as is; any other error is reported as an internal error.
type MethodHandler[T any] func(mctx MethodContext[T], params *json.RawMessage) (any, error)

// Handler holds the method table shared by every connection it creates.
type Handler[T any] interface {
	Def(method string, handler MethodHandler[T])
	NewConn(stream ObjectStream, v *T) Conn[T]
}

// Conn is one side of a JSON-RPC session. Both ends may call and notify.
type Conn[T any] interface {
	Open(ctx context.Context) error
	Call(ctx context.Context, method string, params, result any) error
	Notify(ctx context.Context, method string, params any) error
	Context() MethodContext[T]
	io.Closer
}
