package websocket

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/imtaco/peer-connect/internal/jsonrpc"
)

// ConnectionHooks customizes the lifecycle of accepted connections.
type ConnectionHooks[T any] interface {
	// OnVerify runs before the upgrade and returns the initial connection
	// state. ok=false rejects the request with 401.
	OnVerify(r *http.Request) (state *T, ok bool, err error)

	// OnConnect runs once the websocket is up, before any message is read.
	OnConnect(mctx jsonrpc.MethodContext[T])

	// OnDisconnect runs after the connection is gone.
	OnDisconnect(mctx jsonrpc.MethodContext[T], status websocket.StatusCode)
}

type rejectAll[T any] struct{}

func (rejectAll[T]) OnVerify(*http.Request) (*T, bool, error) { return nil, false, nil }

func (rejectAll[T]) OnConnect(jsonrpc.MethodContext[T]) {}

func (rejectAll[T]) OnDisconnect(jsonrpc.MethodContext[T], websocket.StatusCode) {}
