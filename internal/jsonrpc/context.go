package jsonrpc

import "sync/atomic"

// MethodContext carries per-connection state across method calls.
type MethodContext[T any] interface {
	Get() *T
	Set(value *T)
	Peer() Conn[T]
}

type methodContext[T any] struct {
	peer  Conn[T]
	state atomic.Pointer[T]
}

func newMethodContext[T any](peer Conn[T], v *T) *methodContext[T] {
	m := &methodContext[T]{peer: peer}
	m.state.Store(v)
	return m
}

func (m *methodContext[T]) Get() *T {
	return m.state.Load()
}

func (m *methodContext[T]) Set(value *T) {
	m.state.Store(value)
}

func (m *methodContext[T]) Peer() Conn[T] {
	return m.peer
}
