package session_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/imtaco/peer-connect/session"
)

type fakeTrack struct {
	mu      sync.Mutex
	kind    session.TrackKind
	enabled bool
	stopped int
}

func (t *fakeTrack) Kind() session.TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	return nil
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

func (t *fakeTrack) isEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeMedia stands in for the media SDK. When gate is set, Connect blocks
// on it and ignores cancellation so a late result can be simulated.
type fakeMedia struct {
	mu          sync.Mutex
	connectErr  error
	publishErr  map[session.TrackKind]error
	gate        chan struct{}
	connecting  chan struct{}
	connects    int
	disconnects int
	tokens      []string
	published   []*fakeTrack
	events      chan session.MediaEvent
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		publishErr: make(map[session.TrackKind]error),
		connecting: make(chan struct{}, 1),
		events:     make(chan session.MediaEvent, 32),
	}
}

func (m *fakeMedia) Connect(_ context.Context, url, token string) error {
	m.mu.Lock()
	m.connects++
	m.tokens = append(m.tokens, url+"|"+token)
	gate, err := m.gate, m.connectErr
	m.mu.Unlock()

	select {
	case m.connecting <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (m *fakeMedia) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *fakeMedia) PublishTrack(_ context.Context, kind session.TrackKind) (session.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.publishErr[kind]; err != nil {
		return nil, err
	}
	t := &fakeTrack{kind: kind, enabled: true}
	m.published = append(m.published, t)
	return t, nil
}

func (m *fakeMedia) Events() <-chan session.MediaEvent {
	return m.events
}

func (m *fakeMedia) emit(ev session.MediaEvent) {
	m.events <- ev
}

func (m *fakeMedia) tracks(kind session.TrackKind) []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*fakeTrack
	for _, t := range m.published {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (m *fakeMedia) counts() (connects, disconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects
}

type fakeRemoteTrack struct {
	sid  string
	kind session.TrackKind
}

func (t fakeRemoteTrack) SID() string             { return t.sid }
func (t fakeRemoteTrack) Kind() session.TrackKind { return t.kind }

type fakeSink struct {
	mu       sync.Mutex
	identity string
	sid      string
	released bool
}

func (s *fakeSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic(fmt.Sprintf("sink %s/%s released twice", s.identity, s.sid))
	}
	s.released = true
}

func (s *fakeSink) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeSinks struct {
	mu    sync.Mutex
	sinks []*fakeSink
}

func (f *fakeSinks) Attach(identity string, track session.RemoteTrack) (session.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSink{identity: identity, sid: track.SID()}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *fakeSinks) all() []*fakeSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSink(nil), f.sinks...)
}

func (f *fakeSinks) attached() int {
	n := 0
	for _, s := range f.all() {
		if !s.isReleased() {
			n++
		}
	}
	return n
}
