package client

import (
	"context"
	"sync"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/requests"
)

// Matchmaking is the part of API a RequestSession drives.
type Matchmaking interface {
	CreateRequest(ctx context.Context, kind requests.Kind, note string) (*Request, error)
	Accept(ctx context.Context, requestID string) (*requests.RoomHandle, error)
	Cancel(ctx context.Context, requestID string) error
	Current(ctx context.Context) (*Request, error)
}

// RequestSession is the per-user view of one's own request and match.
// Reset drops it and any result still in flight for it.
type RequestSession struct {
	api    Matchmaking
	logger *log.Logger

	mu        sync.Mutex
	gen       uint64
	creating  bool
	accepting bool
	current   *Request
	room      *requests.RoomHandle
}

func NewRequestSession(api Matchmaking, logger *log.Logger) *RequestSession {
	return &RequestSession{
		api:    api,
		logger: logger,
	}
}

// Current is the caller's own request, nil when there is none.
func (s *RequestSession) Current() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Room is the matched room, from an accept or from a refreshed own request.
func (s *RequestSession) Room() *requests.RoomHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *RequestSession) Create(ctx context.Context, kind requests.Kind, note string) (*Request, error) {
	s.mu.Lock()
	if s.creating {
		s.mu.Unlock()
		return nil, errors.New(ErrInFlight, "create already in flight")
	}
	s.creating = true
	gen := s.gen
	s.mu.Unlock()

	req, err := s.api.CreateRequest(ctx, kind, note)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		s.logger.Debug("Discarding stale create result", log.Error(err))
		return nil, errors.New(ErrSuperseded, "session reset during create")
	}
	s.creating = false
	if err != nil {
		return nil, err
	}
	s.current = req
	s.room = nil
	return req, nil
}

func (s *RequestSession) Accept(ctx context.Context, requestID string) (*requests.RoomHandle, error) {
	s.mu.Lock()
	if s.accepting {
		s.mu.Unlock()
		return nil, errors.New(ErrInFlight, "accept already in flight")
	}
	s.accepting = true
	gen := s.gen
	s.mu.Unlock()

	handle, err := s.api.Accept(ctx, requestID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		s.logger.Debug("Discarding stale accept result",
			log.RequestID(requestID),
			log.Error(err))
		return nil, errors.New(ErrSuperseded, "session reset during accept")
	}
	s.accepting = false
	if err != nil {
		return nil, err
	}
	s.room = handle
	return handle, nil
}

// Cancel withdraws the caller's own available request. It is not retried.
func (s *RequestSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	current, gen := s.current, s.gen
	s.mu.Unlock()
	if current == nil {
		return nil
	}

	if err := s.api.Cancel(ctx, current.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.current == current {
		s.current = nil
	}
	return nil
}

// Refresh reloads the caller's own request. Once it is matched the room
// becomes available through Room.
func (s *RequestSession) Refresh(ctx context.Context) (*Request, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	req, err := s.api.Current(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, errors.New(ErrSuperseded, "session reset during refresh")
	}
	s.current = req
	if req != nil && req.Status == requests.StatusMatched && req.RoomID != "" {
		s.room = &requests.RoomHandle{
			RequestID:   req.ID,
			Kind:        req.Kind,
			RoomID:      req.RoomID,
			RequesterID: req.RequesterID,
			AcceptorID:  req.AcceptorID,
		}
	}
	return req, nil
}

// Reset forgets the session. Results of calls still in flight are discarded.
func (s *RequestSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.creating = false
	s.accepting = false
	s.current = nil
	s.room = nil
}
