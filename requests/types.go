package requests

import (
	"context"
	"iter"
	"slices"
	"time"
)

//go:generate mockgen -source=types.go -destination=mocks/requests.go -package=mocks

type Kind string
type Status string

const (
	KindOneOnOne Kind = "one_on_one"
	KindGroup    Kind = "group"
)

const (
	StatusAvailable Status = "available"
	StatusMatched   Status = "matched"
	StatusCompleted Status = "completed"
)

const (
	MaxContextLen = 280
)

// Kinds lists every request kind, in a stable order.
var Kinds = []Kind{KindOneOnOne, KindGroup}

func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusMatched, StatusCompleted:
		return true
	}
	return false
}

// ConnectRequest is a time-boxed offer to be matched with a support partner.
// RoomID and AcceptorID are either both empty or both set.
type ConnectRequest struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	RequesterID string    `json:"requesterId"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RoomID      string    `json:"roomId,omitempty"`
	AcceptorID  string    `json:"acceptorId,omitempty"`
	Context     string    `json:"context,omitempty"`
}

// IsParty reports whether userID is the requester or the acceptor.
func (r *ConnectRequest) IsParty(userID string) bool {
	if r == nil || userID == "" {
		return false
	}
	return r.RequesterID == userID || r.AcceptorID == userID
}

// Counterpart returns the other party of a matched request.
func (r *ConnectRequest) Counterpart(userID string) string {
	switch userID {
	case r.RequesterID:
		return r.AcceptorID
	case r.AcceptorID:
		return r.RequesterID
	}
	return ""
}

// RoomHandle is returned to the winning acceptor.
type RoomHandle struct {
	RequestID   string `json:"requestId"`
	Kind        Kind   `json:"kind"`
	RoomID      string `json:"roomId"`
	RequesterID string `json:"requesterId"`
	AcceptorID  string `json:"acceptorId"`
}

// Query filters rows for RequestStore.Select. Zero values mean "no filter".
type Query struct {
	Kinds              []Kind
	Statuses           []Status
	RequesterID        string
	ExcludeRequesterID string
	ExpiresAfter       time.Time // expiresAt > ExpiresAfter
	ExpiresBefore      time.Time // expiresAt <= ExpiresBefore
	CreatedBefore      time.Time
	Limit              int
}

func (q *Query) Match(r *ConnectRequest) bool {
	if r == nil {
		return false
	}
	if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, r.Kind) {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, r.Status) {
		return false
	}
	if q.RequesterID != "" && r.RequesterID != q.RequesterID {
		return false
	}
	if q.ExcludeRequesterID != "" && r.RequesterID == q.ExcludeRequesterID {
		return false
	}
	if !q.ExpiresAfter.IsZero() && !r.ExpiresAt.After(q.ExpiresAfter) {
		return false
	}
	if !q.ExpiresBefore.IsZero() && r.ExpiresAt.After(q.ExpiresBefore) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !r.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	return true
}

// Condition guards a ConditionalUpdate. Status is mandatory, the rest are optional.
type Condition struct {
	Status      Status
	RequesterID string
	// PartyID must be the requester or the acceptor.
	PartyID string
	// LiveAt requires LiveAt < expiresAt.
	LiveAt time.Time
	// ExpiredAt requires ExpiredAt >= expiresAt.
	ExpiredAt time.Time
}

type Mutation struct {
	Status     Status
	RoomID     string
	AcceptorID string
}

// RequestStore is the record store for both request kinds.
// ConditionalUpdate must be a single atomic write on the backend.
type RequestStore interface {
	Insert(ctx context.Context, req *ConnectRequest) error
	Get(ctx context.Context, id string) (*ConnectRequest, error)
	Select(ctx context.Context, q Query) ([]*ConnectRequest, error)
	ConditionalUpdate(ctx context.Context, id string, cond Condition, mut Mutation) (bool, error)
	Delete(ctx context.Context, id string) error
}

// Matchmaker turns intents into requests and resolves accept races.
type Matchmaker interface {
	CreateRequest(ctx context.Context, userID string, kind Kind, note string) (*ConnectRequest, error)
	Invite(ctx context.Context, callerID, calleeID string, kind Kind, note string) (*ConnectRequest, error)
	ListAvailable(ctx context.Context, excludingUserID string, kinds ...Kind) iter.Seq2[*ConnectRequest, error]
	Accept(ctx context.Context, requestID, acceptorID string) (*RoomHandle, error)
	Cancel(ctx context.Context, requestID, callerID string) error
	Complete(ctx context.Context, requestID, callerID string) error
	Decline(ctx context.Context, requestID, calleeID string) error
	Get(ctx context.Context, requestID, callerID string) (*ConnectRequest, error)
	Current(ctx context.Context, userID string) (*ConnectRequest, error)
}

// ExpiryScheduler arranges for a request to be expired at its deadline.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, req *ConnectRequest) error
}

// CandidateSource yields users that may be notified about a new request.
type CandidateSource interface {
	Candidates(ctx context.Context, exclude string, limit int) ([]string, error)
}
