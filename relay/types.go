package relay

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

//go:generate mockgen -source=types.go -destination=mocks/relay.go -package=mocks

type EventType string

const (
	// EventTalkRequest tells a requester that their request was accepted.
	EventTalkRequest EventType = "talk_request"
	// EventCallInvitation offers a request to a candidate peer.
	EventCallInvitation EventType = "call_invitation"
	EventCallDeclined   EventType = "call_declined"
	// EventCallEnded tells the other party to tear down the call.
	EventCallEnded EventType = "call_ended"
)

var EventTypes = []EventType{
	EventTalkRequest,
	EventCallInvitation,
	EventCallDeclined,
	EventCallEnded,
}

func (t EventType) Valid() bool {
	return slices.Contains(EventTypes, t)
}

// Event is delivered at most once. Nothing is stored for offline users.
type Event struct {
	Type    EventType       `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// TalkRequest is the payload of EventTalkRequest.
type TalkRequest struct {
	RequestID string `json:"requestId"`
	RoomID    string `json:"roomId"`
	Kind      string `json:"kind"`
}

// CallInvitation is the payload of EventCallInvitation.
type CallInvitation struct {
	RequestID string    `json:"requestId"`
	Kind      string    `json:"kind"`
	Context   string    `json:"context,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	Direct    bool      `json:"direct,omitempty"`
}

// CallSignal is the payload of EventCallDeclined and EventCallEnded.
type CallSignal struct {
	RequestID string `json:"requestId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// Publisher delivers an event to every live connection of a user.
type Publisher interface {
	Publish(ctx context.Context, targetUserID string, eventType EventType, from string, payload any) error
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Presence tracks which users hold a live gateway connection.
type Presence interface {
	Touch(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
	// Candidates lists recently seen users, newest first.
	Candidates(ctx context.Context, exclude string, limit int) ([]string, error)
	// Prune drops users that stopped refreshing.
	Prune(ctx context.Context) error
}
