package session

import (
	"context"
	"time"

	"github.com/imtaco/peer-connect/relay"
)

//go:generate mockgen -source=types.go -destination=mocks/session.go -package=mocks

type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// inCall reports whether the state holds media resources.
func (s ConnectionState) inCall() bool {
	return s == StateConnected || s == StateReconnecting
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type MediaEventKind string

const (
	ParticipantConnected    MediaEventKind = "participantConnected"
	ParticipantDisconnected MediaEventKind = "participantDisconnected"
	TrackSubscribed         MediaEventKind = "trackSubscribed"
	TrackUnsubscribed       MediaEventKind = "trackUnsubscribed"
	ConnectionStateChanged  MediaEventKind = "connectionStateChanged"
)

// MediaEvent is emitted by the media service. Identity is set for
// participant and track events, Track for track events and State for
// connection state changes.
type MediaEvent struct {
	Kind     MediaEventKind
	Identity string
	Track    RemoteTrack
	State    ConnectionState
}

type RemoteTrack interface {
	SID() string
	Kind() TrackKind
}

type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(enabled bool) error
	Stop()
}

// MediaService is the adapter over the audio/video SDK. Events returns the
// same channel for the lifetime of the service. Disconnect must tolerate
// being called when not connected.
type MediaService interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect() error
	PublishTrack(ctx context.Context, kind TrackKind) (LocalTrack, error)
	Events() <-chan MediaEvent
}

// Sink renders one remote track.
type Sink interface {
	Release()
}

type SinkFactory interface {
	Attach(identity string, track RemoteTrack) (Sink, error)
}

// Token grants access to one media room.
type Token struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type TokenSource interface {
	RoomToken(ctx context.Context, roomID string) (*Token, error)
}

// Signaler sends relay events to another user.
type Signaler interface {
	Publish(ctx context.Context, targetUserID string, eventType relay.EventType, payload any) error
}

// RequestCloser marks the request behind a call completed.
type RequestCloser interface {
	Complete(ctx context.Context, requestID string) error
}

// Call identifies the room to join and the request and peer behind it.
type Call struct {
	RoomID    string
	RequestID string
	Identity  string
	PeerID    string
}

type RemoteParticipant struct {
	Identity string      `json:"identity"`
	Tracks   []TrackKind `json:"tracks"`
}
