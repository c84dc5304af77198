package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

//go:generate mockgen -source=types.go -destination=mocks/jwt.go -package=mocks

type Scope string

const (
	// ScopeUser identifies a caller to the HTTP API and the relay gateway.
	ScopeUser Scope = "user"
	// ScopeRoom grants media access to a single room.
	ScopeRoom Scope = "room"
)

// Auth handles JWT authentication
type Auth interface {
	Sign(userID string) (string, error)
	SignRoom(userID, roomID string) (string, time.Time, error)
	Verify(tokenString string) (*Payload, error)
}

// Payload represents the JWT token payload
type Payload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
	Scope  Scope  `json:"scope"`
	jwt.RegisteredClaims
}
