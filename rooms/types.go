package rooms

import (
	"context"
	"time"
)

//go:generate mockgen -source=types.go -destination=mocks/rooms.go -package=mocks

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleParticipant
}

// Participant links a user to a room. Records are written once and never
// mutated or removed.
type Participant struct {
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Provisioner allocates room identifiers and records who may join them.
type Provisioner interface {
	NewRoomID() string
	// RegisterParticipant is an idempotent upsert keyed by (roomID, userID).
	RegisterParticipant(ctx context.Context, roomID, userID string, role Role) error
	Participants(ctx context.Context, roomID string) ([]Participant, error)
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}
