package relay

import "github.com/imtaco/peer-connect/internal/errors"

const (
	ErrRelayUnavailable errors.Code = "relay unavailable"
	ErrInvalidEvent     errors.Code = "invalid event"
)
