package rooms

import "github.com/imtaco/peer-connect/internal/errors"

const (
	ErrInvalidRoom errors.Code = "invalid room"
)
