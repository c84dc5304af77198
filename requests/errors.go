package requests

import "github.com/imtaco/peer-connect/internal/errors"

const (
	ErrAlreadyActive   errors.Code = "already active"
	ErrRequestGone     errors.Code = "request gone"
	ErrRequestNotFound errors.Code = "request not found"
	ErrNotAuthorized   errors.Code = "not authorized"
	ErrInvalidRequest  errors.Code = "invalid request"
)
