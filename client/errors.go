package client

import (
	"net/http"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/rooms"
)

const (
	// ErrSuperseded marks a result that arrived after its session was reset.
	ErrSuperseded errors.Code = "superseded"
	// ErrInFlight rejects a second create or accept while one is pending.
	ErrInFlight errors.Code = "in flight"

	ErrRateLimited errors.Code = "rate limited"
	ErrServer      errors.Code = "server error"
	ErrTransport   errors.Code = "transport error"
)

var statusCodes = map[int]errors.Code{
	http.StatusBadRequest:         requests.ErrInvalidRequest,
	http.StatusUnauthorized:       requests.ErrNotAuthorized,
	http.StatusForbidden:          requests.ErrNotAuthorized,
	http.StatusNotFound:           requests.ErrRequestNotFound,
	http.StatusConflict:           requests.ErrAlreadyActive,
	http.StatusGone:               requests.ErrRequestGone,
	http.StatusTooManyRequests:    ErrRateLimited,
	http.StatusServiceUnavailable: rooms.ErrInvalidRoom,
}

// codeForStatus maps an HTTP status back to the code the server raised.
func codeForStatus(status int) errors.Code {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrServer
}

// permanent reports whether repeating the call cannot change the answer.
func permanent(err error) bool {
	code, ok := errors.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case ErrServer, ErrTransport, ErrRateLimited, rooms.ErrInvalidRoom:
		return false
	}
	return true
}
