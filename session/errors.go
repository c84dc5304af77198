package session

import "github.com/imtaco/peer-connect/internal/errors"

const (
	ErrJoinFailed   errors.Code = "join failed"
	ErrTokenFetch   errors.Code = "token fetch failed"
	ErrMediaConnect errors.Code = "media connect failed"
	ErrJoinCanceled errors.Code = "join canceled"
	ErrNotConnected errors.Code = "not connected"
	ErrBusy         errors.Code = "session busy"
)
