package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/validation"
)

const (
	ErrEncode errors.Code = "jsonrpc_encode"
	ErrClosed errors.Code = "jsonrpc_closed"
)

// Reserved error codes, see https://www.jsonrpc.org/specification#error_object.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is the error object of a response.
type Error struct {
	Code    int64            `json:"code"`
	Message string           `json:"message"`
	Data    *json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewError(code int64, message string) *Error {
	return &Error{Code: code, Message: message}
}

func ErrInvalidParams(message string) *Error {
	return NewError(CodeInvalidParams, message)
}

func ErrMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method not found: "+method)
}

func ErrInternal(message string) *Error {
	return NewError(CodeInternalError, message)
}

// CodeOf reports the code of the *Error in err's chain.
func CodeOf(err error) (int64, bool) {
	rpcErr, ok := errors.As[*Error](err)
	if !ok {
		return 0, false
	}
	return rpcErr.Code, true
}

var validate = validation.New()

// ShouldBindParams decodes params into v and validates it. Every failure
// is reported as invalid params.
func ShouldBindParams(params *json.RawMessage, v any) error {
	if params == nil {
		return ErrInvalidParams("params required")
	}
	if err := json.Unmarshal(*params, v); err != nil {
		return ErrInvalidParams("invalid params")
	}
	if err := validate.Struct(v); err != nil {
		return ErrInvalidParams("invalid params")
	}
	return nil
}
