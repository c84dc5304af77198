package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/imtaco/peer-connect/internal/errors"
)

const version = "2.0"

type kind int

const (
	kindInvalid kind = iota
	kindRequest
	kindNotification
	kindResponse
)

// Request is an incoming call or notification. ID is nil for notifications.
type Request struct {
	ID     *ID
	Method string
	Params *json.RawMessage
}

// envelope is the wire shape shared by every message.
type envelope struct {
	JSONRPC string           `json:"jsonrpc,omitempty"`
	ID      *ID              `json:"id,omitempty"`
	Method  *string          `json:"method,omitempty"`
	Params  *json.RawMessage `json:"params,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

func (e *envelope) kind() kind {
	replied := e.Result != nil || e.Error != nil
	switch {
	case e.Method != nil && !replied && e.ID.IsSet():
		return kindRequest
	case e.Method != nil && !replied:
		return kindNotification
	case e.Method == nil && replied && e.ID.IsSet():
		return kindResponse
	default:
		return kindInvalid
	}
}

func (e *envelope) request() *Request {
	return &Request{ID: e.ID, Method: *e.Method, Params: e.Params}
}

func rawJSON(v any) (*json.RawMessage, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(ErrEncode, err, "marshal payload")
	}
	raw := json.RawMessage(bs)
	return &raw, nil
}

func newCall(method string, params any) (*envelope, error) {
	env, err := newNotification(method, params)
	if err != nil {
		return nil, err
	}
	env.ID = NewID()
	return env, nil
}

func newNotification(method string, params any) (*envelope, error) {
	raw, err := rawJSON(params)
	if err != nil {
		return nil, err
	}
	return &envelope{JSONRPC: version, Method: &method, Params: raw}, nil
}

func newResult(id ID, result any) (*envelope, error) {
	raw, err := rawJSON(result)
	if err != nil {
		return nil, err
	}
	return &envelope{JSONRPC: version, ID: &id, Result: raw}, nil
}

func newFailure(id ID, rpcErr *Error) *envelope {
	return &envelope{JSONRPC: version, ID: &id, Error: rpcErr}
}

// ID identifies a call. Ours are uuid strings; numeric ids from the other
// side keep their literal text so replies echo them unchanged.
type ID struct {
	text    string
	numeric bool
}

func NewID() *ID {
	return &ID{text: uuid.NewString()}
}

func (id *ID) IsSet() bool {
	return id != nil && id.text != ""
}

func (id *ID) String() string {
	if id.numeric {
		return id.text
	}
	return strconv.Quote(id.text)
}

func (id *ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.text), nil
	}
	return json.Marshal(id.text)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{text: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID{text: n.String(), numeric: true}
	return nil
}
