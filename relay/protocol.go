package relay

import (
	"encoding/json"
	"time"
)

// JSON-RPC methods served by the gateway. Events flow the other way as
// notifications named after their EventType, with an Event as params.
const (
	MethodPublish   = "publish"
	MethodKeepalive = "keepalive"
)

const (
	CodeRateLimited      = -32029
	CodeRelayUnavailable = -32050
)

type PublishParams struct {
	Target  string          `json:"target" validate:"required,userid"`
	Type    string          `json:"type" validate:"required,clientevent"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PublishResult struct {
	SentAt time.Time `json:"sentAt"`
}

type KeepaliveResult struct {
	UserID     string    `json:"userId"`
	ServerTime time.Time `json:"serverTime"`
}
