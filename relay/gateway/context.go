package gateway

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/imtaco/peer-connect/relay"
)

// connContext is the per-connection state shared by all methods of one
// websocket.
type connContext struct {
	userID  string
	connID  string
	reqCtx  context.Context
	limiter *rate.Limiter
	sub     relay.Subscription
}
