package client

import (
	"context"

	"github.com/imtaco/peer-connect/relay"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/session"
)

// CallFor describes the call behind handle from userID's side.
func CallFor(handle *requests.RoomHandle, userID string) session.Call {
	peer := handle.AcceptorID
	if userID == handle.AcceptorID {
		peer = handle.RequesterID
	}
	return session.Call{
		RoomID:    handle.RoomID,
		RequestID: handle.RequestID,
		Identity:  userID,
		PeerID:    peer,
	}
}

// BindCallEnded hands call_ended events from the gateway to the controller.
// Teardown disconnects media, so each event is handled off the read loop.
func BindCallEnded(ctx context.Context, sig *Signal, c *session.Controller) (unsubscribe func()) {
	return sig.Subscribe(relay.EventCallEnded, func(ev relay.Event) {
		go c.HandleSignal(ctx, ev)
	})
}
