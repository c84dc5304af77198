package transport

import (
	"time"

	"github.com/imtaco/peer-connect/requests"
)

// CreateRequestBody is the body of POST /api/requests
type CreateRequestBody struct {
	// Kind: one_on_one or group
	Kind string `json:"kind" binding:"required,requestkind"`
	// Context: optional note shown to peers, at most 280 characters
	Context string `json:"context" binding:"max=280"`
}

// InviteBody is the body of POST /api/invitations
type InviteBody struct {
	CalleeID string `json:"calleeId" binding:"required,userid"`
	Kind     string `json:"kind" binding:"required,requestkind"`
	Context  string `json:"context" binding:"max=280"`
}

type RequestURI struct {
	ID string `uri:"id" binding:"required,requestid"`
}

type RoomURI struct {
	RoomID string `uri:"roomId" binding:"required,roomid"`
}

type ListQuery struct {
	Kind string `form:"kind" binding:"omitempty,requestkind"`
}

// RequestView is a request as seen by a client at a given instant.
type RequestView struct {
	*requests.ConnectRequest
	Expired          bool  `json:"expired"`
	RemainingSeconds int64 `json:"remainingSeconds"`
}

func newRequestView(req *requests.ConnectRequest, now time.Time) *RequestView {
	return &RequestView{
		ConnectRequest:   req,
		Expired:          requests.IsExpired(req, now),
		RemainingSeconds: int64(requests.Remaining(req, now) / time.Second),
	}
}

type TokenResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
