package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/jsonrpc"
	wsrpc "github.com/imtaco/peer-connect/internal/jsonrpc/websocket"
	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
)

func newWSHook(
	connMgr *ConnManager,
	jwtAuth jwt.Auth,
	subscriber relay.Subscriber,
	presence relay.Presence,
	opts Options,
	logger *log.Logger,
) wsrpc.ConnectionHooks[connContext] {
	return &wsHookImpl{
		connMgr:    connMgr,
		jwtAuth:    jwtAuth,
		subscriber: subscriber,
		presence:   presence,
		opts:       opts,
		logger:     logger,
	}
}

type wsHookImpl struct {
	connMgr    *ConnManager
	jwtAuth    jwt.Auth
	subscriber relay.Subscriber
	presence   relay.Presence
	opts       Options
	logger     *log.Logger
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func (h *wsHookImpl) OnVerify(r *http.Request) (*connContext, bool, error) {
	authAttempts.Add(r.Context(), 1)

	token := bearerToken(r)
	if token == "" {
		authFailures.Add(r.Context(), 1)
		return nil, false, nil
	}

	payload, err := h.jwtAuth.Verify(token)
	if err != nil {
		authFailures.Add(r.Context(), 1)
		if errors.Is(err, jwt.ErrInvalidToken) || errors.Is(err, jwt.ErrNoToken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if payload.Scope != jwt.ScopeUser {
		authFailures.Add(r.Context(), 1)
		return nil, false, nil
	}

	return &connContext{
		userID:  payload.UserID,
		reqCtx:  r.Context(),
		limiter: rate.NewLimiter(rate.Limit(h.opts.PublishRate), h.opts.PublishBurst),
	}, true, nil
}

func (h *wsHookImpl) OnConnect(mctx jsonrpc.MethodContext[connContext]) {
	cctx := mctx.Get()
	cctx.connID = uuid.New().String()

	sub, err := h.subscriber.Subscribe(cctx.reqCtx, cctx.userID)
	if err != nil {
		h.logger.Error("Failed to subscribe user channel",
			log.UserID(cctx.userID),
			log.Error(err))
		_ = mctx.Peer().Close()
		return
	}
	cctx.sub = sub

	h.connMgr.AddClient(cctx.connID, cctx.userID, mctx.Peer())
	if err := h.presence.Touch(cctx.reqCtx, cctx.userID); err != nil {
		h.logger.Warn("Failed to mark user online", log.Error(err))
	}

	wsConnectionsActive.Add(cctx.reqCtx, 1)
	wsConnectionsTotal.Add(cctx.reqCtx, 1)
	h.logger.Info("Client connected",
		log.String("connId", cctx.connID),
		log.UserID(cctx.userID))

	go h.forward(mctx.Peer(), cctx)
}

// forward pushes relay events to the client as notifications named after the
// event type. It ends when the subscription is closed.
func (h *wsHookImpl) forward(peer jsonrpc.Conn[connContext], cctx *connContext) {
	for ev := range cctx.sub.Events() {
		if err := peer.Notify(cctx.reqCtx, string(ev.Type), ev); err != nil {
			notificationsFailed.Add(cctx.reqCtx, 1)
			h.logger.Warn("Failed to notify client",
				log.String("connId", cctx.connID),
				log.String("type", string(ev.Type)),
				log.Error(err))
			continue
		}
		notificationsSent.Add(cctx.reqCtx, 1)
	}
}

func (h *wsHookImpl) OnDisconnect(mctx jsonrpc.MethodContext[connContext], status websocket.StatusCode) {
	cctx := mctx.Get()
	if cctx.sub == nil {
		// never fully connected
		return
	}

	if err := cctx.sub.Close(); err != nil {
		h.logger.Warn("Failed to close subscription", log.Error(err))
	}
	remaining := h.connMgr.RemoveClient(cctx.connID)
	if remaining == 0 {
		// the request context may already be canceled here
		if err := h.presence.Leave(context.WithoutCancel(cctx.reqCtx), cctx.userID); err != nil {
			h.logger.Warn("Failed to mark user offline", log.Error(err))
		}
	}

	wsConnectionsActive.Add(context.WithoutCancel(cctx.reqCtx), -1)
	wsDisconnectsTotal.Add(context.WithoutCancel(cctx.reqCtx), 1)
	h.logger.Info("Client disconnected",
		log.String("connId", cctx.connID),
		log.UserID(cctx.userID),
		log.Int("closeCode", int(status)))
}
