package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/validation"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/rooms"
)

type Options struct {
	// MediaURL is returned with every room token.
	MediaURL       string
	AllowedOrigins []string
	// per user, mutating routes only
	RatePerSecond float64
	RateBurst     int
	// LimiterSize bounds the number of tracked users.
	LimiterSize int
}

func (o *Options) applyDefaults() {
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 5
	}
	if o.LimiterSize <= 0 {
		o.LimiterSize = 10000
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
}

type Router struct {
	matchmaker  requests.Matchmaker
	provisioner rooms.Provisioner
	jwtAuth     jwt.Auth
	opts        Options
	limiter     *userLimiter
	clock       clockwork.Clock
	engine      *gin.Engine
	logger      *log.Logger
}

func NewRouter(
	matchmaker requests.Matchmaker,
	provisioner rooms.Provisioner,
	jwtAuth jwt.Auth,
	opts Options,
	logger *log.Logger,
) (*Router, error) {
	opts.applyDefaults()

	limiter, err := newUserLimiter(opts.RatePerSecond, opts.RateBurst, opts.LimiterSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: opts.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	engine.Use(otelgin.Middleware("requests-service"))

	r := &Router{
		matchmaker:  matchmaker,
		provisioner: provisioner,
		jwtAuth:     jwtAuth,
		opts:        opts,
		limiter:     limiter,
		clock:       clockwork.NewRealClock(),
		engine:      engine,
		logger:      logger,
	}

	r.setupRoutes()
	return r, nil
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) setupRoutes() {
	api := r.engine.Group("/api", r.authRequired)

	api.GET("/requests", r.listRequests)
	api.GET("/requests/current", r.currentRequest)
	api.GET("/requests/:id", r.getRequest)

	mutating := api.Group("", r.rateLimited)
	mutating.POST("/requests", r.createRequest)
	mutating.POST("/requests/:id/accept", r.acceptRequest)
	mutating.POST("/requests/:id/cancel", r.requestAction("cancel request", r.matchmaker.Cancel))
	mutating.POST("/requests/:id/complete", r.requestAction("complete request", r.matchmaker.Complete))
	mutating.POST("/requests/:id/decline", r.requestAction("decline request", r.matchmaker.Decline))
	mutating.POST("/invitations", r.invite)
	mutating.POST("/rooms/:roomId/token", r.issueRoomToken)

	r.engine.GET("/health", r.healthCheck)
}

func validationFailed(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"code":    string(requests.ErrInvalidRequest),
		"error":   "Validation failed",
		"details": validation.FormatValidationError(err),
	})
}

func (r *Router) createRequest(c *gin.Context) {
	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		validationFailed(c, err)
		return
	}

	req, err := r.matchmaker.CreateRequest(c.Request.Context(), userID(c), requests.Kind(body.Kind), body.Context)
	if err != nil {
		r.respondError(c, "create request", err)
		return
	}

	c.JSON(http.StatusCreated, newRequestView(req, r.clock.Now()))
}

func (r *Router) invite(c *gin.Context) {
	var body InviteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		validationFailed(c, err)
		return
	}

	req, err := r.matchmaker.Invite(c.Request.Context(), userID(c), body.CalleeID, requests.Kind(body.Kind), body.Context)
	if err != nil {
		r.respondError(c, "send invitation", err)
		return
	}

	c.JSON(http.StatusCreated, newRequestView(req, r.clock.Now()))
}

func (r *Router) listRequests(c *gin.Context) {
	var query ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		validationFailed(c, err)
		return
	}

	var kinds []requests.Kind
	if query.Kind != "" {
		kinds = append(kinds, requests.Kind(query.Kind))
	}

	now := r.clock.Now()
	views := []*RequestView{}
	for req, err := range r.matchmaker.ListAvailable(c.Request.Context(), userID(c), kinds...) {
		if err != nil {
			r.respondError(c, "list requests", err)
			return
		}
		views = append(views, newRequestView(req, now))
	}

	c.JSON(http.StatusOK, gin.H{"requests": views})
}

func (r *Router) currentRequest(c *gin.Context) {
	req, err := r.matchmaker.Current(c.Request.Context(), userID(c))
	if err != nil {
		r.respondError(c, "get current request", err)
		return
	}
	c.JSON(http.StatusOK, newRequestView(req, r.clock.Now()))
}

func (r *Router) getRequest(c *gin.Context) {
	var uri RequestURI
	if err := c.ShouldBindUri(&uri); err != nil {
		validationFailed(c, err)
		return
	}

	req, err := r.matchmaker.Get(c.Request.Context(), uri.ID, userID(c))
	if err != nil {
		r.respondError(c, "get request", err)
		return
	}
	c.JSON(http.StatusOK, newRequestView(req, r.clock.Now()))
}

func (r *Router) acceptRequest(c *gin.Context) {
	var uri RequestURI
	if err := c.ShouldBindUri(&uri); err != nil {
		validationFailed(c, err)
		return
	}

	handle, err := r.matchmaker.Accept(c.Request.Context(), uri.ID, userID(c))
	if err != nil {
		r.respondError(c, "accept request", err)
		return
	}

	r.logger.Info("Request accepted",
		log.RequestID(handle.RequestID),
		log.RoomID(handle.RoomID),
		log.String("acceptorId", handle.AcceptorID))
	c.JSON(http.StatusOK, handle)
}

// requestAction adapts a matchmaker transition to a 204 handler.
func (r *Router) requestAction(op string, fn func(ctx context.Context, requestID, userID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri RequestURI
		if err := c.ShouldBindUri(&uri); err != nil {
			validationFailed(c, err)
			return
		}
		if err := fn(c.Request.Context(), uri.ID, userID(c)); err != nil {
			r.respondError(c, op, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (r *Router) issueRoomToken(c *gin.Context) {
	var uri RoomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		validationFailed(c, err)
		return
	}

	ctx := c.Request.Context()
	uid := userID(c)

	ok, err := r.provisioner.IsParticipant(ctx, uri.RoomID, uid)
	if err != nil {
		r.respondError(c, "check room membership", err)
		return
	}
	if !ok {
		tokensDenied.Add(ctx, 1)
		r.respondError(c, "issue room token",
			errors.Newf(requests.ErrNotAuthorized, "user %s is not a participant of room %s", uid, uri.RoomID))
		return
	}

	token, expiresAt, err := r.jwtAuth.SignRoom(uid, uri.RoomID)
	if err != nil {
		r.respondError(c, "issue room token", err)
		return
	}

	tokensIssued.Add(ctx, 1)
	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		URL:       r.opts.MediaURL,
		ExpiresAt: expiresAt,
	})
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
