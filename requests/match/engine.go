package match

import (
	"context"
	"iter"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	intotel "github.com/imtaco/peer-connect/internal/otel"
	"github.com/imtaco/peer-connect/internal/retry"
	"github.com/imtaco/peer-connect/relay"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/rooms"
)

const (
	DefaultFanoutLimit = 20
	DefaultRetention   = 24 * time.Hour
	DefaultSweepBatch  = 500
)

type Option func(*Engine)

// WithCandidates enables call_invitation fan-out on CreateRequest.
func WithCandidates(src requests.CandidateSource, limit int) Option {
	return func(e *Engine) {
		e.candidates = src
		if limit > 0 {
			e.fanoutLimit = limit
		}
	}
}

func WithExpiryScheduler(s requests.ExpiryScheduler) Option {
	return func(e *Engine) {
		e.expiry = s
	}
}

// WithRetention sets how long completed rows are kept before Sweep deletes them.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

func WithRetry(r retry.Retry) Option {
	return func(e *Engine) {
		e.retry = r
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// Engine matches requesters with acceptors. The only contended transition,
// available to matched, is decided by a single conditional update in the
// store, so concurrent accepts need no coordination here.
type Engine struct {
	store      requests.RequestStore
	rooms      rooms.Provisioner
	publisher  relay.Publisher
	candidates requests.CandidateSource
	expiry     requests.ExpiryScheduler
	retry      retry.Retry

	fanoutLimit int
	retention   time.Duration
	sweepBatch  int
	clock       clockwork.Clock
	logger      *log.Logger
}

var _ requests.Matchmaker = (*Engine)(nil)

func NewEngine(
	store requests.RequestStore,
	provisioner rooms.Provisioner,
	publisher relay.Publisher,
	logger *log.Logger,
	opts ...Option,
) *Engine {
	if store == nil || provisioner == nil || publisher == nil {
		panic("store, provisioner and publisher are required")
	}
	e := &Engine{
		store:       store,
		rooms:       provisioner,
		publisher:   publisher,
		fanoutLimit: DefaultFanoutLimit,
		retention:   DefaultRetention,
		sweepBatch:  DefaultSweepBatch,
		clock:       clockwork.NewRealClock(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		e.retry = retry.New(logger.Module("Retry"), 100*time.Millisecond, 2*time.Second, 10*time.Second, retry.WithMaxAttempts(5))
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) CreateRequest(ctx context.Context, userID string, kind requests.Kind, note string) (*requests.ConnectRequest, error) {
	req, err := e.create(ctx, userID, kind, note)
	if err != nil {
		return nil, err
	}
	e.fanout(ctx, req)
	return req, nil
}

// Invite is a direct dial: the request is created as usual and offered to
// calleeID only.
func (e *Engine) Invite(ctx context.Context, callerID, calleeID string, kind requests.Kind, note string) (*requests.ConnectRequest, error) {
	if calleeID == "" || calleeID == callerID {
		return nil, errors.New(requests.ErrInvalidRequest, "callee must be another user")
	}
	req, err := e.create(ctx, callerID, kind, note)
	if err != nil {
		return nil, err
	}
	e.invite(ctx, req, calleeID, true)
	return req, nil
}

func (e *Engine) create(ctx context.Context, userID string, kind requests.Kind, note string) (req *requests.ConnectRequest, err error) {
	ctx, span := intotel.StartSpan(ctx, tracer, "match.Create",
		attribute.String("kind", string(kind)))
	defer func() { intotel.EndSpan(span, err) }()

	if userID == "" {
		return nil, errors.New(requests.ErrInvalidRequest, "user is required")
	}
	if !kind.Valid() {
		return nil, errors.Newf(requests.ErrInvalidRequest, "unknown kind %q", kind)
	}
	if utf8.RuneCountInString(note) > requests.MaxContextLen {
		return nil, errors.Newf(requests.ErrInvalidRequest, "context exceeds %d characters", requests.MaxContextLen)
	}

	now := e.now()

	// Check-then-insert: two creates racing for the same user can both pass.
	// The window is one round trip and the second row still expires on time.
	live, err := e.store.Select(ctx, requests.Query{
		Statuses:     []requests.Status{requests.StatusAvailable},
		RequesterID:  userID,
		ExpiresAfter: now,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(live) > 0 {
		requestsRejected.Add(ctx, 1)
		return nil, errors.Newf(requests.ErrAlreadyActive, "user already has live request %s", live[0].ID)
	}

	req = &requests.ConnectRequest{
		ID:          uuid.New().String(),
		Kind:        kind,
		RequesterID: userID,
		Status:      requests.StatusAvailable,
		CreatedAt:   now,
		ExpiresAt:   requests.ExpiresAt(now),
		Context:     note,
	}
	if err := e.store.Insert(ctx, req); err != nil {
		return nil, err
	}
	requestsCreated.Add(ctx, 1)

	if e.expiry != nil {
		if err := e.expiry.ScheduleExpiry(ctx, req); err != nil {
			// the reaper still catches it
			e.logger.Warn("Failed to schedule expiry",
				log.RequestID(req.ID),
				log.Error(err))
		}
	}

	e.logger.Info("Request created",
		log.RequestID(req.ID),
		log.String("kind", string(kind)),
		log.String("requesterId", userID))
	return req, nil
}

func (e *Engine) fanout(ctx context.Context, req *requests.ConnectRequest) {
	if e.candidates == nil {
		return
	}
	users, err := e.candidates.Candidates(ctx, req.RequesterID, e.fanoutLimit)
	if err != nil {
		e.logger.Warn("Failed to load candidates",
			log.RequestID(req.ID),
			log.Error(err))
		return
	}
	for _, userID := range users {
		e.invite(ctx, req, userID, false)
	}
	e.logger.Debug("Invitations sent",
		log.RequestID(req.ID),
		log.Int("candidates", len(users)))
}

func (e *Engine) invite(ctx context.Context, req *requests.ConnectRequest, userID string, direct bool) {
	payload := relay.CallInvitation{
		RequestID: req.ID,
		Kind:      string(req.Kind),
		Context:   req.Context,
		ExpiresAt: req.ExpiresAt,
		Direct:    direct,
	}
	e.notify(ctx, userID, relay.EventCallInvitation, req.RequesterID, payload)
}

// notify is best effort. Clients fall back to polling when the relay is down.
func (e *Engine) notify(ctx context.Context, target string, eventType relay.EventType, from string, payload any) {
	if err := e.publisher.Publish(ctx, target, eventType, from, payload); err != nil {
		notifyFailures.Add(ctx, 1)
		e.logger.Warn("Failed to publish event",
			log.String("type", string(eventType)),
			log.String("target", target),
			log.Error(err))
	}
}

// ListAvailable yields live requests oldest first. The store is queried when
// iteration starts and liveness is checked again before each yield.
func (e *Engine) ListAvailable(ctx context.Context, excludingUserID string, kinds ...requests.Kind) iter.Seq2[*requests.ConnectRequest, error] {
	return func(yield func(*requests.ConnectRequest, error) bool) {
		rows, err := e.store.Select(ctx, requests.Query{
			Kinds:              kinds,
			Statuses:           []requests.Status{requests.StatusAvailable},
			ExcludeRequesterID: excludingUserID,
			ExpiresAfter:       e.now(),
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, req := range rows {
			if !requests.IsLive(req, e.now()) {
				continue
			}
			if !yield(req, nil) {
				return
			}
		}
	}
}

func (e *Engine) Accept(ctx context.Context, requestID, acceptorID string) (handle *requests.RoomHandle, err error) {
	ctx, span := intotel.StartSpan(ctx, tracer, "match.Accept",
		attribute.String("request.id", requestID),
		attribute.String("acceptor.id", acceptorID))
	defer func() { intotel.EndSpan(span, err) }()

	return e.accept(ctx, requestID, acceptorID)
}

func (e *Engine) accept(ctx context.Context, requestID, acceptorID string) (*requests.RoomHandle, error) {
	if acceptorID == "" {
		return nil, errors.New(requests.ErrInvalidRequest, "acceptor is required")
	}

	req, err := e.store.Get(ctx, requestID)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return nil, errors.Newf(requests.ErrRequestGone, "request %s not found", requestID)
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !requests.IsLive(req, now) {
		acceptsLost.Add(ctx, 1)
		return nil, errors.Newf(requests.ErrRequestGone, "request %s is no longer available", requestID)
	}
	if req.RequesterID == acceptorID {
		return nil, errors.New(requests.ErrNotAuthorized, "cannot accept own request")
	}

	// Members are written before the row flips to matched, so a matched row
	// always points at a room both parties can get a token for. Losers leave
	// behind a room nobody is sent to.
	roomID := e.rooms.NewRoomID()
	err = e.retry.Do(ctx, func() error {
		if err := e.rooms.RegisterParticipant(ctx, roomID, req.RequesterID, rooms.RoleHost); err != nil {
			return err
		}
		return e.rooms.RegisterParticipant(ctx, roomID, acceptorID, rooms.RoleParticipant)
	})
	if err != nil {
		e.logger.Error("Failed to register room participants",
			log.RequestID(requestID),
			log.RoomID(roomID),
			log.Error(err))
		return nil, errors.Wrapf(rooms.ErrInvalidRoom, err, "fail to provision room %s", roomID)
	}

	ok, err := e.store.ConditionalUpdate(ctx, requestID,
		requests.Condition{Status: requests.StatusAvailable, LiveAt: now},
		requests.Mutation{Status: requests.StatusMatched, RoomID: roomID, AcceptorID: acceptorID},
	)
	if err != nil {
		return nil, err
	}
	if !ok {
		acceptsLost.Add(ctx, 1)
		return nil, errors.Newf(requests.ErrRequestGone, "request %s was taken", requestID)
	}
	acceptsWon.Add(ctx, 1)
	matchLatency.Record(ctx, now.Sub(req.CreatedAt).Seconds())

	e.notify(ctx, req.RequesterID, relay.EventTalkRequest, acceptorID, relay.TalkRequest{
		RequestID: requestID,
		RoomID:    roomID,
		Kind:      string(req.Kind),
	})

	e.logger.Info("Request matched",
		log.RequestID(requestID),
		log.RoomID(roomID),
		log.String("requesterId", req.RequesterID),
		log.String("acceptorId", acceptorID))

	return &requests.RoomHandle{
		RequestID:   requestID,
		Kind:        req.Kind,
		RoomID:      roomID,
		RequesterID: req.RequesterID,
		AcceptorID:  acceptorID,
	}, nil
}

// Cancel withdraws an available request. Anything else is a no-op for the
// owner.
func (e *Engine) Cancel(ctx context.Context, requestID, callerID string) error {
	ok, err := e.store.ConditionalUpdate(ctx, requestID,
		requests.Condition{Status: requests.StatusAvailable, RequesterID: callerID},
		requests.Mutation{Status: requests.StatusCompleted},
	)
	if err != nil {
		return err
	}
	if ok {
		requestsCanceled.Add(ctx, 1)
		e.logger.Info("Request canceled", log.RequestID(requestID))
		return nil
	}

	req, err := e.store.Get(ctx, requestID)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if req.RequesterID != callerID {
		return errors.New(requests.ErrNotAuthorized, "only the requester may cancel")
	}
	return nil
}

// Complete marks a matched request as finished. Either party may call it,
// and calling it again is a no-op.
func (e *Engine) Complete(ctx context.Context, requestID, callerID string) error {
	ok, err := e.store.ConditionalUpdate(ctx, requestID,
		requests.Condition{Status: requests.StatusMatched, PartyID: callerID},
		requests.Mutation{Status: requests.StatusCompleted},
	)
	if err != nil {
		return err
	}
	if ok {
		requestsCompleted.Add(ctx, 1)
		e.logger.Info("Request completed",
			log.RequestID(requestID),
			log.String("by", callerID))
		return nil
	}

	req, err := e.store.Get(ctx, requestID)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !req.IsParty(callerID) {
		return errors.New(requests.ErrNotAuthorized, "not a party of this request")
	}
	return nil
}

// Decline tells the requester that calleeID turned the offer down. The
// request stays available for others.
func (e *Engine) Decline(ctx context.Context, requestID, calleeID string) error {
	req, err := e.store.Get(ctx, requestID)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if req.RequesterID == calleeID {
		return errors.New(requests.ErrNotAuthorized, "cannot decline own request")
	}
	if !requests.IsLive(req, e.now()) {
		return nil
	}
	e.notify(ctx, req.RequesterID, relay.EventCallDeclined, calleeID, relay.CallSignal{RequestID: requestID})
	return nil
}

func (e *Engine) Get(ctx context.Context, requestID, callerID string) (*requests.ConnectRequest, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(callerID) {
		return nil, errors.New(requests.ErrNotAuthorized, "not a party of this request")
	}
	return req, nil
}

// Current returns the newest request of userID that is still live or matched.
func (e *Engine) Current(ctx context.Context, userID string) (*requests.ConnectRequest, error) {
	rows, err := e.store.Select(ctx, requests.Query{
		Statuses:    []requests.Status{requests.StatusAvailable, requests.StatusMatched},
		RequesterID: userID,
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, req := range slices.Backward(rows) {
		if req.Status == requests.StatusMatched || requests.IsLive(req, now) {
			return req, nil
		}
	}
	return nil, errors.Newf(requests.ErrRequestNotFound, "no current request for %s", userID)
}

// Expire completes an available request whose deadline has passed. It
// reports whether the row was changed.
func (e *Engine) Expire(ctx context.Context, requestID string) (bool, error) {
	ok, err := e.store.ConditionalUpdate(ctx, requestID,
		requests.Condition{Status: requests.StatusAvailable, ExpiredAt: e.now()},
		requests.Mutation{Status: requests.StatusCompleted},
	)
	if err != nil {
		return false, err
	}
	if ok {
		requestsExpired.Add(ctx, 1)
		e.logger.Debug("Request expired", log.RequestID(requestID))
	}
	return ok, nil
}

type SweepResult struct {
	Expired int
	Closed  int
	Deleted int
}

// Sweep expires overdue requests, completes matched rows older than the
// retention window whose call nobody closed, and deletes completed rows
// older than the retention window.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := e.now()

	overdue, err := e.store.Select(ctx, requests.Query{
		Statuses:      []requests.Status{requests.StatusAvailable},
		ExpiresBefore: now,
		Limit:         e.sweepBatch,
	})
	if err != nil {
		return res, err
	}
	for _, req := range overdue {
		ok, err := e.Expire(ctx, req.ID)
		if err != nil {
			return res, err
		}
		if ok {
			res.Expired++
		}
	}

	abandoned, err := e.store.Select(ctx, requests.Query{
		Statuses:      []requests.Status{requests.StatusMatched},
		CreatedBefore: now.Add(-e.retention),
		Limit:         e.sweepBatch,
	})
	if err != nil {
		return res, err
	}
	for _, req := range abandoned {
		ok, err := e.store.ConditionalUpdate(ctx, req.ID,
			requests.Condition{Status: requests.StatusMatched},
			requests.Mutation{Status: requests.StatusCompleted},
		)
		if err != nil {
			return res, err
		}
		if ok {
			res.Closed++
			e.logger.Debug("Abandoned match closed", log.RequestID(req.ID), log.RoomID(req.RoomID))
		}
	}

	stale, err := e.store.Select(ctx, requests.Query{
		Statuses:      []requests.Status{requests.StatusCompleted},
		CreatedBefore: now.Add(-e.retention),
		Limit:         e.sweepBatch,
	})
	if err != nil {
		return res, err
	}
	for _, req := range stale {
		if err := e.store.Delete(ctx, req.ID); err != nil {
			return res, err
		}
		res.Deleted++
	}
	requestsReaped.Add(ctx, int64(res.Deleted))
	return res, nil
}
