package session

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
)

type Option func(*Controller)

// WithVideo publishes a camera track on join. Off by default.
func WithVideo(enabled bool) Option {
	return func(c *Controller) {
		c.withVideo = enabled
	}
}

// WithStateListener is called under the controller lock on every state
// change. It must not call back into the Controller.
func WithStateListener(fn func(ConnectionState)) Option {
	return func(c *Controller) {
		c.onState = fn
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// Controller owns one call at a time: its media connection, local tracks
// and remote sinks.
type Controller struct {
	media     MediaService
	tokens    TokenSource
	signaler  Signaler
	closer    RequestCloser
	sinks     SinkFactory
	withVideo bool
	onState   func(ConnectionState)
	clock     clockwork.Clock
	logger    *log.Logger

	mu    sync.Mutex
	state ConnectionState
	call  *Call
	// gen changes whenever a call starts or is torn down
	gen        uint64
	cancelJoin context.CancelFunc
	joinDone   chan struct{}
	audio      LocalTrack
	video      LocalTrack
	micOn      bool
	cameraOn   bool
	roster     *roster

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(
	media MediaService,
	tokens TokenSource,
	signaler Signaler,
	closer RequestCloser,
	sinks SinkFactory,
	logger *log.Logger,
	opts ...Option,
) *Controller {
	if media == nil || tokens == nil || sinks == nil {
		panic("media, tokens and sinks are required")
	}
	c := &Controller{
		media:    media,
		tokens:   tokens,
		signaler: signaler,
		closer:   closer,
		sinks:    sinks,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes media events until Stop.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	return nil
}

func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) CurrentCall() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return Call{}, false
	}
	return *c.call, true
}

func (c *Controller) MicEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micOn
}

func (c *Controller) CameraEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOn
}

// Roster lists remote participants and their attached tracks, sorted by identity.
func (c *Controller) Roster() []RemoteParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roster == nil {
		return nil
	}
	return c.roster.snapshot()
}

func (c *Controller) setStateLocked(state ConnectionState) {
	if c.state == state {
		return
	}
	c.logger.Debug("State changed",
		log.String("from", string(c.state)),
		log.String("to", string(state)))
	c.state = state
	if c.onState != nil {
		c.onState(state)
	}
}

// Join connects to the call's room and publishes local audio. It fails with
// ErrBusy unless the controller is idle. Failures return the controller to
// idle and are never retried.
func (c *Controller) Join(ctx context.Context, call Call) error {
	if call.RoomID == "" || call.Identity == "" {
		return errors.New(ErrJoinFailed, "room and identity are required")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return errors.Newf(ErrBusy, "cannot join while %s", state)
	}
	c.gen++
	gen := c.gen
	joinCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancelJoin = cancel
	c.joinDone = done
	c.call = &call
	c.roster = newRoster()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	joinsStarted.Add(ctx, 1)
	start := c.clock.Now()
	logger := c.logger.With(
		log.RoomID(call.RoomID),
		log.RequestID(call.RequestID))

	token, err := c.tokens.RoomToken(joinCtx, call.RoomID)
	if err != nil {
		return c.abortJoin(ctx, gen, nil, false,
			errors.Wrap(ErrJoinFailed, errors.Wrap(ErrTokenFetch, err, "fetch room token"), "join "+call.RoomID))
	}

	if err := c.media.Connect(joinCtx, token.URL, token.Token); err != nil {
		return c.abortJoin(ctx, gen, nil, false, mediaFailure(err, "connect to media service"))
	}

	var tracks []LocalTrack
	audio, err := c.media.PublishTrack(joinCtx, TrackAudio)
	if err != nil {
		return c.abortJoin(ctx, gen, tracks, true, mediaFailure(err, "publish audio"))
	}
	tracks = append(tracks, audio)

	var video LocalTrack
	if c.withVideo {
		video, err = c.media.PublishTrack(joinCtx, TrackVideo)
		if err != nil {
			return c.abortJoin(ctx, gen, tracks, true, mediaFailure(err, "publish video"))
		}
		tracks = append(tracks, video)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.abortJoin(ctx, gen, tracks, true, nil)
	}
	c.audio = audio
	c.video = video
	c.micOn = true
	c.cameraOn = video != nil
	c.cancelJoin = nil
	c.joinDone = nil
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	joinLatency.Record(ctx, c.clock.Since(start).Seconds())
	logger.Info("Joined room", log.Bool("video", video != nil))
	return nil
}

func mediaFailure(err error, op string) error {
	return errors.Wrap(ErrJoinFailed, errors.Wrap(ErrMediaConnect, err, op), "join")
}

// abortJoin releases what a failed or superseded join acquired. A join
// superseded by teardown leaves the state alone and reports ErrJoinCanceled.
func (c *Controller) abortJoin(ctx context.Context, gen uint64, tracks []LocalTrack, connected bool, cause error) error {
	for _, t := range tracks {
		t.Stop()
	}
	if connected {
		if err := c.media.Disconnect(); err != nil {
			c.logger.Warn("Failed to disconnect aborted join", log.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		joinsCanceled.Add(ctx, 1)
		if cause != nil {
			c.logger.Debug("Join canceled", log.Error(cause))
		}
		return errors.New(ErrJoinCanceled, "join canceled by leave")
	}

	joinsFailed.Add(ctx, 1)
	c.logger.Warn("Join failed", log.Error(cause))
	c.call = nil
	c.roster = nil
	c.cancelJoin = nil
	c.joinDone = nil
	c.setStateLocked(StateIdle)
	return cause
}

// SetMicEnabled mutes or unmutes the local audio track.
func (c *Controller) SetMicEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.inCall() || c.audio == nil {
		return errors.Newf(ErrNotConnected, "microphone unavailable while %s", c.state)
	}
	if c.micOn == enabled {
		return nil
	}
	if err := c.audio.SetEnabled(enabled); err != nil {
		return errors.Wrap(ErrMediaConnect, err, "toggle microphone")
	}
	c.micOn = enabled
	return nil
}

// SetCameraEnabled publishes the camera on first enable, then toggles it.
func (c *Controller) SetCameraEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	if !c.state.inCall() {
		state := c.state
		c.mu.Unlock()
		return errors.Newf(ErrNotConnected, "camera unavailable while %s", state)
	}
	if c.cameraOn == enabled {
		c.mu.Unlock()
		return nil
	}
	if c.video != nil {
		defer c.mu.Unlock()
		if err := c.video.SetEnabled(enabled); err != nil {
			return errors.Wrap(ErrMediaConnect, err, "toggle camera")
		}
		c.cameraOn = enabled
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	track, err := c.media.PublishTrack(ctx, TrackVideo)
	if err != nil {
		return errors.Wrap(ErrMediaConnect, err, "publish video")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.state.inCall() {
		track.Stop()
		return errors.New(ErrNotConnected, "call ended while publishing camera")
	}
	if c.video != nil {
		track.Stop()
	} else {
		c.video = track
	}
	c.cameraOn = true
	return nil
}

// Leave ends the call on user request. The peer gets call_ended and the
// request is completed. Those failures are logged only. Calling Leave with
// no call is a no-op.
func (c *Controller) Leave(ctx context.Context) {
	c.teardown(ctx, 0, true, "leave")
}

// HandleSignal ends the current call when the peer reports call_ended.
func (c *Controller) HandleSignal(ctx context.Context, ev relay.Event) {
	if ev.Type != relay.EventCallEnded {
		return
	}
	var sig relay.CallSignal
	if err := ev.Decode(&sig); err != nil {
		c.logger.Warn("Malformed call_ended payload", log.String("from", ev.From), log.Error(err))
		return
	}

	c.mu.Lock()
	call, gen := c.call, c.gen
	c.mu.Unlock()

	if call == nil ||
		(sig.RequestID != "" && sig.RequestID != call.RequestID) ||
		(sig.RoomID != "" && sig.RoomID != call.RoomID) ||
		(call.PeerID != "" && ev.From != call.PeerID) {
		c.logger.Debug("Ignoring call_ended for another call",
			log.String("from", ev.From),
			log.RequestID(sig.RequestID))
		return
	}
	c.teardown(ctx, gen, false, "remote ended")
}

// teardown runs once per call. A non-zero gen restricts it to that call.
func (c *Controller) teardown(ctx context.Context, gen uint64, userInitiated bool, reason string) {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateDisconnected || (gen != 0 && gen != c.gen) {
		c.mu.Unlock()
		return
	}
	call := *c.call
	c.gen++
	if c.cancelJoin != nil {
		c.cancelJoin()
	}
	joinDone := c.joinDone
	audio, video, rost := c.audio, c.video, c.roster
	c.cancelJoin, c.joinDone = nil, nil
	c.audio, c.video, c.roster = nil, nil, nil
	c.micOn, c.cameraOn = false, false
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	logger := c.logger.With(
		log.RoomID(call.RoomID),
		log.RequestID(call.RequestID),
		log.String("reason", reason))

	// an in-flight join releases its own partial resources
	if joinDone != nil {
		select {
		case <-joinDone:
		case <-ctx.Done():
			logger.Warn("Gave up waiting for join to unwind", log.Error(ctx.Err()))
		}
	}

	released := 0
	if rost != nil {
		released = rost.releaseAll()
	}
	for _, t := range []LocalTrack{audio, video} {
		if t != nil {
			t.Stop()
		}
	}
	if err := c.media.Disconnect(); err != nil {
		logger.Warn("Failed to disconnect media", log.Error(err))
	}
	sinksReleased.Add(ctx, int64(released))
	teardowns.Add(ctx, 1)

	if userInitiated {
		c.endForPeer(ctx, call, logger)
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.call = nil
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	logger.Info("Call torn down", log.Int("sinksReleased", released))
}

func (c *Controller) endForPeer(ctx context.Context, call Call, logger *log.Logger) {
	if c.signaler != nil && call.PeerID != "" {
		err := c.signaler.Publish(ctx, call.PeerID, relay.EventCallEnded, relay.CallSignal{
			RequestID: call.RequestID,
			RoomID:    call.RoomID,
		})
		if err != nil {
			sideEffectErr.Add(ctx, 1)
			logger.Warn("Failed to signal call_ended", log.String("peerId", call.PeerID), log.Error(err))
		}
	}
	if c.closer != nil && call.RequestID != "" {
		if err := c.closer.Complete(ctx, call.RequestID); err != nil {
			sideEffectErr.Add(ctx, 1)
			logger.Warn("Failed to complete request", log.Error(err))
		}
	}
}

func (c *Controller) loop(ctx context.Context) {
	events := c.media.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleMediaEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleMediaEvent(ctx context.Context, ev MediaEvent) {
	c.mu.Lock()
	if c.roster == nil {
		c.mu.Unlock()
		c.logger.Debug("Dropping media event outside a call", log.String("kind", string(ev.Kind)))
		return
	}

	switch ev.Kind {
	case ParticipantConnected:
		c.roster.add(ev.Identity)

	case ParticipantDisconnected:
		if n := c.roster.remove(ev.Identity); n > 0 {
			sinksReleased.Add(ctx, int64(n))
		}

	case TrackSubscribed:
		if ev.Track == nil {
			break
		}
		sink, err := c.sinks.Attach(ev.Identity, ev.Track)
		if err != nil {
			c.logger.Warn("Failed to attach remote track",
				log.String("identity", ev.Identity),
				log.String("track", ev.Track.SID()),
				log.Error(err))
			break
		}
		c.roster.attach(ev.Identity, ev.Track.Kind(), sink)
		sinksAttached.Add(ctx, 1)

	case TrackUnsubscribed:
		if ev.Track == nil {
			break
		}
		if c.roster.detach(ev.Identity, ev.Track.Kind()) {
			sinksReleased.Add(ctx, 1)
		}

	case ConnectionStateChanged:
		switch {
		case ev.State == StateReconnecting && c.state == StateConnected:
			c.setStateLocked(StateReconnecting)
		case ev.State == StateConnected && c.state == StateReconnecting:
			c.setStateLocked(StateConnected)
		case ev.State == StateDisconnected && c.state.inCall():
			gen := c.gen
			c.mu.Unlock()
			c.teardown(ctx, gen, false, "media disconnected")
			return
		}
	}
	c.mu.Unlock()
}
