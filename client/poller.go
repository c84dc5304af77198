package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/requests"
)

const DefaultPollInterval = 5 * time.Second

type Lister interface {
	ListAvailable(ctx context.Context, kind requests.Kind) ([]*Request, error)
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = d
	}
}

func WithKind(kind requests.Kind) PollerOption {
	return func(p *Poller) {
		p.kind = kind
	}
}

// WithErrorHandler is called when a refresh fails after retries.
func WithErrorHandler(fn func(error)) PollerOption {
	return func(p *Poller) {
		p.onError = fn
	}
}

func WithPollerClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) {
		p.clock = clock
	}
}

// Poller refreshes the list of available requests while the view is
// visible. Hidden views skip ticks and refresh as soon as they are shown.
type Poller struct {
	lister   Lister
	kind     requests.Kind
	interval time.Duration
	clock    clockwork.Clock
	onUpdate func([]*Request)
	onError  func(error)
	logger   *log.Logger

	mu      sync.Mutex
	visible bool
	wake    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(lister Lister, onUpdate func([]*Request), logger *log.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		lister:   lister,
		interval: DefaultPollInterval,
		clock:    clockwork.NewRealClock(),
		onUpdate: onUpdate,
		logger:   logger,
		visible:  true,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	return nil
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// SetVisible suspends polling while hidden. Becoming visible refreshes at once.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	shown := visible && !p.visible
	p.visible = visible
	p.mu.Unlock()

	p.logger.Debug("Visibility changed", log.Bool("visible", visible))
	if shown {
		p.Refresh()
	}
}

// Refresh asks for an immediate refresh, e.g. after a lost accept.
func (p *Poller) Refresh() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) isVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *Poller) loop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	if p.isVisible() {
		p.poll(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if p.isVisible() {
				p.poll(ctx)
			}
		case <-p.wake:
			if p.isVisible() {
				p.poll(ctx)
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	list, err := p.lister.ListAvailable(ctx, p.kind)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Failed to refresh requests", log.Error(err))
		if p.onError != nil {
			p.onError(err)
		}
		return
	}

	// expired requests drop out rather than surface as errors
	now := p.clock.Now()
	live := make([]*Request, 0, len(list))
	for _, req := range list {
		if !requests.IsExpired(&req.ConnectRequest, now) {
			live = append(live, req)
		}
	}
	p.onUpdate(live)
}
