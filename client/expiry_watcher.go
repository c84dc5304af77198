package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/scheduler"
	"github.com/imtaco/peer-connect/requests"
)

// ExpiryWatcher fires once per watched request when its deadline passes,
// without polling.
type ExpiryWatcher struct {
	sched    *scheduler.Deadlines
	clock    clockwork.Clock
	onExpire func(requestID string)
	logger   *log.Logger

	mu        sync.Mutex
	deadlines map[string]time.Time
	stopped   bool

	wg sync.WaitGroup
}

func NewExpiryWatcher(onExpire func(requestID string), logger *log.Logger) *ExpiryWatcher {
	return newExpiryWatcherWithClock(onExpire, clockwork.NewRealClock(), logger)
}

func newExpiryWatcherWithClock(onExpire func(requestID string), clock clockwork.Clock, logger *log.Logger) *ExpiryWatcher {
	return &ExpiryWatcher{
		sched:     scheduler.New(clock, logger.Module("Scheduler")),
		clock:     clock,
		onExpire:  onExpire,
		logger:    logger,
		deadlines: make(map[string]time.Time),
	}
}

func (w *ExpiryWatcher) Start(_ context.Context) error {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for id := range w.sched.Chan() {
			w.mu.Lock()
			_, watched := w.deadlines[id]
			delete(w.deadlines, id)
			w.mu.Unlock()

			if watched {
				w.logger.Debug("Request expired", log.RequestID(id))
				w.onExpire(id)
			}
		}
	}()
	return nil
}

func (w *ExpiryWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.sched.Shutdown()
	w.wg.Wait()
}

// Watch schedules req for its expiresAt. Watching again is a no-op.
func (w *ExpiryWatcher) Watch(req *requests.ConnectRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if _, ok := w.deadlines[req.ID]; ok {
		return
	}
	w.deadlines[req.ID] = req.ExpiresAt
	w.sched.At(req.ID, req.ExpiresAt)
}

// Unwatch stops the countdown, e.g. once the request is matched or canceled.
func (w *ExpiryWatcher) Unwatch(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if _, ok := w.deadlines[requestID]; !ok {
		return
	}
	delete(w.deadlines, requestID)
	w.sched.Cancel(requestID)
}

// Remaining is the countdown for a watched request.
func (w *ExpiryWatcher) Remaining(requestID string) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline, ok := w.deadlines[requestID]
	if !ok {
		return 0, false
	}
	return max(w.clock.Until(deadline), 0), true
}
