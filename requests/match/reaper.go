package match

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/log"
)

const DefaultSweepInterval = time.Minute

// Sweeper is the part of Engine the reaper drives.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// Reaper runs Sweep on a fixed interval. It backs up the expiry tasks and
// deletes completed rows past retention.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	clock    clockwork.Clock
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *log.Logger
}

func NewReaper(sweeper Sweeper, interval time.Duration, logger *log.Logger) *Reaper {
	return newReaperWithClock(sweeper, interval, clockwork.NewRealClock(), logger)
}

func newReaperWithClock(sweeper Sweeper, interval time.Duration, clock clockwork.Clock, logger *log.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting reaper", log.Duration("interval", r.interval))
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
	return nil
}

func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("Reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	sweepRuns.Add(ctx, 1)
	res, err := r.sweeper.Sweep(ctx)
	if err != nil {
		sweepFailures.Add(ctx, 1)
		r.logger.Warn("Sweep failed", log.Error(err))
		return
	}
	if res.Expired > 0 || res.Closed > 0 || res.Deleted > 0 {
		r.logger.Info("Sweep done",
			log.Int("expired", res.Expired),
			log.Int("closed", res.Closed),
			log.Int("deleted", res.Deleted))
	}
}
