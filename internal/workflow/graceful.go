package workflow

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/imtaco/peer-connect/internal/log"
)

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Shutdown collects cleanup steps while a service starts its components
// and runs them in reverse order when the process is asked to stop.
type Shutdown struct {
	mu     sync.Mutex
	steps  []step
	logger *log.Logger
}

func NewShutdown(logger *log.Logger) *Shutdown {
	return &Shutdown{logger: logger}
}

// Add registers fn to run on shutdown. Steps added later run first.
func (s *Shutdown) Add(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// AddStop registers a component Stop method.
func (s *Shutdown) AddStop(name string, stop func()) {
	s.Add(name, func(context.Context) error {
		stop()
		return nil
	})
}

// Run executes every step once, newest first. A failing or panicking step
// is logged and does not keep the others from running.
func (s *Shutdown) Run(ctx context.Context) {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			s.logger.Warn("Shutdown deadline reached, skipping remaining steps",
				log.Int("skipped", i+1))
			return
		}
		s.runStep(ctx, steps[i])
	}
}

func (s *Shutdown) runStep(ctx context.Context, st step) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic during shutdown", log.String("step", st.name), log.Any("error", r))
		}
	}()
	if err := st.fn(ctx); err != nil {
		s.logger.Error("Shutdown step failed", log.String("step", st.name), log.Error(err))
		return
	}
	s.logger.Debug("Shutdown step done", log.String("step", st.name))
}

// Wait blocks until SIGINT, SIGTERM or ctx is done, then runs the steps
// within timeout.
func (s *Shutdown) Wait(ctx context.Context, timeout time.Duration) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	s.logger.Info("Starting graceful shutdown")
	ctxClean, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctxClean)
	}()

	select {
	case <-ctxClean.Done():
		s.logger.Warn("Shutdown timeout exceeded, forcing exit")
	case <-done:
		s.logger.Info("Graceful shutdown completed")
	}
}
