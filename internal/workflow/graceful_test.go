package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/imtaco/peer-connect/internal/log"
)

func TestShutdownRunsNewestFirst(t *testing.T) {
	s := NewShutdown(log.NewTest(t))
	var order []string
	s.AddStop("redis", func() { order = append(order, "redis") })
	s.Add("store", func(context.Context) error {
		order = append(order, "store")
		return errors.New("close failed")
	})
	s.Add("http", func(context.Context) error {
		order = append(order, "http")
		panic("boom")
	})

	s.Run(context.Background())
	assert.Equal(t, []string{"http", "store", "redis"}, order)

	// steps run once
	s.Run(context.Background())
	assert.Len(t, order, 3)
}

func TestShutdownStopsAtDeadline(t *testing.T) {
	s := NewShutdown(log.NewTest(t))
	ran := false
	s.AddStop("never", func() { ran = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
	assert.False(t, ran)
}

func TestShutdownWaitOnContext(t *testing.T) {
	s := NewShutdown(log.NewTest(t))
	stopped := make(chan struct{})
	s.AddStop("worker", func() { close(stopped) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	s.Wait(ctx, time.Second)

	select {
	case <-stopped:
	default:
		t.Fatal("worker not stopped")
	}
}
