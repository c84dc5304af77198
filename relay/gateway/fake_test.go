package gateway

import (
	"context"
	"sync"

	"github.com/imtaco/peer-connect/internal/errors"
)

type fakePresence struct {
	mu      sync.Mutex
	touches map[string]int
	left    []string
	prunes  int
	// failing users get an error from Touch
	failing map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{touches: make(map[string]int)}
}

func (p *fakePresence) Touch(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches[userID]++
	if p.failing[userID] {
		return errors.PureNew("redis down")
	}
	return nil
}

func (p *fakePresence) Leave(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, userID)
	return nil
}

func (p *fakePresence) Candidates(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (p *fakePresence) Prune(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prunes++
	return nil
}

func (p *fakePresence) touchCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.touches[userID]
}

func (p *fakePresence) pruneCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prunes
}
