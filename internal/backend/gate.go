package backend

import (
	"context"
	"sync"
)

// Gate suspends drivers between batches while paused
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewGate creates an open gate
func NewGate() *Gate {
	return &Gate{}
}

// Pause closes the gate; running batches finish first
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

// Resume opens the gate and releases every waiter
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

// Paused reports whether the gate is closed
func (g *Gate) Paused() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is closed. It returns ctx.Err() on cancellation.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	g.mu.Lock()
	ch := g.resume
	paused := g.paused
	g.mu.Unlock()
	if !paused {
		return ctx.Err()
	}
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
