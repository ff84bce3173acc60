package cache

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// RebuildPool runs at most n tasks at once. Submissions beyond that are rejected, not queued.
type RebuildPool struct {
	mu     sync.RWMutex
	closed bool
	g      errgroup.Group
}

func NewRebuildPool(n int) *RebuildPool {
	p := &RebuildPool{}
	p.g.SetLimit(n)
	return p
}

// TrySubmit starts task if a slot is free and reports whether it did.
func (p *RebuildPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return p.g.TryGo(func() error {
		task()
		return nil
	})
}

func (p *RebuildPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
}
