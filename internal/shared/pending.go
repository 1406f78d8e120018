// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"sync"
)

// Pending counts outstanding work. Unlike sync.WaitGroup it may be waited on
// while new work is still being added, and waiting honours a context.
type Pending struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// Add registers one unit of work.
func (p *Pending) Add() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		p.idle = make(chan struct{})
	}
	p.n++
}

// Done marks one unit of work finished.
func (p *Pending) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		panic("shared: Pending.Done without Add")
	}
	p.n--
	if p.n == 0 {
		close(p.idle)
	}
}

// Len returns the amount of outstanding work.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Wait blocks until no work is outstanding or ctx is done. Work added after
// Wait was called is not waited for.
func (p *Pending) Wait(ctx context.Context) error {
	p.mu.Lock()
	if p.n == 0 {
		p.mu.Unlock()
		return nil
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
