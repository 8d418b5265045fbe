// Package pool implements a bounded, recycling resource pool used to hand
// out storage connections. A fixed number of slots plus a bounded overflow
// cap the total open resources; acquisition blocks up to a timeout and then
// fails with a retryable error instead of waiting forever.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAcquireTimeout is returned when no resource becomes available within
// the configured timeout. Callers should treat it as transient.
var ErrAcquireTimeout = errors.New("pool: acquire timed out")

// ErrClosed is returned by Acquire after Dispose.
var ErrClosed = errors.New("pool: closed")

// Config sizes a Pool. Zero values fall back to the defaults: 20 base
// slots, 10 overflow, 30s acquire timeout, 30m idle recycle.
type Config struct {
	Size           int
	Overflow       int
	AcquireTimeout time.Duration
	RecycleAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 20
	}
	if c.Overflow < 0 {
		c.Overflow = 0
	} else if c.Overflow == 0 {
		c.Overflow = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.RecycleAfter <= 0 {
		c.RecycleAfter = 30 * time.Minute
	}
	return c
}

type idleItem[T any] struct {
	res       T
	idleSince time.Time
}

// Pool hands out resources created by a factory, reusing idle ones and
// lazily discarding those idle past the recycle threshold. Releases beyond
// the base size (overflow resources) are closed instead of parked.
type Pool[T any] struct {
	cfg     Config
	factory func(context.Context) (T, error)
	closer  func(T) error

	permits chan struct{}
	mu      sync.Mutex
	idle    []idleItem[T]
	closed  bool
	now     func() time.Time
}

// New creates a Pool whose resources come from factory and are torn down by
// closer. closer may be nil for resources without cleanup.
func New[T any](cfg Config, factory func(context.Context) (T, error), closer func(T) error) *Pool[T] {
	cfg = cfg.withDefaults()
	if closer == nil {
		closer = func(T) error { return nil }
	}
	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		closer:  closer,
		permits: make(chan struct{}, cfg.Size+cfg.Overflow),
		now:     time.Now,
	}
	for i := 0; i < cap(p.permits); i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Acquire returns a resource, blocking up to the configured timeout for a
// free slot. A stale idle resource is discarded and replaced transparently.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.permits:
	case <-ctx.Done():
		return zero, fmt.Errorf("pool: acquire: %w", ctx.Err())
	case <-timer.C:
		return zero, ErrAcquireTimeout
	}

	// Reuse an idle resource if one is still fresh.
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.permits <- struct{}{}
			return zero, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			item := p.idle[n-1]
			p.idle = p.idle[:n-1]
			stale := p.now().Sub(item.idleSince) > p.cfg.RecycleAfter
			p.mu.Unlock()
			if stale {
				_ = p.closer(item.res)
				continue
			}
			return item.res, nil
		}
		p.mu.Unlock()
		break
	}

	res, err := p.factory(ctx)
	if err != nil {
		p.permits <- struct{}{}
		return zero, fmt.Errorf("pool: creating resource: %w", err)
	}
	return res, nil
}

// Release returns a resource to the pool. Resources beyond the base size
// are closed rather than parked, so overflow shrinks back on its own.
func (p *Pool[T]) Release(res T) {
	p.mu.Lock()
	park := !p.closed && len(p.idle) < p.cfg.Size
	if park {
		p.idle = append(p.idle, idleItem[T]{res: res, idleSince: p.now()})
	}
	p.mu.Unlock()

	if !park {
		_ = p.closer(res)
	}
	p.permits <- struct{}{}
}

// Dispose closes all idle resources and marks the pool closed. Resources
// currently checked out are closed as they are released.
func (p *Pool[T]) Dispose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, item := range idle {
		_ = p.closer(item.res)
	}
}

// IdleCount returns the number of parked resources.
func (p *Pool[T]) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
