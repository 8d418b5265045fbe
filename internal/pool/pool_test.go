package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id     int
	closed bool
}

func newCounter() (*atomic.Int32, func(context.Context) (*fakeConn, error)) {
	var n atomic.Int32
	return &n, func(context.Context) (*fakeConn, error) {
		return &fakeConn{id: int(n.Add(1))}, nil
	}
}

func closer(c *fakeConn) error {
	c.closed = true
	return nil
}

func TestAcquireRelease(t *testing.T) {
	created, factory := newCounter()
	p := New(Config{Size: 2, Overflow: 1, AcquireTimeout: time.Second}, factory, closer)
	defer p.Dispose()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c2 != c1 {
		t.Error("released resource should be reused")
	}
	if created.Load() != 1 {
		t.Errorf("factory called %d times, want 1", created.Load())
	}
	p.Release(c2)
}

func TestAcquireTimeout(t *testing.T) {
	_, factory := newCounter()
	p := New(Config{Size: 1, Overflow: -1, AcquireTimeout: 50 * time.Millisecond}, factory, closer)
	defer p.Dispose()

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c)

	start := time.Now()
	_, err = p.Acquire(ctx)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire on exhausted pool = %v, want ErrAcquireTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Acquire returned before the timeout elapsed")
	}
}

func TestOverflowClosedOnRelease(t *testing.T) {
	created, factory := newCounter()
	p := New(Config{Size: 1, Overflow: 2, AcquireTimeout: time.Second}, factory, closer)
	defer p.Dispose()

	ctx := context.Background()
	var conns []*fakeConn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	if created.Load() != 3 {
		t.Fatalf("factory called %d times, want 3", created.Load())
	}

	for _, c := range conns {
		p.Release(c)
	}
	if p.IdleCount() != 1 {
		t.Errorf("IdleCount = %d, want 1 (overflow closed on release)", p.IdleCount())
	}
	closedCount := 0
	for _, c := range conns {
		if c.closed {
			closedCount++
		}
	}
	if closedCount != 2 {
		t.Errorf("%d overflow resources closed, want 2", closedCount)
	}
}

func TestStaleIdleRecycled(t *testing.T) {
	created, factory := newCounter()
	p := New(Config{Size: 1, Overflow: -1, AcquireTimeout: time.Second, RecycleAfter: time.Minute}, factory, closer)
	defer p.Dispose()

	fake := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fake }

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	fake = fake.Add(2 * time.Minute)
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c2)

	if c2 == c1 {
		t.Error("stale idle resource should have been recycled, not reused")
	}
	if !c1.closed {
		t.Error("recycled resource should be closed")
	}
	if created.Load() != 2 {
		t.Errorf("factory called %d times, want 2", created.Load())
	}
}

func TestDispose(t *testing.T) {
	_, factory := newCounter()
	p := New(Config{Size: 2, AcquireTimeout: time.Second}, factory, closer)

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	p.Dispose()
	if !c.closed {
		t.Error("Dispose should close idle resources")
	}
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Dispose = %v, want ErrClosed", err)
	}
}
