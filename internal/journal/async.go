package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by [Async.Record] when the write queue has no
	// room. The entry is discarded.
	ErrQueueFull = errors.New("journal: write queue full")

	// ErrClosed is returned by [Async.Record] after [Async.Close].
	ErrClosed = errors.New("journal: closed")
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 2 * time.Second
)

// Async moves writes off the caller's path. Record enqueues and returns at
// once; a single goroutine drains the queue into the wrapped journal, giving
// each write its own timeout. Close stops accepting entries, flushes what is
// queued and closes the wrapped journal.
type Async struct {
	inner   Journal
	timeout time.Duration
	queue   chan Entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	failed  atomic.Int64
}

var _ Journal = (*Async)(nil)

// AsyncOption configures an [Async].
type AsyncOption func(*asyncConfig)

type asyncConfig struct {
	size    int
	timeout time.Duration
}

// WithQueueSize sets how many entries may wait for the writer. Default 256.
func WithQueueSize(n int) AsyncOption {
	return func(c *asyncConfig) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithWriteTimeout bounds each write to the wrapped journal. Default 2s.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(c *asyncConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewAsync starts the writer goroutine for inner.
func NewAsync(inner Journal, opts ...AsyncOption) *Async {
	cfg := asyncConfig{size: defaultQueueSize, timeout: defaultWriteTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	a := &Async{
		inner:   inner,
		timeout: cfg.timeout,
		queue:   make(chan Entry, cfg.size),
		done:    make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.inner.Record(ctx, e)
		cancel()
		if err != nil {
			a.failed.Add(1)
			slog.Warn("journal: write failed", "request_id", e.RequestID, "err", err)
		}
	}
}

// Record queues e without waiting for the write. ctx is not used: the write
// outlives the request that produced it.
func (a *Async) Record(_ context.Context, e Entry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- e:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Ping forwards to the wrapped journal.
func (a *Async) Ping(ctx context.Context) error {
	return a.inner.Ping(ctx)
}

// Dropped returns how many entries were discarded because the queue was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Failed returns how many queued entries the wrapped journal rejected.
func (a *Async) Failed() int64 { return a.failed.Load() }

// Close flushes queued entries and closes the wrapped journal. Calling it
// again only repeats the wrapped Close.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return a.inner.Close()
}
