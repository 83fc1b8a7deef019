// Package pool provides a bounded pool of reusable request buffers with
// explicit lease semantics. Every admitted request borrows exactly one buffer
// and must release it exactly once; a double release or a read after release
// is an invariant violation and panics.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrPoolExhausted is returned when no buffer can be acquired. The caller is
// expected to apply backpressure and retry; it is never fatal.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// BufferPool is a fixed-capacity pool of equally sized buffers. Unlike
// sync.Pool, buffers are never garbage collected and the total memory held by
// the pool is bounded at construction time.
type BufferPool struct {
	bufSize int
	free    chan []byte
}

// New creates a pool of capacity buffers, each bufSize bytes. All buffers are
// allocated up front so memory use is fixed for the life of the process.
func New(capacity, bufSize int) *BufferPool {
	if capacity <= 0 {
		panic(fmt.Sprintf("pool capacity must be positive, got %d", capacity))
	}
	if bufSize <= 0 {
		panic(fmt.Sprintf("pool buffer size must be positive, got %d", bufSize))
	}
	p := &BufferPool{
		bufSize: bufSize,
		free:    make(chan []byte, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free <- make([]byte, bufSize)
	}
	return p
}

// BufferSize returns the size of each pooled buffer.
func (p *BufferPool) BufferSize() int {
	return p.bufSize
}

// Available returns the number of buffers currently free. Informational only;
// the value may be stale by the time it is read.
func (p *BufferPool) Available() int {
	return len(p.free)
}

// Acquire borrows a buffer sized for a request of size bytes, blocking until
// one is free or ctx is done. Context expiry under memory pressure surfaces
// as ErrPoolExhausted so the caller can reject the request and move on.
func (p *BufferPool) Acquire(ctx context.Context, size int) (*Lease, error) {
	if size < 0 || size > p.bufSize {
		return nil, fmt.Errorf("request size %d exceeds pool buffer size %d: %w", size, p.bufSize, ErrPoolExhausted)
	}
	select {
	case buf := <-p.free:
		return &Lease{pool: p, buf: buf, size: size}, nil
	default:
	}
	select {
	case buf := <-p.free:
		return &Lease{pool: p, buf: buf, size: size}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	}
}

// TryAcquire is like Acquire but fails immediately with ErrPoolExhausted when
// no buffer is free.
func (p *BufferPool) TryAcquire(size int) (*Lease, error) {
	if size < 0 || size > p.bufSize {
		return nil, fmt.Errorf("request size %d exceeds pool buffer size %d: %w", size, p.bufSize, ErrPoolExhausted)
	}
	select {
	case buf := <-p.free:
		return &Lease{pool: p, buf: buf, size: size}, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Lease is exclusive ownership of one pooled buffer. A Lease must not be
// copied and must be released exactly once; ownership may only move into the
// in-flight request that carries it.
type Lease struct {
	pool     *BufferPool
	buf      []byte
	size     int
	released atomic.Bool
}

// Bytes returns the leased buffer, sized to the request it was acquired for.
// Panics if the lease has been released.
func (l *Lease) Bytes() []byte {
	if l.released.Load() {
		panic("pool: read of released buffer lease")
	}
	return l.buf[:l.size]
}

// Size returns the request size the lease was acquired for.
func (l *Lease) Size() int {
	return l.size
}

// Release marks the lease invalid and returns the buffer to its pool. The
// lease is invalidated before the buffer is handed back, so a racing reader
// hits the released guard rather than observing recycled data. Releasing
// twice panics: it means two code paths both believed they owned the buffer.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		panic("pool: buffer lease released twice")
	}
	buf := l.buf
	l.buf = nil
	// Scrub so no request payload leaks into the next lease.
	clear(buf)
	l.pool.free <- buf
}
