package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/kanal-io/kanal/internal/pool"
)

// BufferPoolChecker implements ReadinessChecker for the request buffer pool.
// A fully drained pool means every buffer is pinned by an in-flight request
// and new requests would block; the broker reports not ready so load can be
// steered elsewhere until buffers free up.
type BufferPoolChecker struct {
	pool *pool.BufferPool
}

// NewBufferPoolChecker creates a BufferPoolChecker for p.
func NewBufferPoolChecker(p *pool.BufferPool) *BufferPoolChecker {
	return &BufferPoolChecker{pool: p}
}

// Name returns the name of this component for health status display.
func (c *BufferPoolChecker) Name() string {
	return "request_buffer_pool"
}

// CheckReady reports whether at least one request buffer is free.
func (c *BufferPoolChecker) CheckReady(ctx context.Context) error {
	if c.pool == nil {
		return errors.New("buffer pool not configured")
	}
	if c.pool.Available() == 0 {
		return errors.New("request buffer pool exhausted")
	}
	return nil
}

// ListenerChecker implements ReadinessChecker for a TCP listener. It reports
// not ready until the listener is bound and again once it stops accepting.
type ListenerChecker struct {
	srv *Server
}

// NewListenerChecker creates a ListenerChecker for srv.
func NewListenerChecker(srv *Server) *ListenerChecker {
	return &ListenerChecker{srv: srv}
}

// Name returns the listener's name for health status display.
func (c *ListenerChecker) Name() string {
	return fmt.Sprintf("listener_%s", c.srv.cfg.ListenerName)
}

// CheckReady verifies the listener is bound and accepting connections.
func (c *ListenerChecker) CheckReady(ctx context.Context) error {
	if c.srv.closed.Load() || c.srv.stopping.Load() {
		return errors.New("listener is shut down")
	}
	if c.srv.Addr() == nil {
		return errors.New("listener is not bound")
	}
	return nil
}

// FuncChecker is a simple ReadinessChecker that wraps a function. Useful for
// ad-hoc checks or testing.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check
// function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the name of this component.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
