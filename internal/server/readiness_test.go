package server

import (
	"context"
	"testing"

	"github.com/kanal-io/kanal/internal/pool"
)

func TestBufferPoolChecker(t *testing.T) {
	p := pool.New(1, 64)
	checker := NewBufferPoolChecker(p)

	if checker.Name() != "request_buffer_pool" {
		t.Errorf("name = %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("CheckReady with free buffers = %v", err)
	}

	lease, err := p.TryAcquire(16)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if err := checker.CheckReady(context.Background()); err == nil {
		t.Error("CheckReady with exhausted pool returned nil")
	}

	lease.Release()
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("CheckReady after release = %v", err)
	}
}

func TestBufferPoolCheckerNilPool(t *testing.T) {
	if err := NewBufferPoolChecker(nil).CheckReady(context.Background()); err == nil {
		t.Error("CheckReady with nil pool returned nil")
	}
}

func TestListenerChecker(t *testing.T) {
	srv, _ := startServer(t, DefaultConfig(), &recordingHandler{})
	checker := NewListenerChecker(srv)

	if checker.Name() != "listener_PLAINTEXT" {
		t.Errorf("name = %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("CheckReady while serving = %v", err)
	}

	srv.StopAccepting()
	if err := checker.CheckReady(context.Background()); err == nil {
		t.Error("CheckReady after StopAccepting returned nil")
	}
}

func TestListenerCheckerNotBound(t *testing.T) {
	srv := New(DefaultConfig(), newTestChannel(t), &recordingHandler{}, quietLogger())
	if err := NewListenerChecker(srv).CheckReady(context.Background()); err == nil {
		t.Error("CheckReady before binding returned nil")
	}
}
