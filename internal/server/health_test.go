package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func startHealthServer(t *testing.T) *HealthServer {
	t.Helper()
	h := NewHealthServer("127.0.0.1:0", quietLogger())
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func getStatus(t *testing.T, h *HealthServer, path string) (int, HealthStatus) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", h.Addr(), path))
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode %s response: %v", path, err)
	}
	return resp.StatusCode, status
}

func TestHealthzOK(t *testing.T) {
	h := startHealthServer(t)

	code, status := getStatus(t, h, "/healthz")
	if code != http.StatusOK {
		t.Errorf("healthz status code = %d", code)
	}
	if status.Status != "ok" {
		t.Errorf("healthz status = %q", status.Status)
	}
}

func TestHealthzShuttingDown(t *testing.T) {
	h := startHealthServer(t)
	h.SetShuttingDown()

	code, status := getStatus(t, h, "/healthz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("healthz status code = %d, want 503", code)
	}
	if status.Status != "shutting_down" {
		t.Errorf("healthz status = %q", status.Status)
	}
}

func TestHealthzDegradedGoroutine(t *testing.T) {
	h := startHealthServer(t)
	h.RegisterGoroutine("accept-loop")
	h.UnregisterGoroutine("accept-loop")

	code, status := getStatus(t, h, "/healthz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("healthz status code = %d, want 503", code)
	}
	if status.Status != "degraded" {
		t.Errorf("healthz status = %q", status.Status)
	}
	if status.Goroutines["accept-loop"] {
		t.Error("stopped goroutine reported healthy")
	}
}

func TestReadyzChecks(t *testing.T) {
	h := startHealthServer(t)
	h.RegisterReadinessCheck(NewFuncChecker("always_ok", func(context.Context) error { return nil }))

	code, status := getStatus(t, h, "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz status code = %d", code)
	}
	if !status.Checks["always_ok"].Healthy {
		t.Error("passing check reported unhealthy")
	}

	h.RegisterReadinessCheck(NewFuncChecker("always_fails", func(context.Context) error {
		return errors.New("dependency down")
	}))

	code, status = getStatus(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz status code = %d, want 503", code)
	}
	if status.Status != "not_ready" {
		t.Errorf("readyz status = %q", status.Status)
	}
	if status.Checks["always_fails"].Message != "dependency down" {
		t.Errorf("check message = %q", status.Checks["always_fails"].Message)
	}
}

func TestReadyzCheckTimeout(t *testing.T) {
	h := startHealthServer(t)
	h.SetReadinessTimeout(20 * time.Millisecond)
	h.RegisterReadinessCheck(NewFuncChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	code, _ := getStatus(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("readyz status code = %d, want 503", code)
	}
}

func TestExtraHandlerMounted(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", quietLogger())
	h.RegisterHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("metrics here"))
	}))
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", h.Addr()))
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status code = %d", resp.StatusCode)
	}
}
