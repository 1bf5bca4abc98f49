package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestHealthz(t *testing.T) {
	w := do(t, newTestServer(nil), http.MethodGet, "/healthz", "", "", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
}

func TestReadyzOK(t *testing.T) {
	srv := newTestServer(&fakeGateway{})
	srv.ReadyChecks["db"] = func(context.Context) error { return nil }
	w := do(t, srv, http.MethodGet, "/readyz", "", "", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestReadyzNoGateway(t *testing.T) {
	w := do(t, newTestServer(nil), http.MethodGet, "/readyz", "", "", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"gateway":"unavailable"`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	srv := newTestServer(&fakeGateway{})
	srv.ReadyChecks["db"] = func(context.Context) error { return errors.New("connection refused") }
	w := do(t, srv, http.MethodGet, "/readyz", "", "", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection refused") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestReadyzStoppedGoroutine(t *testing.T) {
	srv := newTestServer(&fakeGateway{})
	srv.Goroutines = NewGoroutineTracker()
	var wg sync.WaitGroup
	srv.Goroutines.Go(context.Background(), &wg, "sweeper", func(context.Context) error {
		return errors.New("store closed")
	})
	wg.Wait()
	w := do(t, srv, http.MethodGet, "/readyz", "", "", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"goroutine.sweeper":"store closed"`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestGoroutineTrackerCancelledIsStopped(t *testing.T) {
	tr := NewGoroutineTracker()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	tr.Go(ctx, &wg, "archiver", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if tr.Checks()["archiver"] != "ok" {
		t.Fatalf("checks: %v", tr.Checks())
	}
	cancel()
	wg.Wait()
	if got := tr.Checks()["archiver"]; got != "stopped" {
		t.Fatalf("status: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}
