package web

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const readyCheckTimeout = 2 * time.Second

// ReadyFunc reports whether a dependency can serve traffic.
type ReadyFunc func(context.Context) error

type loopState struct {
	running bool
	err     string
}

// GoroutineTracker records whether the gateway's background loops are still
// running so /readyz can report a dead sweeper or archiver.
type GoroutineTracker struct {
	mu    sync.Mutex
	loops map[string]loopState
}

func NewGoroutineTracker() *GoroutineTracker {
	return &GoroutineTracker{loops: map[string]loopState{}}
}

func (t *GoroutineTracker) update(name string, fn func(*loopState)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.loops[name]
	fn(&st)
	t.loops[name] = st
}

// Checks maps each loop to "ok", its last error, or "stopped".
func (t *GoroutineTracker) Checks() map[string]string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.loops))
	for name, st := range t.loops {
		switch {
		case st.running:
			out[name] = "ok"
		case st.err != "":
			out[name] = st.err
		default:
			out[name] = "stopped"
		}
	}
	return out
}

// Go runs fn in a goroutine tracked under name. An error returned while ctx
// is still live is reported by Checks.
func (t *GoroutineTracker) Go(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	if wg != nil {
		wg.Add(1)
	}
	t.update(name, func(st *loopState) { *st = loopState{running: true} })
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		err := fn(ctx)
		t.update(name, func(st *loopState) {
			st.running = false
			if err != nil && ctx.Err() == nil {
				st.err = err.Error()
			}
		})
	}()
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, readiness{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ok := true
	fail := func(name, msg string) {
		ok = false
		checks[name] = msg
	}

	if s.Gateway == nil {
		fail("gateway", "unavailable")
	}
	for name, check := range s.ReadyChecks {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			fail(name, err.Error())
			continue
		}
		checks[name] = "ok"
	}
	for name, status := range s.Goroutines.Checks() {
		if status != "ok" {
			fail("goroutine."+name, status)
			continue
		}
		checks["goroutine."+name] = status
	}

	if ok {
		writeJSON(w, http.StatusOK, readiness{Status: "ok", Checks: checks})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "unavailable", Checks: checks})
}
