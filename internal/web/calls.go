package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"riskgate/internal/callctx"
	"riskgate/internal/pipeline"
)

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	body, ok := readBody(w, r, "call")
	if !ok {
		return
	}
	var raw callctx.RawCall
	if err := json.Unmarshal(body, &raw); err != nil {
		writeProblem(w, http.StatusBadRequest, pipeline.KindInvalid, "invalid json")
		return
	}
	// The actor is whoever the identity provider says it is, never the body.
	id := identity(r)
	authenticated := true
	raw.Actor = callctx.RawActor{UserID: id.ID, TenantID: id.TenantID, Roles: id.Roles, Authenticated: &authenticated}

	out, err := s.Gateway.Submit(r.Context(), raw)
	if err != nil {
		writeCallError(w, out, err)
		return
	}
	status := http.StatusOK
	if out.Status == pipeline.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	callID, verb, ok := splitResource(r.URL.Path, "/v1/calls/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	switch verb {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getCall(w, r, callID)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.cancelCall(w, r, callID)
	default:
		http.NotFound(w, r)
	}
}

// ownCall loads a call visible to the requesting tenant. Calls of other
// tenants are reported as missing.
func (s *Server) ownCall(w http.ResponseWriter, r *http.Request, callID string) (pipeline.Outcome, bool) {
	out, err := s.Gateway.Get(callID)
	if err != nil {
		writeError(w, err)
		return pipeline.Outcome{}, false
	}
	if out.TenantID != identity(r).TenantID {
		writeError(w, &pipeline.Error{Kind: pipeline.KindNotFound, CallID: callID, Err: pipeline.ErrCallNotFound})
		return pipeline.Outcome{}, false
	}
	return out, true
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request, callID string) {
	out, ok := s.ownCall(w, r, callID)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("wait"); raw != "" && !out.Status.Terminal() {
		wait, err := parseWait(raw, s.maxWait())
		if err != nil {
			writeProblem(w, http.StatusBadRequest, pipeline.KindInvalid, err.Error())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		out, err = s.Gateway.Wait(ctx, callID)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelCall(w http.ResponseWriter, r *http.Request, callID string) {
	if _, ok := s.ownCall(w, r, callID); !ok {
		return
	}
	out, err := s.Gateway.Cancel(r.Context(), callID, actorFor(identity(r)))
	if err != nil {
		writeCallError(w, out, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) maxWait() time.Duration {
	if s.MaxWait > 0 {
		return s.MaxWait
	}
	return defaultMaxWait
}

// parseWait accepts a Go duration ("30s") or whole seconds ("30"), capped
// at max.
func parseWait(raw string, max time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, fmt.Errorf("invalid wait %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	if d > max {
		d = max
	}
	return d, nil
}
