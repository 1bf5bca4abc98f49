package web

import (
	"errors"
	"net/http"
	"strconv"

	"riskgate/internal/audit"
	"riskgate/internal/pipeline"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type verifyResponse struct {
	audit.VerifyResult
	Error string `json:"error,omitempty"`
}

type eventsResponse struct {
	Events []audit.Event `json:"events"`
	Next   int64         `json:"next,omitempty"`
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, roles []string) bool {
	if identity(r).HasAnyRole(roles) {
		return true
	}
	writeProblem(w, http.StatusForbidden, pipeline.KindForbidden, "role required")
	return false
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireRole(w, r, s.AuditRoles) {
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	res, err := s.Gateway.VerifyAudit(r.Context(), r.URL.Query().Get("from"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{VerifyResult: res})
	case pipeline.KindOf(err) == pipeline.KindChainIntegrity:
		writeJSON(w, http.StatusConflict, verifyResponse{VerifyResult: res, Error: string(pipeline.KindChainIntegrity)})
	case errors.Is(err, audit.ErrEventNotFound):
		writeProblem(w, http.StatusNotFound, pipeline.KindNotFound, "from event not found")
	default:
		writeError(w, err)
	}
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireRole(w, r, s.AuditRoles) {
		return
	}
	if s.Gateway == nil {
		writeProblem(w, http.StatusServiceUnavailable, pipeline.KindUnavailable, "gateway unavailable")
		return
	}
	from, limit := parseEventPage(r)
	events, err := s.Gateway.AuditEvents(r.Context(), from, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := eventsResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []audit.Event{}
	}
	if len(events) == limit {
		resp.Next = events[len(events)-1].Sequence + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseEventPage reads from (sequence, default 1) and limit (default 100,
// max 1000).
func parseEventPage(r *http.Request) (int64, int) {
	from := int64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			from = n
		}
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return from, limit
}
