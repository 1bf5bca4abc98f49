// Package web is the gateway's HTTP surface.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"riskgate/internal/approvals"
	"riskgate/internal/audit"
	"riskgate/internal/auth"
	"riskgate/internal/callctx"
	"riskgate/internal/integrity"
	"riskgate/internal/metrics"
	"riskgate/internal/pipeline"
)

// Gateway is the pipeline as the HTTP layer sees it.
type Gateway interface {
	Submit(ctx context.Context, raw callctx.RawCall) (pipeline.Outcome, error)
	Get(callID string) (pipeline.Outcome, error)
	Wait(ctx context.Context, callID string) (pipeline.Outcome, error)
	Cancel(ctx context.Context, callID string, actor callctx.Actor) (pipeline.Outcome, error)
	Approval(ctx context.Context, requestID string) (approvals.Request, error)
	Decide(ctx context.Context, requestID string, approver approvals.Approver, verdict approvals.Verdict, reason string) (approvals.Request, error)
	VerifyAudit(ctx context.Context, fromID string) (audit.VerifyResult, error)
	AuditEvents(ctx context.Context, fromSequence int64, limit int) ([]audit.Event, error)
	RegisterManifest(ctx context.Context, m integrity.Manifest, actor callctx.Actor) (integrity.Manifest, error)
	ActivateManifest(ctx context.Context, capabilityID string, actor callctx.Actor) (integrity.Manifest, error)
	RevokeManifest(ctx context.Context, capabilityID string, actor callctx.Actor, reason string) (integrity.Manifest, error)
	Manifest(ctx context.Context, capabilityID string) (integrity.Manifest, error)
}

type Server struct {
	Mux         *http.ServeMux
	Gateway     Gateway
	Auth        auth.Authenticator
	RateLimiter *RateLimiter
	ReadyChecks map[string]ReadyFunc
	Goroutines  *GoroutineTracker
	// AuditRoles may read and verify the audit log.
	AuditRoles []string
	// ManifestRoles may register capability manifests.
	ManifestRoles []string
	MaxWait       time.Duration
}

var marshalJSON = json.Marshal

const (
	maxRequestBody = 1 << 20 // 1 MB
	defaultMaxWait = 60 * time.Second
)

func NewServer(gw Gateway, authn auth.Authenticator) *Server {
	s := &Server{
		Mux:           http.NewServeMux(),
		Gateway:       gw,
		Auth:          authn,
		ReadyChecks:   map[string]ReadyFunc{},
		AuditRoles:    []string{"admin", "auditor"},
		ManifestRoles: []string{"admin"},
		MaxWait:       defaultMaxWait,
	}
	s.registerRoutes()
	return s
}

// Handler is the mux wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.Mux)
}

func (s *Server) withRateLimit(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			h.ServeHTTP(w, r)
			return
		}
		RateLimitMiddleware(s.RateLimiter)(h).ServeHTTP(w, r)
	})
}

func (s *Server) authenticated(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Middleware(s.Auth)(s.withRateLimit(h)).ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())

	s.Mux.Handle("/v1/calls", s.authenticated(s.handleCalls))
	s.Mux.Handle("/v1/calls/", s.authenticated(s.handleCallByID))
	s.Mux.Handle("/v1/approvals/", s.authenticated(s.handleApprovalByID))
	s.Mux.Handle("/v1/audit/verify", s.authenticated(s.handleAuditVerify))
	s.Mux.Handle("/v1/audit/events", s.authenticated(s.handleAuditEvents))
	s.Mux.Handle("/v1/manifests", s.authenticated(s.handleManifests))
	s.Mux.Handle("/v1/manifests/", s.authenticated(s.handleManifestByID))
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

// actorFor converts the verified identity into the call context actor.
func actorFor(id auth.Identity) callctx.Actor {
	return callctx.Actor{UserID: id.ID, TenantID: id.TenantID, Roles: id.Roles, Authenticated: true}
}

// splitResource parses "/prefix/{id}[/{verb}]".
func splitResource(path, prefix string) (id, verb string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

// readBody reads a bounded request body and validates it against the named
// schema. It writes the error response itself and returns ok=false on
// failure.
func readBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProblem(w, http.StatusRequestEntityTooLarge, pipeline.KindInvalid, "request body too large")
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	fields, err := validateBody(schema, body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, pipeline.KindInvalid, "invalid json")
		return nil, false
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(pipeline.KindInvalid), Reason: "schema validation failed", Fields: fields})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := marshalJSON(v)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeProblem(w, http.StatusMethodNotAllowed, pipeline.KindInvalid, "method not allowed")
}
