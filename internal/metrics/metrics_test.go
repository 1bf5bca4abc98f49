package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsNormalizedPath(t *testing.T) {
	counter := HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/calls/:id/cancel", "409")
	before := testutil.ToFloat64(counter)

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/calls/call_42/cancel", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status: %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("counter delta: %v", got)
	}
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200")
	before := testutil.ToFloat64(counter)
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("counter delta: %v", got)
	}
}

func TestHandlerExposesDomainMetrics(t *testing.T) {
	CallsTotal.WithLabelValues("PROCEED").Inc()
	IntegrityViolationsTotal.WithLabelValues("hash_mismatch").Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"riskgate_calls_total", "riskgate_integrity_violations_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("missing %s", name)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                                 "/",
		"/":                                "/",
		"/metrics":                         "/metrics",
		"/v1/calls":                        "/v1/calls",
		"/v1/calls/abc123":                 "/v1/calls/:id",
		"/v1/manifests/deploy/activate":    "/v1/manifests/:id/activate",
		"/v1/approvals/apr_1/decide/extra": "/v1/approvals/:id/decide",
		"/v1/audit/verify":                 "/v1/audit/verify",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
