// Package chatops lets mapped Slack users act on approval requests through a
// slash command.
package chatops

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"riskgate/internal/approvals"
	"riskgate/internal/pipeline"
)

const (
	maxSlackBody = 64 << 10
	maxClockSkew = 5 * time.Minute
)

// Gateway is the slice of the pipeline the slash command drives.
type Gateway interface {
	Decide(ctx context.Context, requestID string, approver approvals.Approver, verdict approvals.Verdict, reason string) (approvals.Request, error)
	Approval(ctx context.Context, requestID string) (approvals.Request, error)
	Get(callID string) (pipeline.Outcome, error)
}

// SlackHandler serves "/riskgate approve|reject|request|call ..." commands.
// Users maps a Slack user id to the approver identity it acts as; unmapped
// users are refused.
type SlackHandler struct {
	SigningSecret string
	Gateway       Gateway
	Users         map[string]approvals.Approver
	Clock         func() time.Time
}

var readAll = io.ReadAll

func NewSlackHandler(secret string, gw Gateway, users map[string]approvals.Approver) *SlackHandler {
	return &SlackHandler{SigningSecret: secret, Gateway: gw, Users: users, Clock: time.Now}
}

func (h *SlackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Gateway == nil {
		http.Error(w, "gateway required", http.StatusInternalServerError)
		return
	}
	body, err := readAll(http.MaxBytesReader(w, r.Body, maxSlackBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if !h.verifySignature(r.Header, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	approver, ok := h.Users[values.Get("user_id")]
	if !ok {
		http.Error(w, "slack user not mapped to an approver", http.StatusForbidden)
		return
	}
	action, rest := splitFirst(strings.TrimSpace(values.Get("text")))
	switch action {
	case "approve":
		h.handleDecide(w, r, approver, approvals.VerdictApproved, rest)
	case "reject":
		h.handleDecide(w, r, approver, approvals.VerdictRejected, rest)
	case "request":
		h.handleRequest(w, r, approver, rest)
	case "call":
		h.handleCall(w, approver, rest)
	case "":
		http.Error(w, "missing command", http.StatusBadRequest)
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}

func (h *SlackHandler) handleDecide(w http.ResponseWriter, r *http.Request, approver approvals.Approver, verdict approvals.Verdict, text string) {
	requestID, reason := splitFirst(text)
	if requestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}
	if verdict == approvals.VerdictRejected && reason == "" {
		http.Error(w, "rejection needs a reason", http.StatusBadRequest)
		return
	}
	req, err := h.Gateway.Decide(r.Context(), requestID, approver, verdict, reason)
	if err != nil {
		slog.Info("slack decision refused", "request_id", requestID, "approver", approver.ID, "error", err)
		writeText(w, fmt.Sprintf("decision on %s refused: %s", requestID, refusal(err)))
		return
	}
	writeText(w, fmt.Sprintf("%s %s: request is %s (tier %s)", verdict, requestID, req.Status, req.TierName))
}

func (h *SlackHandler) handleRequest(w http.ResponseWriter, r *http.Request, approver approvals.Approver, requestID string) {
	if requestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}
	req, err := h.Gateway.Approval(r.Context(), requestID)
	if err != nil || req.TenantID != approver.TenantID {
		writeText(w, fmt.Sprintf("request %s not found", requestID))
		return
	}
	writeText(w, fmt.Sprintf("request %s for %s (%s risk, call %s): %s, %d decision(s), deadline %s",
		req.ID, req.CapabilityID, req.Risk, req.CallID, req.Status, len(req.Decisions), req.Deadline.UTC().Format(time.RFC3339)))
}

func (h *SlackHandler) handleCall(w http.ResponseWriter, approver approvals.Approver, callID string) {
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}
	out, err := h.Gateway.Get(callID)
	if err != nil || out.TenantID != approver.TenantID {
		writeText(w, fmt.Sprintf("call %s not found", callID))
		return
	}
	msg := fmt.Sprintf("call %s (%s): %s", out.CallID, out.CapabilityID, out.Status)
	if out.Reason != "" {
		msg += " - " + out.Reason
	}
	writeText(w, msg)
}

// refusal is the user-facing reason a decision was not accepted.
func refusal(err error) string {
	if kind := pipeline.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return "internal error"
}

func (h *SlackHandler) verifySignature(header http.Header, body []byte) bool {
	if h.SigningSecret == "" {
		return false
	}
	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return false
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	clock := h.Clock
	if clock == nil {
		clock = time.Now
	}
	skew := clock().Sub(time.Unix(parsed, 0))
	if skew > maxClockSkew || skew < -maxClockSkew {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.SigningSecret))
	_, _ = fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func splitFirst(text string) (string, string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", ""
	}
	first := parts[0]
	return first, strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), first))
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}
