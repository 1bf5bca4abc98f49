package pipeline

import (
	"time"

	"riskgate/internal/executor"
)

type Status string

const (
	StatusRejected        Status = "rejected"
	StatusBlocked         Status = "blocked"
	StatusPendingApproval Status = "pending_approval"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusFailed          Status = "failed"
	StatusDenied          Status = "denied"
	StatusExpired         Status = "expired"
	StatusCancelled       Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s != "" && s != StatusPendingApproval && s != StatusExecuting
}

// Outcome reasons not taken from the risk engine or the approval gate.
const (
	ReasonContextInvalid      = "context_invalid"
	ReasonIntegrity           = "integrity_violation"
	ReasonBlocked             = "risk_blocked"
	ReasonPolicyBypass        = "policy_bypass"
	ReasonApproved            = "approved"
	ReasonExecutorError       = "executor_error"
	ReasonCapabilityFailed    = "capability_failed"
	ReasonCancelled           = "cancelled"
	ReasonApprovalUnavailable = "approval_unavailable"
	ReasonAuditUnavailable    = "audit_unavailable"
)

// Outcome is the externally visible state of one call.
type Outcome struct {
	CallID       string           `json:"call_id"`
	CapabilityID string           `json:"capability_id"`
	TenantID     string           `json:"tenant_id,omitempty"`
	ActorID      string           `json:"actor_id,omitempty"`
	Status       Status           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Indicators   []string         `json:"indicators,omitempty"`
	Risk         string           `json:"risk,omitempty"`
	Action       string           `json:"action,omitempty"`
	Level        float64          `json:"level,omitempty"`
	ApprovalID   string           `json:"approval_id,omitempty"`
	Result       *executor.Result `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

func (o Outcome) clone() Outcome {
	out := o
	out.Indicators = append([]string(nil), o.Indicators...)
	if o.Result != nil {
		r := *o.Result
		out.Result = &r
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
