package approvals

import (
	"errors"
	"time"

	"riskgate/internal/risk"
)

var (
	ErrRequestNotFound      = errors.New("approval request not found")
	ErrRequestResolved      = errors.New("approval request already resolved")
	ErrRequestExpired       = errors.New("approval request expired")
	ErrUnauthorizedApprover = errors.New("approver not authorized for this request")
	ErrDuplicateDecision    = errors.New("approver already decided on this request")
	ErrInvalidVerdict       = errors.New("verdict must be approved or rejected")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusEscalated Status = "escalated"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Open reports whether the request still accepts decisions.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusEscalated
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

func (v Verdict) Valid() bool {
	return v == VerdictApproved || v == VerdictRejected
}

// Resolution reasons recorded on terminal requests.
const (
	ReasonQuorum       = "quorum_reached"
	ReasonRejected     = "rejected_by_approver"
	ReasonNoTierLeft   = "no_escalation_tier_left"
	ReasonCancelled    = "cancelled"
	ReasonRestart      = "gateway_restart"
	ReasonPolicyBypass = "policy_bypass"
)

const (
	defaultTierTimeout   = 15 * time.Minute
	defaultSweepSchedule = "@every 15s"
)

// Tier is one level of the escalation chain.
type Tier struct {
	Name    string        `json:"name"`
	Roles   []string      `json:"roles"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultChain is reviewer, then security lead, then CISO.
func DefaultChain() []Tier {
	return []Tier{
		{Name: "reviewer", Roles: []string{"reviewer"}, Timeout: defaultTierTimeout},
		{Name: "security_lead", Roles: []string{"security_lead"}, Timeout: defaultTierTimeout},
		{Name: "ciso", Roles: []string{"ciso"}, Timeout: defaultTierTimeout},
	}
}

type Decision struct {
	ApproverID string    `json:"approver_id"`
	Verdict    Verdict   `json:"verdict"`
	Reason     string    `json:"reason,omitempty"`
	Tier       string    `json:"tier"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Approver is the identity submitting a decision, as supplied by the
// identity provider.
type Approver struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

func (a Approver) hasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range a.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type Request struct {
	ID              string      `json:"id"`
	CallID          string      `json:"call_id"`
	CapabilityID    string      `json:"capability_id"`
	TenantID        string      `json:"tenant_id"`
	RequesterID     string      `json:"requester_id"`
	Risk            risk.Tier   `json:"risk"`
	Level           float64     `json:"level"`
	Action          risk.Action `json:"action"`
	Indicators      []string    `json:"indicators,omitempty"`
	RequiredRoles   []string    `json:"required_roles"`
	RequiredCount   int         `json:"required_count"`
	Decisions       []Decision  `json:"decisions"`
	PriorDecisions  []Decision  `json:"prior_decisions,omitempty"`
	EscalationLevel int         `json:"escalation_level"`
	TierName        string      `json:"tier"`
	Status          Status      `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Deadline        time.Time   `json:"deadline"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
}

func (r Request) approvals() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Verdict == VerdictApproved {
			n++
		}
	}
	return n
}

func (r Request) hasDecisionFrom(approverID string) bool {
	for _, d := range r.Decisions {
		if d.ApproverID == approverID {
			return true
		}
	}
	return false
}

func (r Request) clone() Request {
	r.RequiredRoles = append([]string(nil), r.RequiredRoles...)
	r.Indicators = append([]string(nil), r.Indicators...)
	r.Decisions = append([]Decision(nil), r.Decisions...)
	r.PriorDecisions = append([]Decision(nil), r.PriorDecisions...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	return r
}
