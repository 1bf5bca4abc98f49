package callctx

import (
	"encoding/json"
	"time"
)

// RawCall is a capability invocation as submitted by an agent, before any
// validation. Security-relevant fields are kept as strings so the validator
// can report exactly what was wrong with them.
type RawCall struct {
	CapabilityID string          `json:"capability_id"`
	Actor        RawActor        `json:"actor"`
	Environment  string          `json:"environment"`
	Network      RawNetwork      `json:"network"`
	Params       json.RawMessage `json:"params,omitempty"`
	Flags        RiskFlags       `json:"flags"`
	Change       Change          `json:"change"`
}

type RawActor struct {
	UserID        string   `json:"user_id"`
	TenantID      string   `json:"tenant_id"`
	Role          string   `json:"role"`
	Roles         []string `json:"roles,omitempty"`
	Authenticated *bool    `json:"authenticated,omitempty"`
}

type RawNetwork struct {
	SourceIP string `json:"source_ip,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

type Actor struct {
	UserID        string   `json:"user_id"`
	TenantID      string   `json:"tenant_id"`
	Roles         []string `json:"roles"`
	Authenticated bool     `json:"authenticated"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Network struct {
	SourceIP string `json:"source_ip,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

// Context is the validated, normalized form of a call's who/where.
type Context struct {
	Actor       Actor   `json:"actor"`
	Environment string  `json:"environment"`
	Network     Network `json:"network"`
}

// RiskFlags are the self-reported properties an agent declares alongside a
// call. The detectors read them; nothing here is trusted for authorization.
type RiskFlags struct {
	SelfValidated           bool     `json:"self_validated,omitempty"`
	ExternalCheck           bool     `json:"external_check,omitempty"`
	HiddenReasoning         bool     `json:"hidden_reasoning,omitempty"`
	ClaimsUrgency           bool     `json:"claims_urgency,omitempty"`
	RequestsReviewBypass    bool     `json:"requests_review_bypass,omitempty"`
	ClaimsSuccess           bool     `json:"claims_success,omitempty"`
	Evidence                []string `json:"evidence,omitempty"`
	DeclaredComplexity      string   `json:"declared_complexity,omitempty"`
	CompletionMS            int64    `json:"completion_ms,omitempty"`
	ReasoningStepCount      int      `json:"reasoning_step_count,omitempty"`
	OutOfScopeModifications bool     `json:"out_of_scope_modifications,omitempty"`
	DeclaredScope           []string `json:"declared_scope,omitempty"`
	ReasoningContradicts    bool     `json:"reasoning_contradicts_change,omitempty"`
	ClaimsNoCodeChanges     bool     `json:"claims_no_code_changes,omitempty"`
}

// Change is the optional code under review attached to a call.
type Change struct {
	Diff           string   `json:"diff,omitempty"`
	Code           string   `json:"code,omitempty"`
	ChangedFiles   []string `json:"changed_files,omitempty"`
	CoverageBefore *float64 `json:"coverage_before,omitempty"`
	CoverageAfter  *float64 `json:"coverage_after,omitempty"`
}

func (c Change) Empty() bool {
	return c.Diff == "" && c.Code == "" && len(c.ChangedFiles) == 0
}

// Call is one validated invocation flowing through the pipeline.
type Call struct {
	ID           string          `json:"id"`
	CapabilityID string          `json:"capability_id"`
	Context      Context         `json:"context"`
	Params       json.RawMessage `json:"params,omitempty"`
	Flags        RiskFlags       `json:"flags"`
	Change       Change          `json:"change"`
	Timestamp    time.Time       `json:"timestamp"`
}
