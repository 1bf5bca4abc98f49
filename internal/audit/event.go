// Package audit keeps the append-only, hash-chained record of every gate
// decision. Each event commits to its predecessor's hash, so editing or
// dropping any persisted event breaks verification from that point on.
package audit

import (
	"encoding/json"
	"strings"
	"time"
)

type EventType string

const (
	EventCallReceived        EventType = "call.received"
	EventContextRejected     EventType = "context.rejected"
	EventIntegrityViolation  EventType = "integrity.violation"
	EventRiskAssessed        EventType = "risk.assessed"
	EventCallBlocked         EventType = "call.blocked"
	EventApprovalRequested   EventType = "approval.requested"
	EventApprovalDecision    EventType = "approval.decision"
	EventApprovalEscalated   EventType = "approval.escalated"
	EventApprovalResolved    EventType = "approval.resolved"
	EventCallExecuted        EventType = "call.executed"
	EventCallExecutionFailed EventType = "call.execution_failed"
	EventCallDenied          EventType = "call.denied"
	EventCallCancelled       EventType = "call.cancelled"
	EventManifestRegistered  EventType = "manifest.registered"
	EventManifestActivated   EventType = "manifest.activated"
	EventManifestRevoked     EventType = "manifest.revoked"
)

// GenesisHash is the previous hash of the first event in a chain.
var GenesisHash = hashPrefix + strings.Repeat("0", 64)

const hashPrefix = "sha256:"

type Event struct {
	Sequence          int64           `json:"sequence"`
	ID                string          `json:"id"`
	Type              EventType       `json:"type"`
	CallID            string          `json:"call_id,omitempty"`
	ActorID           string          `json:"actor_id,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	Details           json.RawMessage `json:"details,omitempty"`
	DetailsHash       string          `json:"details_hash"`
	PreviousEventHash string          `json:"previous_event_hash"`
	EventHash         string          `json:"event_hash"`
}

// Entry is what callers hand to Log.Append. Details is any JSON-encodable
// value; it is redacted and canonicalized before hashing.
type Entry struct {
	Type    EventType
	CallID  string
	ActorID string
	Details any
}

// Tip identifies the newest event in a chain. The zero Tip is an empty chain.
type Tip struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
}

func (t Tip) hash() string {
	if t.Hash == "" {
		return GenesisHash
	}
	return t.Hash
}

type VerifyResult struct {
	Valid           bool   `json:"valid"`
	Checked         int    `json:"checked"`
	BrokenAtEventID string `json:"broken_at_event_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}
