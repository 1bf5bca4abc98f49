package pipeline

import (
	"context"
	"log/slog"

	"riskgate/internal/approvals"
	"riskgate/internal/audit"
)

var approvalEventTypes = map[approvals.EventKind]audit.EventType{
	approvals.EventRequested: audit.EventApprovalRequested,
	approvals.EventDecision:  audit.EventApprovalDecision,
	approvals.EventEscalated: audit.EventApprovalEscalated,
	approvals.EventResolved:  audit.EventApprovalResolved,
}

// ApprovalEvent records approval gate transitions in the audit log.
func (o *Orchestrator) ApprovalEvent(ctx context.Context, ev approvals.Event) {
	typ, ok := approvalEventTypes[ev.Kind]
	if !ok {
		return
	}
	req := ev.Request
	details := map[string]any{
		"request_id":       req.ID,
		"status":           req.Status,
		"escalation_level": req.EscalationLevel,
		"tier":             req.TierName,
	}
	actorID := req.RequesterID
	switch ev.Kind {
	case approvals.EventRequested:
		details["required_roles"] = req.RequiredRoles
		details["required_count"] = req.RequiredCount
		details["deadline"] = req.Deadline
		details["risk"] = req.Risk.String()
	case approvals.EventDecision:
		if ev.Decision != nil {
			actorID = ev.Decision.ApproverID
			details["verdict"] = ev.Decision.Verdict
			details["reason"] = ev.Decision.Reason
		}
	case approvals.EventEscalated:
		details["deadline"] = req.Deadline
		details["prior_decisions"] = len(req.PriorDecisions)
	case approvals.EventResolved:
		details["reason"] = req.Reason
		details["approvals"] = len(req.Decisions)
	}
	if _, err := o.Audit.Append(context.WithoutCancel(ctx), audit.Entry{Type: typ, CallID: req.CallID, ActorID: actorID, Details: details}); err != nil {
		slog.Error("approval audit append failed", "request_id", req.ID, "call_id", req.CallID, "kind", ev.Kind, "error", err)
	}
}
