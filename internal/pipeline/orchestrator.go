// Package pipeline runs every capability call through the gates in order:
// context validation, integrity, risk assessment, approval and execution.
// Every transition is written to the audit log, and a terminal outcome is
// only published after its audit event is appended.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"riskgate/internal/approvals"
	"riskgate/internal/audit"
	"riskgate/internal/callctx"
	"riskgate/internal/executor"
	"riskgate/internal/integrity"
	"riskgate/internal/metrics"
	"riskgate/internal/risk"
	"riskgate/internal/riskengine"
)

const tracerName = "riskgate/pipeline"

// Manifests is the integrity monitor as the orchestrator uses it.
type Manifests interface {
	Register(ctx context.Context, m integrity.Manifest, registeredBy string) (integrity.Manifest, error)
	Activate(ctx context.Context, capabilityID string, admin callctx.Actor) (integrity.Manifest, error)
	Revoke(ctx context.Context, capabilityID string, admin callctx.Actor, reason string) (integrity.Manifest, error)
	Get(ctx context.Context, capabilityID string) (integrity.Manifest, error)
	Verify(ctx context.Context, capabilityID string) integrity.Result
}

type Orchestrator struct {
	Engine    *riskengine.Engine
	Integrity Manifests
	Gate      *approvals.Gate
	Audit     *audit.Log
	Executor  executor.Executor
	Tracer    trace.Tracer
	Now       func() time.Time
	NewID     func() string
	// ExecTimeout bounds a single executor run. Zero means no bound beyond
	// the executor's own.
	ExecTimeout time.Duration

	mu    sync.Mutex
	calls map[string]*callState
}

type callState struct {
	mu      sync.Mutex
	call    callctx.Call
	outcome Outcome
	done    chan struct{}
}

// New wires the orchestrator as the gate's listener so approval transitions
// land in the audit log.
func New(engine *riskengine.Engine, monitor Manifests, gate *approvals.Gate, log *audit.Log, exec executor.Executor) *Orchestrator {
	o := &Orchestrator{
		Engine:    engine,
		Integrity: monitor,
		Gate:      gate,
		Audit:     log,
		Executor:  exec,
		Tracer:    otel.Tracer(tracerName),
		Now:       time.Now,
		NewID:     func() string { return "call_" + uuid.NewString() },
		calls:     map[string]*callState{},
	}
	if gate != nil {
		gate.Listener = o
	}
	return o
}

// Submit runs raw through the gates. It returns once the call is terminal
// or parked on an approval request; use Wait for the final outcome.
// Context and integrity failures come back as *Error alongside the outcome.
func (o *Orchestrator) Submit(ctx context.Context, raw callctx.RawCall) (Outcome, error) {
	ctx, span := o.tracer().Start(ctx, "pipeline.submit", trace.WithAttributes(attribute.String("capability", raw.CapabilityID)))
	defer span.End()

	now := o.now()
	st := &callState{
		outcome: Outcome{
			CallID:       o.newID(),
			CapabilityID: raw.CapabilityID,
			TenantID:     raw.Actor.TenantID,
			ActorID:      raw.Actor.UserID,
			SubmittedAt:  now,
		},
		done: make(chan struct{}),
	}
	span.SetAttributes(attribute.String("call_id", st.outcome.CallID))
	st.mu.Lock()
	o.track(st)

	execNow, err := o.gateLocked(ctx, st, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	if !execNow {
		out := st.outcome.clone()
		st.mu.Unlock()
		span.SetAttributes(attribute.String("status", string(out.Status)))
		return out, err
	}
	st.outcome.Status = StatusExecuting
	st.mu.Unlock()
	return o.execute(ctx, st, ReasonPolicyBypass)
}

// gateLocked runs every stage up to execution. It reports whether the call
// may run right away. Caller holds st.mu.
func (o *Orchestrator) gateLocked(ctx context.Context, st *callState, raw callctx.RawCall) (bool, error) {
	id := st.outcome.CallID
	if _, err := o.Audit.Append(ctx, audit.Entry{
		Type:    audit.EventCallReceived,
		CallID:  id,
		ActorID: raw.Actor.UserID,
		Details: map[string]any{
			"capability":  raw.CapabilityID,
			"environment": raw.Environment,
			"tenant":      raw.Actor.TenantID,
			"params":      raw.Params,
		},
	}); err != nil {
		// Nothing was recorded, so the call cannot proceed and there is no
		// chain entry to settle against.
		o.publishLocked(st, StatusFailed, ReasonAuditUnavailable)
		return false, &Error{Kind: KindUnavailable, Reason: ReasonAuditUnavailable, CallID: id, Err: err}
	}

	cc, err := o.validate(ctx, raw)
	if err != nil {
		perr := &Error{Kind: KindContextInvalid, Reason: ReasonContextInvalid, CallID: id, Err: err}
		var verr *callctx.ValidationError
		if errors.As(err, &verr) {
			perr.Fields = verr.Fields
		}
		if aerr := o.settleLocked(ctx, st, StatusRejected, ReasonContextInvalid, audit.EventContextRejected, map[string]any{"fields": perr.Fields}); aerr != nil {
			return false, aerr
		}
		return false, perr
	}
	st.outcome.TenantID = cc.Actor.TenantID
	st.outcome.ActorID = cc.Actor.UserID
	st.call = callctx.Call{
		ID:           id,
		CapabilityID: raw.CapabilityID,
		Context:      cc,
		Params:       raw.Params,
		Flags:        raw.Flags,
		Change:       raw.Change,
		Timestamp:    st.outcome.SubmittedAt,
	}

	if res := o.verifyIntegrity(ctx, raw.CapabilityID); !res.Valid {
		metrics.IntegrityViolationsTotal.WithLabelValues(res.Reason).Inc()
		st.outcome.Indicators = []string{res.Reason}
		perr := &Error{Kind: KindIntegrityViolation, Reason: res.Reason, CallID: id, Indicators: []string{res.Reason}}
		if aerr := o.settleLocked(ctx, st, StatusBlocked, ReasonIntegrity, audit.EventIntegrityViolation, res); aerr != nil {
			return false, aerr
		}
		return false, perr
	}

	a := o.assess(ctx, st.call)
	st.outcome.Risk = a.Risk.String()
	st.outcome.Action = a.Action.String()
	st.outcome.Level = a.Level
	st.outcome.Indicators = a.IndicatorCodes()
	if _, err := o.Audit.Append(ctx, audit.Entry{Type: audit.EventRiskAssessed, CallID: id, ActorID: cc.Actor.UserID, Details: a}); err != nil {
		o.publishLocked(st, StatusFailed, ReasonAuditUnavailable)
		return false, &Error{Kind: KindUnavailable, Reason: ReasonAuditUnavailable, CallID: id, Err: err}
	}

	if a.Action == risk.ActionBlock {
		reason := ReasonBlocked
		if len(a.BlockReasons) > 0 {
			reason = a.BlockReasons[0]
		}
		return false, o.settleLocked(ctx, st, StatusBlocked, reason, audit.EventCallBlocked, map[string]any{
			"block_reasons": a.BlockReasons,
			"indicators":    st.outcome.Indicators,
			"level":         a.Level,
		})
	}

	actx, span := o.tracer().Start(ctx, "pipeline.approval")
	req, err := o.Gate.CreateRequest(actx, a, cc, o.onResolve(id))
	span.End()
	if err != nil {
		slog.Error("approval request failed", "call_id", id, "error", err)
		return false, o.settleLocked(ctx, st, StatusDenied, ReasonApprovalUnavailable, audit.EventCallDenied, map[string]any{"error": err.Error()})
	}
	st.outcome.ApprovalID = req.ID
	if req.Status == approvals.StatusApproved {
		return true, nil
	}
	st.outcome.Status = StatusPendingApproval
	slog.Info("call awaiting approval", "call_id", id, "request_id", req.ID, "capability", raw.CapabilityID, "required", req.RequiredCount)
	return false, nil
}

func (o *Orchestrator) validate(ctx context.Context, raw callctx.RawCall) (callctx.Context, error) {
	_, span := o.tracer().Start(ctx, "pipeline.validate_context")
	defer span.End()
	cc, err := callctx.ValidateContext(raw)
	if err != nil {
		span.SetStatus(codes.Error, "context invalid")
	}
	return cc, err
}

// verifyIntegrity fails closed when no monitor is configured.
func (o *Orchestrator) verifyIntegrity(ctx context.Context, capabilityID string) integrity.Result {
	ctx, span := o.tracer().Start(ctx, "pipeline.integrity")
	defer span.End()
	if o.Integrity == nil {
		return integrity.Result{CapabilityID: capabilityID, Reason: integrity.ReasonStoreUnavailable}
	}
	res := o.Integrity.Verify(ctx, capabilityID)
	span.SetAttributes(attribute.Bool("valid", res.Valid))
	if !res.Valid {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}

func (o *Orchestrator) assess(ctx context.Context, call callctx.Call) riskengine.Assessment {
	_, span := o.tracer().Start(ctx, "pipeline.assess")
	defer span.End()
	a := o.Engine.Assess(call)
	metrics.CallsTotal.WithLabelValues(a.Action.String()).Inc()
	metrics.RiskLevel.Observe(a.Level)
	for _, f := range a.Findings {
		for _, code := range f.Codes() {
			metrics.DetectorIndicatorsTotal.WithLabelValues(f.Detector, code).Inc()
		}
	}
	span.SetAttributes(
		attribute.String("risk", a.Risk.String()),
		attribute.String("action", a.Action.String()),
		attribute.Float64("level", a.Level),
	)
	return a
}

// onResolve resumes a parked call once its approval request is terminal.
func (o *Orchestrator) onResolve(callID string) approvals.ResolveFunc {
	return func(req approvals.Request) {
		st := o.lookup(callID)
		if st == nil {
			return
		}
		ctx := context.Background()
		st.mu.Lock()
		if st.outcome.Status != StatusPendingApproval {
			st.mu.Unlock()
			return
		}
		details := map[string]any{"request_id": req.ID, "status": req.Status, "reason": req.Reason}
		switch req.Status {
		case approvals.StatusApproved:
			st.outcome.Status = StatusExecuting
			st.mu.Unlock()
			_, _ = o.execute(ctx, st, ReasonApproved)
			return
		case approvals.StatusRejected:
			_ = o.settleLocked(ctx, st, StatusDenied, req.Reason, audit.EventCallDenied, details)
		default:
			_ = o.settleLocked(ctx, st, StatusExpired, req.Reason, audit.EventCallDenied, details)
		}
		st.mu.Unlock()
	}
}

// execute hands an admitted call to the executor. Failures are recorded and
// never retried here.
func (o *Orchestrator) execute(ctx context.Context, st *callState, trigger string) (Outcome, error) {
	ctx, span := o.tracer().Start(ctx, "pipeline.execute", trace.WithAttributes(attribute.String("call_id", st.call.ID)))
	defer span.End()
	call := st.call
	req := executor.Request{
		CallID:       call.ID,
		CapabilityID: call.CapabilityID,
		TenantID:     call.Context.Actor.TenantID,
		ActorID:      call.Context.Actor.UserID,
		Environment:  call.Context.Environment,
		Params:       call.Params,
	}
	ectx := context.WithoutCancel(ctx)
	if o.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ectx, o.ExecTimeout)
		defer cancel()
	}
	var (
		res executor.Result
		err error
	)
	if o.Executor == nil {
		err = executor.ErrNoExecutor
	} else {
		res, err = o.Executor.Execute(ectx, req)
	}

	ctx = context.WithoutCancel(ctx)
	st.mu.Lock()
	defer st.mu.Unlock()
	var aerr error
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor error")
		st.outcome.Error = err.Error()
		aerr = o.settleLocked(ctx, st, StatusFailed, ReasonExecutorError, audit.EventCallExecutionFailed, map[string]any{
			"trigger": trigger,
			"error":   err.Error(),
		})
	case !res.Success:
		span.SetStatus(codes.Error, "capability failed")
		st.outcome.Result = &res
		st.outcome.Error = res.Error
		aerr = o.settleLocked(ctx, st, StatusFailed, ReasonCapabilityFailed, audit.EventCallExecutionFailed, map[string]any{
			"trigger": trigger,
			"error":   res.Error,
		})
	default:
		st.outcome.Result = &res
		aerr = o.settleLocked(ctx, st, StatusExecuted, trigger, audit.EventCallExecuted, map[string]any{
			"trigger": trigger,
			"output":  res.Output,
		})
	}
	return st.outcome.clone(), aerr
}

// settleLocked appends the terminal audit event and then publishes the
// outcome. Caller holds st.mu.
func (o *Orchestrator) settleLocked(ctx context.Context, st *callState, status Status, reason string, typ audit.EventType, details any) error {
	_, err := o.Audit.Append(ctx, audit.Entry{Type: typ, CallID: st.outcome.CallID, ActorID: st.outcome.ActorID, Details: details})
	if err != nil {
		slog.Error("terminal audit append failed", "call_id", st.outcome.CallID, "status", status, "error", err)
	}
	o.publishLocked(st, status, reason)
	if err != nil {
		return &Error{Kind: KindUnavailable, Reason: ReasonAuditUnavailable, CallID: st.outcome.CallID, Err: err}
	}
	return nil
}

func (o *Orchestrator) publishLocked(st *callState, status Status, reason string) {
	now := o.now()
	st.outcome.Status = status
	st.outcome.Reason = reason
	st.outcome.CompletedAt = &now
	metrics.CallOutcomesTotal.WithLabelValues(string(status)).Inc()
	close(st.done)
	slog.Info("call finished", "call_id", st.outcome.CallID, "capability", st.outcome.CapabilityID, "status", status, "reason", reason)
}

// Get returns the current outcome of a call.
func (o *Orchestrator) Get(callID string) (Outcome, error) {
	st := o.lookup(callID)
	if st == nil {
		return Outcome{}, &Error{Kind: KindNotFound, CallID: callID, Err: ErrCallNotFound}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.outcome.clone(), nil
}

// Wait blocks until the call is terminal or ctx is done. On ctx expiry it
// returns the current outcome with ctx's error.
func (o *Orchestrator) Wait(ctx context.Context, callID string) (Outcome, error) {
	st := o.lookup(callID)
	if st == nil {
		return Outcome{}, &Error{Kind: KindNotFound, CallID: callID, Err: ErrCallNotFound}
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		out, _ := o.Get(callID)
		return out, ctx.Err()
	}
	return o.Get(callID)
}

// Cancel withdraws a call that is still awaiting approval. Its request is
// resolved expired and the call ends cancelled. Only the submitting actor or
// an admin of the same tenant may cancel.
func (o *Orchestrator) Cancel(ctx context.Context, callID string, actor callctx.Actor) (Outcome, error) {
	st := o.lookup(callID)
	if st == nil {
		return Outcome{}, &Error{Kind: KindNotFound, CallID: callID, Err: ErrCallNotFound}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if actor.TenantID != st.outcome.TenantID || (actor.UserID != st.outcome.ActorID && !actor.HasRole("admin")) {
		return st.outcome.clone(), &Error{Kind: KindForbidden, Reason: "not the call's actor", CallID: callID}
	}
	if st.outcome.Status != StatusPendingApproval {
		return st.outcome.clone(), &Error{Kind: KindConflict, Reason: string(st.outcome.Status), CallID: callID, Err: ErrNotCancellable}
	}
	if _, err := o.Gate.Cancel(ctx, st.outcome.ApprovalID, "by "+actor.UserID); err != nil {
		if errors.Is(err, approvals.ErrRequestResolved) || errors.Is(err, approvals.ErrRequestExpired) || errors.Is(err, approvals.ErrRequestNotFound) {
			return st.outcome.clone(), &Error{Kind: KindConflict, Reason: "approval already resolved", CallID: callID, Err: ErrNotCancellable}
		}
		return st.outcome.clone(), err
	}
	err := o.settleLocked(context.WithoutCancel(ctx), st, StatusCancelled, ReasonCancelled, audit.EventCallCancelled, map[string]any{
		"request_id":   st.outcome.ApprovalID,
		"cancelled_by": actor.UserID,
	})
	return st.outcome.clone(), err
}

// Decide submits an approver's verdict on a pending request.
func (o *Orchestrator) Decide(ctx context.Context, requestID string, approver approvals.Approver, verdict approvals.Verdict, reason string) (approvals.Request, error) {
	req, err := o.Gate.SubmitDecision(ctx, requestID, approver, verdict, reason)
	if err != nil {
		return approvals.Request{}, approvalError(err)
	}
	return req, nil
}

func (o *Orchestrator) Approval(ctx context.Context, requestID string) (approvals.Request, error) {
	req, err := o.Gate.Get(ctx, requestID)
	if err != nil {
		return approvals.Request{}, approvalError(err)
	}
	return req, nil
}

// VerifyAudit replays the audit chain. A broken chain is reported to
// operators as a chain integrity error; it is never repaired here.
func (o *Orchestrator) VerifyAudit(ctx context.Context, fromID string) (audit.VerifyResult, error) {
	res, err := o.Audit.VerifyChain(ctx, fromID)
	if err != nil {
		return res, err
	}
	if !res.Valid {
		slog.Error("audit chain integrity failure", "event_id", res.BrokenAtEventID, "reason", res.Reason)
		return res, &Error{Kind: KindChainIntegrity, Reason: res.Reason, Indicators: []string{res.BrokenAtEventID}}
	}
	return res, nil
}

func (o *Orchestrator) AuditEvents(ctx context.Context, fromSequence int64, limit int) ([]audit.Event, error) {
	return o.Audit.ListEvents(ctx, fromSequence, limit)
}

// Prune forgets terminal calls completed before cutoff.
func (o *Orchestrator) Prune(cutoff time.Time) int {
	o.mu.Lock()
	states := make(map[string]*callState, len(o.calls))
	for id, st := range o.calls {
		states[id] = st
	}
	o.mu.Unlock()
	var stale []string
	for id, st := range states {
		st.mu.Lock()
		if st.outcome.Status.Terminal() && st.outcome.CompletedAt != nil && st.outcome.CompletedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		st.mu.Unlock()
	}
	o.mu.Lock()
	for _, id := range stale {
		delete(o.calls, id)
	}
	o.mu.Unlock()
	return len(stale)
}

func (o *Orchestrator) track(st *callState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]*callState{}
	}
	o.calls[st.outcome.CallID] = st
}

func (o *Orchestrator) lookup(callID string) *callState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[callID]
}

func (o *Orchestrator) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer(tracerName)
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return "call_" + uuid.NewString()
}
