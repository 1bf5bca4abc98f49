package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/callctx"
	"riskgate/internal/metrics"
	"riskgate/internal/policy"
	"riskgate/internal/risk"
	"riskgate/internal/riskengine"
)

const notifyTimeout = 10 * time.Second

// ResolveFunc receives a request once it reaches a terminal status.
type ResolveFunc func(Request)

// Listener observes every transition synchronously, in order. The pipeline
// uses it to write audit events.
type Listener interface {
	ApprovalEvent(ctx context.Context, ev Event)
}

// Gate owns the open approval requests. Each request is guarded by its own
// lock so decisions on different requests never contend.
type Gate struct {
	Store    Store
	Chain    []Tier
	Bypass   policy.BypassPolicy
	Listener Listener
	Notifier Notifier
	Now      func() time.Time
	NewID    func() string

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu        sync.Mutex
	req       Request
	onResolve ResolveFunc
	once      sync.Once
}

func NewGate(store Store, chain []Tier) *Gate {
	if store == nil {
		store = NewMemoryStore()
	}
	if len(chain) == 0 {
		chain = DefaultChain()
	}
	return &Gate{
		Store:   store,
		Chain:   chain,
		Now:     time.Now,
		NewID:   func() string { return "apr_" + uuid.NewString() },
		entries: map[string]*entry{},
	}
}

// CreateRequest opens an approval request for an assessed call. When the
// assessment is bypassable and the bypass policy allows it, the returned
// request is already approved, is not persisted and onResolve is never
// invoked.
func (g *Gate) CreateRequest(ctx context.Context, a riskengine.Assessment, cc callctx.Context, onResolve ResolveFunc) (Request, error) {
	if a.Action == risk.ActionBlock {
		return Request{}, errors.New("blocked calls cannot request approval")
	}
	now := g.now()
	if a.Action.Bypassable() && g.Bypass != nil {
		allowed, err := g.Bypass.AllowBypass(ctx, policy.InputFrom(a, cc))
		if err != nil {
			slog.Warn("bypass policy failed, requiring approval", "call_id", a.CallID, "error", err)
		} else if allowed {
			metrics.ApprovalsTotal.WithLabelValues("bypassed").Inc()
			return Request{
				ID:           g.newID(),
				CallID:       a.CallID,
				CapabilityID: a.CapabilityID,
				TenantID:     cc.Actor.TenantID,
				RequesterID:  cc.Actor.UserID,
				Risk:         a.Risk,
				Level:        a.Level,
				Action:       a.Action,
				Indicators:   a.IndicatorCodes(),
				Status:       StatusApproved,
				Reason:       ReasonPolicyBypass,
				CreatedAt:    now,
				Deadline:     now,
				ResolvedAt:   &now,
			}, nil
		}
	}

	chain := g.chain()
	level := startLevel(chain, a.Action)
	tier := chain[level]
	required := a.RequiredApprovers
	if required < 1 {
		required = 1
	}
	req := Request{
		ID:              g.newID(),
		CallID:          a.CallID,
		CapabilityID:    a.CapabilityID,
		TenantID:        cc.Actor.TenantID,
		RequesterID:     cc.Actor.UserID,
		Risk:            a.Risk,
		Level:           a.Level,
		Action:          a.Action,
		Indicators:      a.IndicatorCodes(),
		RequiredRoles:   append([]string(nil), tier.Roles...),
		RequiredCount:   required,
		EscalationLevel: level,
		TierName:        tier.Name,
		Status:          StatusPending,
		CreatedAt:       now,
		Deadline:        now.Add(tierTimeout(tier)),
	}
	if err := g.Store.SaveRequest(ctx, req); err != nil {
		return Request{}, fmt.Errorf("save approval request: %w", err)
	}
	e := &entry{req: req, onResolve: onResolve}
	g.mu.Lock()
	if g.entries == nil {
		g.entries = map[string]*entry{}
	}
	g.entries[req.ID] = e
	metrics.PendingApprovals.Set(float64(len(g.entries)))
	g.mu.Unlock()

	metrics.ApprovalsTotal.WithLabelValues(string(StatusPending)).Inc()
	g.emit(ctx, Event{Kind: EventRequested, Request: req.clone()})
	return req.clone(), nil
}

// SubmitDecision records one approver's verdict. Unauthorized and duplicate
// submissions are rejected without changing the request.
func (g *Gate) SubmitDecision(ctx context.Context, id string, approver Approver, verdict Verdict, reason string) (Request, error) {
	if !verdict.Valid() {
		return Request{}, ErrInvalidVerdict
	}
	e, err := g.lookup(ctx, id)
	if err != nil {
		return Request{}, err
	}
	e.mu.Lock()
	if !e.req.Status.Open() {
		e.mu.Unlock()
		return Request{}, closedError(e.req.Status)
	}
	if now := g.now(); !e.req.Deadline.After(now) {
		// The sweep has not caught up with this request yet. Votes never
		// count toward a tier whose deadline has passed.
		stale := e.req.TierName
		out, err := g.escalateLocked(ctx, e, now.UTC())
		e.mu.Unlock()
		if err != nil {
			return Request{}, err
		}
		g.fire(e, out)
		return Request{}, fmt.Errorf("%w: tier %s deadline passed", ErrRequestExpired, stale)
	}
	if !g.authorized(e.req, approver) {
		e.mu.Unlock()
		return Request{}, ErrUnauthorizedApprover
	}
	if e.req.hasDecisionFrom(approver.ID) {
		e.mu.Unlock()
		return Request{}, ErrDuplicateDecision
	}
	prev := e.req.clone()
	now := g.now()
	d := Decision{ApproverID: approver.ID, Verdict: verdict, Reason: reason, Tier: e.req.TierName, DecidedAt: now}
	e.req.Decisions = append(e.req.Decisions, d)
	switch {
	case verdict == VerdictRejected:
		e.req.resolve(StatusRejected, ReasonRejected, now)
	case e.req.approvals() >= e.req.RequiredCount:
		e.req.resolve(StatusApproved, ReasonQuorum, now)
	}
	if err := g.Store.SaveRequest(ctx, e.req); err != nil {
		e.req = prev
		e.mu.Unlock()
		return Request{}, fmt.Errorf("save approval decision: %w", err)
	}
	out := e.req.clone()
	g.emit(ctx, Event{Kind: EventDecision, Request: out, Decision: &d})
	g.finish(ctx, e)
	e.mu.Unlock()
	g.fire(e, out)
	return out, nil
}

// Escalate moves an open request to the next tier of the chain with fresh
// decisions and deadline, or expires it when the chain is exhausted.
func (g *Gate) Escalate(ctx context.Context, id string) (Request, error) {
	return g.escalateAt(ctx, id, g.now())
}

func (g *Gate) escalateAt(ctx context.Context, id string, now time.Time) (Request, error) {
	e, err := g.lookup(ctx, id)
	if err != nil {
		return Request{}, err
	}
	e.mu.Lock()
	if !e.req.Status.Open() {
		e.mu.Unlock()
		return Request{}, closedError(e.req.Status)
	}
	out, err := g.escalateLocked(ctx, e, now)
	e.mu.Unlock()
	if err != nil {
		return Request{}, err
	}
	g.fire(e, out)
	return out, nil
}

// escalateLocked moves an open request on e to the next tier, or expires it
// when the chain is exhausted. Caller holds e.mu and fires the callback.
func (g *Gate) escalateLocked(ctx context.Context, e *entry, now time.Time) (Request, error) {
	prev := e.req.clone()
	chain := g.chain()
	next := e.req.EscalationLevel + 1
	if next >= len(chain) {
		e.req.resolve(StatusExpired, ReasonNoTierLeft, now)
	} else {
		tier := chain[next]
		e.req.PriorDecisions = append(e.req.PriorDecisions, e.req.Decisions...)
		e.req.Decisions = nil
		e.req.EscalationLevel = next
		e.req.TierName = tier.Name
		e.req.RequiredRoles = append([]string(nil), tier.Roles...)
		e.req.Deadline = now.Add(tierTimeout(tier))
		e.req.Status = StatusEscalated
	}
	if err := g.Store.SaveRequest(ctx, e.req); err != nil {
		e.req = prev
		return Request{}, fmt.Errorf("save escalation: %w", err)
	}
	out := e.req.clone()
	if out.Status == StatusEscalated {
		metrics.ApprovalsTotal.WithLabelValues(string(StatusEscalated)).Inc()
		g.emit(ctx, Event{Kind: EventEscalated, Request: out})
	}
	g.finish(ctx, e)
	return out, nil
}

// SweepExpired escalates every open request whose deadline is at or before
// now and returns the requests it changed.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) ([]Request, error) {
	g.mu.Lock()
	live := make([]*entry, 0, len(g.entries))
	for _, e := range g.entries {
		live = append(live, e)
	}
	g.mu.Unlock()

	var due []string
	for _, e := range live {
		e.mu.Lock()
		if e.req.Status.Open() && !e.req.Deadline.After(now) {
			due = append(due, e.req.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(due)

	var out []Request
	var errs []error
	for _, id := range due {
		req, err := g.escalateAt(ctx, id, now.UTC())
		if errors.Is(err, ErrRequestResolved) || errors.Is(err, ErrRequestExpired) || errors.Is(err, ErrRequestNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, req)
	}
	return out, errors.Join(errs...)
}

// Cancel resolves an open request as expired on behalf of a cancelled call.
func (g *Gate) Cancel(ctx context.Context, id, reason string) (Request, error) {
	e, err := g.lookup(ctx, id)
	if err != nil {
		return Request{}, err
	}
	e.mu.Lock()
	if !e.req.Status.Open() {
		e.mu.Unlock()
		return Request{}, closedError(e.req.Status)
	}
	prev := e.req.clone()
	msg := ReasonCancelled
	if reason != "" {
		msg = ReasonCancelled + ": " + reason
	}
	e.req.resolve(StatusExpired, msg, g.now())
	if err := g.Store.SaveRequest(ctx, e.req); err != nil {
		e.req = prev
		e.mu.Unlock()
		return Request{}, fmt.Errorf("save cancellation: %w", err)
	}
	out := e.req.clone()
	g.finish(ctx, e)
	e.mu.Unlock()
	g.fire(e, out)
	return out, nil
}

// Recover expires requests a previous process left open. Their parked calls
// died with that process, so nothing could act on an approval.
func (g *Gate) Recover(ctx context.Context) (int, error) {
	open, err := g.Store.ListOpenRequests(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range open {
		g.mu.Lock()
		_, live := g.entries[req.ID]
		g.mu.Unlock()
		if live {
			continue
		}
		req.resolve(StatusExpired, ReasonRestart, g.now())
		if err := g.Store.SaveRequest(ctx, req); err != nil {
			return n, fmt.Errorf("recover %s: %w", req.ID, err)
		}
		metrics.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
		g.emit(ctx, Event{Kind: EventResolved, Request: req.clone()})
		n++
	}
	return n, nil
}

func (g *Gate) Get(ctx context.Context, id string) (Request, error) {
	g.mu.Lock()
	e, ok := g.entries[id]
	g.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.req.clone(), nil
	}
	return g.Store.GetRequest(ctx, id)
}

// PendingCount is the number of requests awaiting decisions.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Gate) lookup(ctx context.Context, id string) (*entry, error) {
	g.mu.Lock()
	e, ok := g.entries[id]
	g.mu.Unlock()
	if ok {
		return e, nil
	}
	req, err := g.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Open() {
		// Open in the store but not owned by this process.
		return nil, ErrRequestNotFound
	}
	return nil, closedError(req.Status)
}

func (g *Gate) authorized(req Request, approver Approver) bool {
	if approver.ID == "" || approver.TenantID == "" {
		return false
	}
	if approver.TenantID != req.TenantID {
		return false
	}
	if approver.ID == req.RequesterID {
		return false
	}
	return approver.hasAnyRole(req.RequiredRoles)
}

// finish must be called with e.mu held. Terminal requests leave the live set
// and emit their resolution.
func (g *Gate) finish(ctx context.Context, e *entry) {
	if e.req.Status.Open() {
		return
	}
	g.mu.Lock()
	delete(g.entries, e.req.ID)
	metrics.PendingApprovals.Set(float64(len(g.entries)))
	g.mu.Unlock()
	metrics.ApprovalsTotal.WithLabelValues(string(e.req.Status)).Inc()
	g.emit(ctx, Event{Kind: EventResolved, Request: e.req.clone()})
}

// fire runs the completion callback exactly once, outside every gate lock.
func (g *Gate) fire(e *entry, req Request) {
	if req.Status.Open() || e.onResolve == nil {
		return
	}
	e.once.Do(func() {
		go e.onResolve(req)
	})
}

func (g *Gate) emit(ctx context.Context, ev Event) {
	if g.Listener != nil {
		g.Listener.ApprovalEvent(ctx, ev)
	}
	if g.Notifier == nil || ev.Kind == EventDecision {
		return
	}
	n := g.Notifier
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := n.Notify(nctx, ev); err != nil {
			slog.Warn("approval notification failed", "request_id", ev.Request.ID, "kind", ev.Kind, "error", err)
		}
	}()
}

func (g *Gate) chain() []Tier {
	if len(g.Chain) == 0 {
		return DefaultChain()
	}
	return g.Chain
}

// startLevel places ESCALATE calls one tier up the chain.
func startLevel(chain []Tier, action risk.Action) int {
	if action >= risk.ActionEscalate && len(chain) > 1 {
		return 1
	}
	return 0
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Gate) newID() string {
	if g.NewID != nil {
		return g.NewID()
	}
	return "apr_" + uuid.NewString()
}

func (r *Request) resolve(status Status, reason string, at time.Time) {
	r.Status = status
	r.Reason = reason
	r.ResolvedAt = &at
}

func tierTimeout(t Tier) time.Duration {
	if t.Timeout <= 0 {
		return defaultTierTimeout
	}
	return t.Timeout
}

func closedError(status Status) error {
	if status == StatusExpired {
		return ErrRequestExpired
	}
	return ErrRequestResolved
}
