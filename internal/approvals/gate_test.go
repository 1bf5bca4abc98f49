package approvals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"riskgate/internal/callctx"
	"riskgate/internal/policy"
	"riskgate/internal/risk"
	"riskgate/internal/riskengine"
)

var gateStart = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ApprovalEvent(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestGate() (*Gate, *clock, *recorder) {
	c := &clock{now: gateStart}
	g := NewGate(NewMemoryStore(), []Tier{
		{Name: "reviewer", Roles: []string{"reviewer"}, Timeout: time.Minute},
		{Name: "security_lead", Roles: []string{"security_lead"}, Timeout: time.Minute},
	})
	g.Now = c.Now
	n := 0
	g.NewID = func() string {
		n++
		return fmt.Sprintf("apr_%d", n)
	}
	rec := &recorder{}
	g.Listener = rec
	return g, c, rec
}

func assessment(tier risk.Tier, action risk.Action) riskengine.Assessment {
	return riskengine.Assessment{
		CallID:            "call_1",
		CapabilityID:      "data_write",
		BaseTier:          tier,
		Risk:              tier,
		Level:             float64(tier),
		Action:            action,
		RequiredApprovers: tier.RequiredApprovers(),
	}
}

var agentCtx = callctx.Context{Actor: callctx.Actor{UserID: "agent-1", TenantID: "acme", Roles: []string{"agent"}, Authenticated: true}}

func reviewer(id string) Approver {
	return Approver{ID: id, TenantID: "acme", Roles: []string{"reviewer"}}
}

type resolution struct {
	ch chan Request
}

func newResolution() *resolution {
	return &resolution{ch: make(chan Request, 4)}
}

func (r *resolution) fn(req Request) { r.ch <- req }

func (r *resolution) wait(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-r.ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
		return Request{}
	}
}

func (r *resolution) none(t *testing.T) {
	t.Helper()
	select {
	case req := <-r.ch:
		t.Fatalf("unexpected callback: %#v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateRequestQuorumOfOne(t *testing.T) {
	g, _, rec := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierMedium, risk.ActionFullReview), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if req.Status != StatusPending || req.RequiredCount != 1 || req.TierName != "reviewer" || !req.Deadline.Equal(gateStart.Add(time.Minute)) {
		t.Fatalf("request: %#v", req)
	}
	out, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, "looks fine")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusApproved || out.Reason != ReasonQuorum {
		t.Fatalf("request: %#v", out)
	}
	if got := res.wait(t); got.Status != StatusApproved {
		t.Fatalf("callback: %#v", got)
	}
	if g.PendingCount() != 0 {
		t.Fatalf("pending: %d", g.PendingCount())
	}
	stored, err := g.Get(context.Background(), req.ID)
	if err != nil || stored.Status != StatusApproved || len(stored.Decisions) != 1 {
		t.Fatalf("stored: %#v err %v", stored, err)
	}
	want := []EventKind{EventRequested, EventDecision, EventResolved}
	if fmt.Sprint(rec.kinds()) != fmt.Sprint(want) {
		t.Fatalf("events: %v", rec.kinds())
	}
}

func TestSingleRejectionResolves(t *testing.T) {
	g, _, _ := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierCritical, risk.ActionFullReview), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if req.RequiredCount != 3 {
		t.Fatalf("required: %d", req.RequiredCount)
	}
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, ""); err != nil {
		t.Fatalf("err: %v", err)
	}
	out, err := g.SubmitDecision(context.Background(), req.ID, reviewer("bob"), VerdictRejected, "no")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusRejected {
		t.Fatalf("status: %s", out.Status)
	}
	if got := res.wait(t); got.Status != StatusRejected {
		t.Fatalf("callback: %#v", got)
	}
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("carol"), VerdictApproved, ""); !errors.Is(err, ErrRequestResolved) {
		t.Fatalf("expected ErrRequestResolved, got %v", err)
	}
	res.none(t)
}

func TestSubmitDecisionRejectsWithoutStateChange(t *testing.T) {
	g, _, _ := newTestGate()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierHigh, risk.ActionFullReview), agentCtx, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, ""); err != nil {
		t.Fatalf("err: %v", err)
	}
	cases := []struct {
		name     string
		approver Approver
		verdict  Verdict
		want     error
	}{
		{"duplicate", reviewer("alice"), VerdictApproved, ErrDuplicateDecision},
		{"duplicate reject", reviewer("alice"), VerdictRejected, ErrDuplicateDecision},
		{"wrong role", Approver{ID: "mallory", TenantID: "acme", Roles: []string{"agent"}}, VerdictApproved, ErrUnauthorizedApprover},
		{"wrong tenant", Approver{ID: "eve", TenantID: "other", Roles: []string{"reviewer"}}, VerdictApproved, ErrUnauthorizedApprover},
		{"self approval", Approver{ID: "agent-1", TenantID: "acme", Roles: []string{"reviewer"}}, VerdictApproved, ErrUnauthorizedApprover},
		{"anonymous", Approver{TenantID: "acme", Roles: []string{"reviewer"}}, VerdictApproved, ErrUnauthorizedApprover},
		{"bad verdict", reviewer("bob"), Verdict("maybe"), ErrInvalidVerdict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := g.SubmitDecision(context.Background(), req.ID, c.approver, c.verdict, ""); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
	got, _ := g.Get(context.Background(), req.ID)
	if got.Status != StatusPending || len(got.Decisions) != 1 {
		t.Fatalf("request changed: %#v", got)
	}
	if _, err := g.SubmitDecision(context.Background(), "missing", reviewer("bob"), VerdictApproved, ""); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestConcurrentDecisionsSerialized(t *testing.T) {
	g, _, _ := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierCritical, risk.ActionFullReview), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every approver submits twice; exactly one of each pair lands.
			_, _ = g.SubmitDecision(context.Background(), req.ID, reviewer(fmt.Sprintf("r%d", i%10)), VerdictApproved, "")
		}(i)
	}
	wg.Wait()
	got := res.wait(t)
	if got.Status != StatusApproved || len(got.Decisions) != 3 {
		t.Fatalf("request: %#v", got)
	}
	seen := map[string]bool{}
	for _, d := range got.Decisions {
		if seen[d.ApproverID] {
			t.Fatalf("duplicate approver %s", d.ApproverID)
		}
		seen[d.ApproverID] = true
	}
	res.none(t)
}

func TestSweepEscalatesThenExpires(t *testing.T) {
	g, c, rec := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierHigh, risk.ActionFullReview), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, ""); err != nil {
		t.Fatalf("err: %v", err)
	}

	changed, err := g.SweepExpired(context.Background(), c.Now())
	if err != nil || len(changed) != 0 {
		t.Fatalf("early sweep changed=%d err=%v", len(changed), err)
	}

	c.Advance(time.Minute)
	changed, err = g.SweepExpired(context.Background(), c.Now())
	if err != nil || len(changed) != 1 {
		t.Fatalf("changed=%d err=%v", len(changed), err)
	}
	esc := changed[0]
	if esc.Status != StatusEscalated || esc.EscalationLevel != 1 || esc.TierName != "security_lead" {
		t.Fatalf("escalated: %#v", esc)
	}
	if len(esc.Decisions) != 0 || len(esc.PriorDecisions) != 1 || !esc.Deadline.Equal(c.Now().Add(time.Minute)) {
		t.Fatalf("escalation did not reset: %#v", esc)
	}
	// The previous tier's role no longer qualifies.
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("bob"), VerdictApproved, ""); !errors.Is(err, ErrUnauthorizedApprover) {
		t.Fatalf("expected ErrUnauthorizedApprover, got %v", err)
	}
	res.none(t)

	c.Advance(time.Minute)
	changed, err = g.SweepExpired(context.Background(), c.Now())
	if err != nil || len(changed) != 1 || changed[0].Status != StatusExpired || changed[0].Reason != ReasonNoTierLeft {
		t.Fatalf("changed=%#v err=%v", changed, err)
	}
	if got := res.wait(t); got.Status != StatusExpired {
		t.Fatalf("callback: %#v", got)
	}
	if _, err := g.SubmitDecision(context.Background(), req.ID, Approver{ID: "sec", TenantID: "acme", Roles: []string{"security_lead"}}, VerdictApproved, ""); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}
	want := []EventKind{EventRequested, EventDecision, EventEscalated, EventResolved}
	if fmt.Sprint(rec.kinds()) != fmt.Sprint(want) {
		t.Fatalf("events: %v", rec.kinds())
	}
}

func TestDecisionAfterDeadlineEscalatesInsteadOfCounting(t *testing.T) {
	g, c, rec := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierHigh, risk.ActionFullReview), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if req.RequiredCount != 2 {
		t.Fatalf("required: %d", req.RequiredCount)
	}
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, ""); err != nil {
		t.Fatalf("err: %v", err)
	}

	// No sweep runs between the deadline and the second vote.
	c.Advance(time.Hour)
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("bob"), VerdictApproved, ""); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}
	got, err := g.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.Status != StatusEscalated || got.TierName != "security_lead" {
		t.Fatalf("request: %#v", got)
	}
	if len(got.Decisions) != 0 || len(got.PriorDecisions) != 1 || got.PriorDecisions[0].ApproverID != "alice" {
		t.Fatalf("late vote was counted: %#v", got)
	}
	if !got.Deadline.Equal(c.Now().Add(time.Minute)) {
		t.Fatalf("deadline: %v", got.Deadline)
	}
	res.none(t)

	// The escalated tier still accepts its own approvers.
	sec := Approver{ID: "sec", TenantID: "acme", Roles: []string{"security_lead"}}
	if _, err := g.SubmitDecision(context.Background(), req.ID, sec, VerdictApproved, ""); err != nil {
		t.Fatalf("err: %v", err)
	}
	want := []EventKind{EventRequested, EventDecision, EventEscalated, EventDecision}
	if fmt.Sprint(rec.kinds()) != fmt.Sprint(want) {
		t.Fatalf("events: %v", rec.kinds())
	}
}

func TestDecisionAfterLastDeadlineExpires(t *testing.T) {
	g, c, _ := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierCritical, risk.ActionEscalate), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	c.Advance(time.Minute)
	sec := Approver{ID: "sec", TenantID: "acme", Roles: []string{"security_lead"}}
	if _, err := g.SubmitDecision(context.Background(), req.ID, sec, VerdictApproved, ""); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}
	got := res.wait(t)
	if got.Status != StatusExpired || got.Reason != ReasonNoTierLeft || len(got.Decisions) != 0 {
		t.Fatalf("callback: %#v", got)
	}
	if g.PendingCount() != 0 {
		t.Fatalf("pending: %d", g.PendingCount())
	}
}

func TestEscalateActionStartsAtSecondTier(t *testing.T) {
	g, _, _ := newTestGate()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierCritical, risk.ActionEscalate), agentCtx, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if req.EscalationLevel != 1 || req.TierName != "security_lead" {
		t.Fatalf("request: %#v", req)
	}
	if _, err := g.CreateRequest(context.Background(), assessment(risk.TierHigh, risk.ActionBlock), agentCtx, nil); err == nil {
		t.Fatalf("expected error for blocked call")
	}
}

func TestCancelResolvesExpired(t *testing.T) {
	g, _, _ := newTestGate()
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierMedium, risk.ActionFullReview), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	out, err := g.Cancel(context.Background(), req.ID, "caller gave up")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusExpired || out.Reason != "cancelled: caller gave up" {
		t.Fatalf("request: %#v", out)
	}
	res.wait(t)
	if _, err := g.Cancel(context.Background(), req.ID, ""); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}
}

func TestBypassPolicy(t *testing.T) {
	g, _, rec := newTestGate()
	g.Bypass = policy.Static{Enabled: true, MaxRisk: risk.TierLow}
	res := newResolution()
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierLow, risk.ActionProceed), agentCtx, res.fn)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if req.Status != StatusApproved || req.Reason != ReasonPolicyBypass {
		t.Fatalf("request: %#v", req)
	}
	res.none(t)
	if g.PendingCount() != 0 || len(rec.kinds()) != 0 {
		t.Fatalf("bypass must not open a request")
	}
	// Bypass never applies to actions that need review.
	req, err = g.CreateRequest(context.Background(), assessment(risk.TierLow, risk.ActionFullReview), agentCtx, nil)
	if err != nil || req.Status != StatusPending {
		t.Fatalf("request: %#v err %v", req, err)
	}
}

type failingBypass struct{}

func (failingBypass) AllowBypass(ctx context.Context, in policy.Input) (bool, error) {
	return true, errors.New("policy down")
}

func TestBypassPolicyErrorFailsClosed(t *testing.T) {
	g, _, _ := newTestGate()
	g.Bypass = failingBypass{}
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierLow, risk.ActionProceed), agentCtx, nil)
	if err != nil || req.Status != StatusPending || req.RequiredCount != 1 {
		t.Fatalf("request: %#v err %v", req, err)
	}
}

func TestRecoverExpiresOrphans(t *testing.T) {
	store := NewMemoryStore()
	orphan := Request{ID: "apr_old", Status: StatusPending, CreatedAt: gateStart}
	if err := store.SaveRequest(context.Background(), orphan); err != nil {
		t.Fatalf("err: %v", err)
	}
	g, _, _ := newTestGate()
	g.Store = store
	live, err := g.CreateRequest(context.Background(), assessment(risk.TierMedium, risk.ActionFullReview), agentCtx, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	n, err := g.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got, _ := g.Get(context.Background(), "apr_old")
	if got.Status != StatusExpired || got.Reason != ReasonRestart {
		t.Fatalf("orphan: %#v", got)
	}
	if got, _ := g.Get(context.Background(), live.ID); got.Status != StatusPending {
		t.Fatalf("live request touched: %#v", got)
	}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) SaveRequest(ctx context.Context, req Request) error {
	if s.fail {
		return errors.New("db down")
	}
	return s.MemoryStore.SaveRequest(ctx, req)
}

func TestSubmitDecisionStoreFailureRollsBack(t *testing.T) {
	g, _, _ := newTestGate()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	g.Store = store
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierMedium, risk.ActionFullReview), agentCtx, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	store.fail = true
	if _, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, ""); err == nil {
		t.Fatalf("expected error")
	}
	store.fail = false
	out, err := g.SubmitDecision(context.Background(), req.ID, reviewer("alice"), VerdictApproved, "")
	if err != nil || out.Status != StatusApproved || len(out.Decisions) != 1 {
		t.Fatalf("request: %#v err %v", out, err)
	}
}

type chanNotifier struct {
	ch chan Event
}

func (n chanNotifier) Notify(ctx context.Context, ev Event) error {
	n.ch <- ev
	return errors.New("delivery failed")
}

func TestNotifierIsFireAndForget(t *testing.T) {
	g, _, _ := newTestGate()
	n := chanNotifier{ch: make(chan Event, 4)}
	g.Notifier = Multi{n, nil}
	req, err := g.CreateRequest(context.Background(), assessment(risk.TierMedium, risk.ActionFullReview), agentCtx, nil)
	if err != nil {
		t.Fatalf("notification failure must not fail the request: %v", err)
	}
	select {
	case ev := <-n.ch:
		if ev.Kind != EventRequested || ev.Request.ID != req.ID {
			t.Fatalf("event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification not sent")
	}
}

func TestSweeperSweepOnce(t *testing.T) {
	g, c, _ := newTestGate()
	if _, err := g.CreateRequest(context.Background(), assessment(risk.TierMedium, risk.ActionFullReview), agentCtx, nil); err != nil {
		t.Fatalf("err: %v", err)
	}
	s := NewSweeper(g, "")
	s.Now = func() time.Time { return c.Now().Add(2 * time.Minute) }
	n, err := s.SweepOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if s.Schedule != defaultSweepSchedule {
		t.Fatalf("schedule: %s", s.Schedule)
	}
}

func TestSweeperRunValidation(t *testing.T) {
	if err := (&Sweeper{}).Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	g, _, _ := newTestGate()
	if err := (&Sweeper{Gate: g, Schedule: "not a schedule"}).Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewSweeper(g, "").Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	g, _, _ := newTestGate()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(g, "@every 1s").Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
