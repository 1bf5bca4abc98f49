package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"riskgate/internal/metrics"
)

var ErrNoExecutor = errors.New("no executor configured")

// Request is what the sandbox receives for an approved call.
type Request struct {
	CallID       string          `json:"call_id"`
	CapabilityID string          `json:"capability_id"`
	TenantID     string          `json:"tenant_id"`
	ActorID      string          `json:"actor_id"`
	Environment  string          `json:"environment"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// Result is the sandbox's answer. Success=false with Error set is a
// capability failure; a non-nil error from Execute is a transport failure.
type Result struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Instrumented records outcome and latency of every execution.
type Instrumented struct {
	Next Executor
}

func (i Instrumented) Execute(ctx context.Context, req Request) (Result, error) {
	if i.Next == nil {
		return Result{}, ErrNoExecutor
	}
	start := time.Now()
	res, err := i.Next.Execute(ctx, req)
	metrics.ExecutorDuration.WithLabelValues(req.CapabilityID).Observe(time.Since(start).Seconds())
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !res.Success:
		outcome = "failure"
	}
	metrics.ExecutionsTotal.WithLabelValues(req.CapabilityID, outcome).Inc()
	return res, err
}
