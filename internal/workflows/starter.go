package workflows

import (
	"context"
	"errors"
	"time"

	"riskgate/internal/executor"
	"riskgate/internal/metrics"

	"go.temporal.io/sdk/client"
)

type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalExecutor implements executor.Executor by running
// CapabilityExecutionWorkflow on a Temporal cluster and waiting for it.
type TemporalExecutor struct {
	Client    workflowStarter
	TaskQueue string
	Timeout   time.Duration
}

func NewTemporalExecutor(c client.Client, taskQueue string) *TemporalExecutor {
	return &TemporalExecutor{Client: c, TaskQueue: taskQueue}
}

func (s *TemporalExecutor) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	if s == nil || s.Client == nil {
		return executor.Result{}, errors.New("temporal client required")
	}
	if req.CallID == "" {
		return executor.Result{}, errors.New("call_id required")
	}
	opts := client.StartWorkflowOptions{
		ID:        "call-" + req.CallID,
		TaskQueue: s.TaskQueue,
	}
	if s.Timeout > 0 {
		opts.WorkflowExecutionTimeout = s.Timeout
	}
	run, err := s.Client.ExecuteWorkflow(ctx, opts, CapabilityExecutionWorkflowName, req)
	if err != nil {
		metrics.WorkflowExecutionsTotal.WithLabelValues(CapabilityExecutionWorkflowName, "start_error").Inc()
		return executor.Result{}, err
	}
	var res executor.Result
	if err := run.Get(ctx, &res); err != nil {
		metrics.WorkflowExecutionsTotal.WithLabelValues(CapabilityExecutionWorkflowName, "error").Inc()
		return executor.Result{}, err
	}
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.WorkflowExecutionsTotal.WithLabelValues(CapabilityExecutionWorkflowName, outcome).Inc()
	return res, nil
}
