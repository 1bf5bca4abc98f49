package workflows

import (
	"errors"
	"time"

	"riskgate/internal/executor"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	CapabilityExecutionWorkflowName = "CapabilityExecutionWorkflow"
	ExecuteCapabilityActivity       = "ExecuteCapability"
)

var defaultActivityTimeout = 10 * time.Minute

// CapabilityExecutionWorkflow runs one approved call as a single activity.
// The activity is attempted once; retrying a failed call is the caller's
// decision, made with a new call.
func CapabilityExecutionWorkflow(ctx workflow.Context, req executor.Request) (executor.Result, error) {
	if req.CallID == "" {
		return executor.Result{}, errors.New("call_id required")
	}
	if req.CapabilityID == "" {
		return executor.Result{}, errors.New("capability_id required")
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: defaultActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)
	logger.Info("executing capability", "call_id", req.CallID, "capability", req.CapabilityID)
	var res executor.Result
	if err := workflow.ExecuteActivity(ctx, ExecuteCapabilityActivity, req).Get(ctx, &res); err != nil {
		return executor.Result{}, err
	}
	return res, nil
}
