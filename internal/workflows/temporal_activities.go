package workflows

import (
	"context"

	"riskgate/internal/executor"
)

// Activities holds the worker-side dependencies of the execution workflow.
type Activities struct {
	Executor executor.Executor
}

func (a *Activities) ExecuteCapability(ctx context.Context, req executor.Request) (executor.Result, error) {
	if a == nil || a.Executor == nil {
		return executor.Result{}, executor.ErrNoExecutor
	}
	return a.Executor.Execute(ctx, req)
}
