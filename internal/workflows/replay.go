package workflows

import (
	"log/slog"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

type workflowRegistry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
}

// RegisterWorkflows registers the execution workflow under its stable name
// on a worker or replayer.
func RegisterWorkflows(r workflowRegistry) {
	if r == nil {
		return
	}
	r.RegisterWorkflowWithOptions(CapabilityExecutionWorkflow, workflow.RegisterOptions{Name: CapabilityExecutionWorkflowName})
}

var newReplayer = worker.NewWorkflowReplayer

// ReplayHistoryFile replays an exported workflow history against the
// registered workflow code. A non-nil error means the current code is not
// deterministic with respect to that history.
func ReplayHistoryFile(logger *slog.Logger, path string) error {
	if logger == nil {
		logger = slog.Default()
	}
	replayer := newReplayer()
	RegisterWorkflows(replayer)
	return replayer.ReplayWorkflowHistoryFromJSONFile(log.NewStructuredLogger(logger), path)
}
