package executor

import (
	"context"

	"go.copilot.dev/infra/go/agent"
	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
)

// Local runs the agent in-process against the orchestrator's own checkout.
// Coding tasks mutate the checkout directly, so CodingResult.Patch is always
// empty here.
type Local struct {
	runner  agent.Runner
	results store.ResultStore
}

// NewLocal returns an in-process Executor.
func NewLocal(runner agent.Runner, results store.ResultStore) *Local {
	return &Local{
		runner:  runner,
		results: results,
	}
}

// Execute implements Executor.
func (e *Local) Execute(ctx context.Context, spec *task.Spec) (task.Result, error) {
	if res, ok := cachedResult(ctx, e.results, spec); ok {
		return res, nil
	}
	if spec.RepoPath == "" {
		return nil, skerr.Fmt("task %s has no local checkout; the in-process executor requires one", spec.ID)
	}
	defer metrics2.NewTimer("copilot_local_execution", map[string]string{"kind": string(spec.Kind)}).Stop()
	raw, err := e.runner.Run(ctx, spec)
	if err != nil {
		// Not cached; a retry may succeed.
		return nil, skerr.Wrap(err)
	}
	res := task.ParseResult(raw, spec.Kind)
	storeResult(ctx, e.results, spec, res)
	return res, nil
}
