// Package executor runs agent tasks. Execute is idempotent per task ID: the
// first call does the work and stores the serialized result with a TTL, later
// calls observe the stored value. Errors are never cached, so a retried task
// can succeed.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
)

// ResultTTL is how long a completed task's result absorbs duplicate
// deliveries.
const ResultTTL = time.Hour

// Executor runs one task to completion and returns its result.
type Executor interface {
	Execute(ctx context.Context, spec *task.Spec) (task.Result, error)
}

// TimeoutError indicates the task did not reach a terminal state before its
// deadline. The remote job, if any, has been deleted.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s did not finish within %s", e.TaskID, e.Timeout)
}

// FailureError indicates the worker reached a failed terminal state. Logs
// carry whatever worker output could be retrieved, possibly nothing.
type FailureError struct {
	TaskID string
	Logs   string
}

func (e *FailureError) Error() string {
	if e.Logs == "" {
		return fmt.Sprintf("task %s failed; no worker logs available", e.TaskID)
	}
	return fmt.Sprintf("task %s failed; worker logs:\n%s", e.TaskID, e.Logs)
}

// cachedResult returns the stored result for the task, if one exists.
func cachedResult(ctx context.Context, results store.ResultStore, spec *task.Spec) (task.Result, bool) {
	raw, ok := results.GetResult(ctx, spec.ID)
	if !ok {
		return nil, false
	}
	return task.ParseResult(raw, spec.Kind), true
}

// storeResult persists the result. Best-effort: a store failure costs a
// duplicate execution later, not correctness.
func storeResult(ctx context.Context, results store.ResultStore, spec *task.Spec, res task.Result) {
	serialized, err := task.SerializeResult(res)
	if err != nil {
		sklog.Errorf("Failed to serialize result for task %s: %s", spec.ID, err)
		return
	}
	results.SetResult(ctx, spec.ID, serialized, ResultTTL)
}
