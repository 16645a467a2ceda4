package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.copilot.dev/infra/go/httputils"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
	"go.copilot.dev/infra/go/util"
)

// execLockPrefix marks a task as dispatched on a backend which cannot
// de-duplicate executions by name. A second dispatcher observing the sentinel
// waits for the result instead of starting another execution.
const execLockPrefix = "exec-lock:"

// JobServiceConfig configures the managed container-job-service executor.
type JobServiceConfig struct {
	// BaseURL of the job service API.
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// JobService dispatches each task as an execution of a pre-configured job
// template on a managed container-job service. The template carries all
// secrets; only the non-sensitive environment contract rides each execution.
// Unlike Kubernetes, every start request creates a new execution, so
// duplicate dispatch is suppressed with a State Store sentinel instead of a
// deterministic name.
type JobService struct {
	client  *http.Client
	cfg     JobServiceConfig
	results store.ResultStore
	dedup   store.DedupStore
}

// NewJobService returns a job-service-backed Executor. If httpClient is nil
// a default client is created.
func NewJobService(cfg JobServiceConfig, results store.ResultStore, dedup store.DedupStore, httpClient *http.Client) *JobService {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 40 * time.Minute
	}
	if httpClient == nil {
		httpClient = httputils.DefaultClientConfig().With2xxOnly().Client()
	}
	return &JobService{
		client:  httpClient,
		cfg:     cfg,
		results: results,
		dedup:   dedup,
	}
}

// executionStatus mirrors the job service's execution representation.
type executionStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Logs   string `json:"logs"`
}

// Execute implements Executor.
func (e *JobService) Execute(ctx context.Context, spec *task.Spec) (task.Result, error) {
	if res, ok := cachedResult(ctx, e.results, spec); ok {
		return res, nil
	}
	sentinel := execLockPrefix + spec.ID
	if e.dedup.IsSeen(ctx, sentinel) {
		sklog.Infof("Task %s already dispatched; waiting for its result.", spec.ID)
		return e.awaitResult(ctx, spec)
	}
	e.dedup.MarkSeen(ctx, sentinel, e.cfg.Timeout)

	res, err := e.runExecution(ctx, spec)
	if err != nil {
		// Errors are not cached, and neither is the dispatch: a sentinel left
		// behind by a failed execution would make retries within its TTL wait
		// for a result that is never coming.
		e.dedup.Unmark(ctx, sentinel)
		return nil, err
	}
	return res, nil
}

// runExecution starts the execution and polls it to a terminal state.
func (e *JobService) runExecution(ctx context.Context, spec *task.Spec) (task.Result, error) {
	name := task.JobName(spec.Kind, spec.ID)
	if err := e.startExecution(ctx, name, spec); err != nil {
		return nil, skerr.Wrap(err)
	}

	deadline := time.Now().Add(e.cfg.Timeout)
	for {
		if time.Now().After(deadline) {
			e.deleteExecution(ctx, name)
			return nil, &TimeoutError{TaskID: spec.ID, Timeout: e.cfg.Timeout}
		}
		status, err := e.getExecution(ctx, name)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		switch status.Status {
		case "succeeded":
			var res task.Result
			if raw, ok := e.results.GetResult(ctx, spec.ID); ok {
				res = task.ParseResult(raw, spec.Kind)
			} else {
				sklog.Warningf("Execution for task %s succeeded but left no result; using an empty summary.", spec.ID)
				res = task.ParseResult("", spec.Kind)
				storeResult(ctx, e.results, spec, res)
			}
			e.deleteExecution(ctx, name)
			return res, nil
		case "failed":
			e.deleteExecution(ctx, name)
			return nil, &FailureError{TaskID: spec.ID, Logs: status.Logs}
		}
		util.SleepCtx(ctx, e.cfg.PollInterval)
		if err := ctx.Err(); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
}

// awaitResult polls the result store until the concurrently-dispatched
// execution finishes or the deadline elapses.
func (e *JobService) awaitResult(ctx context.Context, spec *task.Spec) (task.Result, error) {
	deadline := time.Now().Add(e.cfg.Timeout)
	for {
		if raw, ok := e.results.GetResult(ctx, spec.ID); ok {
			return task.ParseResult(raw, spec.Kind), nil
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{TaskID: spec.ID, Timeout: e.cfg.Timeout}
		}
		util.SleepCtx(ctx, e.cfg.PollInterval)
		if err := ctx.Err(); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
}

func (e *JobService) startExecution(ctx context.Context, name string, spec *task.Spec) error {
	body, err := json.Marshal(map[string]interface{}{
		"name": name,
		"env":  spec.Env(),
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/executions", bytes.NewReader(body))
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "starting execution %s", name)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return skerr.Fmt("starting execution %s returned %d: %s", name, resp.StatusCode, string(b))
	}
	return nil
}

func (e *JobService) getExecution(ctx context.Context, name string) (*executionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/executions/"+name, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "polling execution %s", name)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, skerr.Fmt("polling execution %s returned %d", name, resp.StatusCode)
	}
	var status executionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &status, nil
}

// deleteExecution removes the execution. Best-effort.
func (e *JobService) deleteExecution(ctx context.Context, name string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.cfg.BaseURL+"/executions/"+name, nil)
	if err != nil {
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		sklog.Warningf("Failed to delete execution %s: %s", name, err)
		return
	}
	util.Close(resp.Body)
}
