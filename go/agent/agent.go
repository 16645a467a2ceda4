// Package agent invokes the LLM coding agent. The agent itself is an
// external program; this package only defines the Runner boundary and the
// subprocess-based implementation used by the in-process executor.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.copilot.dev/infra/go/exec"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/task"
)

// DefaultTimeout bounds one agent session.
const DefaultTimeout = 30 * time.Minute

// Runner runs one agent session and returns the agent's raw output.
type Runner interface {
	Run(ctx context.Context, spec *task.Spec) (string, error)
}

// CmdRunner runs the agent as a subprocess in the task's checkout. Task
// parameters are passed through the environment contract; the agent binary is
// expected to read them, mutate the working tree (coding tasks), and print
// its result to stdout.
type CmdRunner struct {
	// Cmd is the agent executable, e.g. "copilot-agent".
	Cmd string
	// Args are fixed arguments prepended before every run.
	Args []string
	// Timeout bounds one session; DefaultTimeout if zero.
	Timeout time.Duration
}

// Run implements Runner.
func (r *CmdRunner) Run(ctx context.Context, spec *task.Spec) (string, error) {
	if spec.RepoPath == "" {
		return "", skerr.Fmt("in-process agent run requires a local checkout")
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	env := make([]string, 0, len(spec.Env()))
	for k, v := range spec.Env() {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	var stdout bytes.Buffer
	sklog.Infof("Running agent for task %s in %s", spec.ID, spec.RepoPath)
	err := exec.Run(ctx, &exec.Command{
		Name:        r.Cmd,
		Args:        r.Args,
		Dir:         spec.RepoPath,
		Env:         env,
		InheritPath: true,
		Stdout:      &stdout,
		Timeout:     timeout,
	})
	if err != nil {
		return "", skerr.Wrapf(err, "agent run for task %s", spec.ID)
	}
	return stdout.String(), nil
}

// RunnerFunc adapts a function to the Runner interface, for tests.
type RunnerFunc func(ctx context.Context, spec *task.Spec) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, spec *task.Spec) (string, error) {
	return f(ctx, spec)
}
