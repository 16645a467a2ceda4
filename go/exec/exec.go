/*
Package exec is a wrapper around the os/exec package that supports timeouts and
testing.

Example usage:

	// Simple command with argument:
	_, err := exec.RunCommand(ctx, &exec.Command{
		Name: "touch",
		Args: []string{"foo"},
		Dir:  "/tmp",
	})

	// More complicated example:
	output := bytes.Buffer{}
	err := exec.Run(ctx, &exec.Command{
		Name: "make",
		Args: []string{"all"},
		// Set environment:
		Env: []string{fmt.Sprintf("GOPATH=%s", projectGoPath)},
		// Set working directory:
		Dir: projectDir,
		// Capture output:
		CombinedOutput: &output,
		// Set a timeout:
		Timeout: 10 * time.Minute,
	})

	// Inject a Run function for testing:
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		...
		return nil
	})
*/
package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"go.copilot.dev/infra/go/sklog"
)

const (
	// TimeoutError is the error message returned when a command times out.
	TimeoutError = "command timed out"
)

type contextKey string

const contextKeyRunFn contextKey = "runFn"

// RunFn is the type of the function which actually executes a Command. It may
// be replaced via NewContext for testing.
type RunFn func(ctx context.Context, cmd *Command) error

// Command fully describes a subprocess to execute.
type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to a
	// binary or the name of a command that osexec.LookPath can find.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's
	// environment is used.
	Env []string
	// If Env is non-nil, adds the current process's PATH to Env.
	InheritPath bool
	// The working directory of the command. If empty, runs in the current
	// process's current directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// Sends the stdout of the command to this Writer, e.g. os.File or
	// bytes.Buffer.
	Stdout io.Writer
	// Sends the stderr of the command to this Writer.
	Stderr io.Writer
	// Sends the combined stdout and stderr of the command to this Writer, in
	// addition to Stdout and Stderr.
	CombinedOutput io.Writer
	// Time limit for the command to finish. No limit if not specified. On
	// timeout the process is killed.
	Timeout time.Duration
	// If true, the command being run is not logged. Set this when arguments
	// may contain credentials.
	Quiet bool
}

// String returns the command line represented by this Command.
func (c *Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// NewContext returns a context in which the given RunFn is used to execute
// all Commands. Intended for tests.
func NewContext(ctx context.Context, runFn RunFn) context.Context {
	return context.WithValue(ctx, contextKeyRunFn, runFn)
}

func getRunFn(ctx context.Context) RunFn {
	if fn := ctx.Value(contextKeyRunFn); fn != nil {
		return fn.(RunFn)
	}
	return DefaultRun
}

// squashWriters returns a single writer that writes to all non-nil writers,
// or nil if there are none.
func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			nonNil = append(nonNil, w)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

func createCmd(ctx context.Context, command *Command) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, command.Name, command.Args...)
	if len(command.Env) != 0 {
		cmd.Env = command.Env
		if command.InheritPath {
			cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	cmd.Stdout = squashWriters(command.Stdout, command.CombinedOutput)
	cmd.Stderr = squashWriters(command.Stderr, command.CombinedOutput)
	return cmd
}

// DefaultRun actually executes the Command; it is the RunFn used unless one
// has been injected via NewContext.
func DefaultRun(ctx context.Context, command *Command) error {
	if command.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}
	cmd := createCmd(ctx, command)
	if !command.Quiet {
		sklog.Debugf("Executing %s", command.String())
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %s", command.Name, err)
	}
	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s after %s: %s", TimeoutError, command.Timeout, command.Name)
	}
	return err
}

// Run runs command and waits for it to finish. Returns non-nil on failure or
// timeout.
func Run(ctx context.Context, command *Command) error {
	return getRunFn(ctx)(ctx, command)
}

// RunCommand runs the given Command and returns the combined stdout and
// stderr in addition to any error.
func RunCommand(ctx context.Context, command *Command) (string, error) {
	output := bytes.Buffer{}
	command.CombinedOutput = &output
	err := Run(ctx, command)
	return output.String(), err
}
