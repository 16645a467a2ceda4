package git

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.copilot.dev/infra/go/exec"
)

const testToken = "glpat-sekrit-token"

func TestCloneCommandLine(t *testing.T) {
	var got *exec.Command
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		got = cmd
		return nil
	})

	co, err := Clone(ctx, "https://gitlab.example.com/group/repo.git", "feature-x", testToken)
	require.NoError(t, err)
	defer co.Delete()

	require.Equal(t, "git", got.Name)
	require.Equal(t, "clone", got.Args[0])
	require.Contains(t, got.Args, "--depth=1")
	require.Contains(t, got.Args, "feature-x")
	// Auth is embedded as oauth2:{token}@host.
	require.Contains(t, got.Args, fmt.Sprintf("https://oauth2:%s@gitlab.example.com/group/repo.git", testToken))
	require.True(t, got.Quiet)
	require.Equal(t, cloneTimeout, got.Timeout)
}

func TestCloneTransientFailure(t *testing.T) {
	oldInterval := cloneBackoffInterval
	cloneBackoffInterval = time.Millisecond
	defer func() {
		cloneBackoffInterval = oldInterval
	}()

	attempts := 0
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		attempts++
		if cmd.CombinedOutput != nil {
			_, _ = cmd.CombinedOutput.Write([]byte("fatal: unable to access 'https://oauth2:" + testToken + "@gitlab.example.com/group/repo.git'"))
		}
		return fmt.Errorf("exit status 128")
	})

	_, err := Clone(ctx, "https://gitlab.example.com/group/repo.git", "main", testToken)
	require.Error(t, err)
	require.True(t, IsTransientClone(err))
	require.Equal(t, cloneAttempts, attempts)
	// The token never escapes in the error text.
	require.NotContains(t, err.Error(), testToken)
	require.Contains(t, err.Error(), redacted)
}

func TestCloneRetriesThenSucceeds(t *testing.T) {
	oldInterval := cloneBackoffInterval
	cloneBackoffInterval = time.Millisecond
	defer func() {
		cloneBackoffInterval = oldInterval
	}()

	attempts := 0
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("exit status 128")
		}
		return nil
	})

	co, err := Clone(ctx, "https://gitlab.example.com/group/repo.git", "main", "")
	require.NoError(t, err)
	defer co.Delete()
	require.Equal(t, 3, attempts)
}

func TestGitErrorRedaction(t *testing.T) {
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		if cmd.CombinedOutput != nil {
			_, _ = cmd.CombinedOutput.Write([]byte("remote: https://oauth2:" + testToken + "@host rejected"))
		}
		return fmt.Errorf("exit status 1 for %s", testToken)
	})
	co := &Checkout{dir: t.TempDir(), token: testToken}

	_, err := co.Git(ctx, "push", "origin", "HEAD:refs/heads/main")
	require.Error(t, err)
	require.NotContains(t, err.Error(), testToken)
	require.Contains(t, err.Error(), redacted)
}

func TestHead(t *testing.T) {
	const hash = "0123456789abcdef0123456789abcdef01234567"
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		require.Equal(t, []string{"rev-parse", "HEAD"}, cmd.Args)
		_, _ = cmd.CombinedOutput.Write([]byte(hash + "\n"))
		return nil
	})
	co := &Checkout{dir: t.TempDir()}

	got, err := co.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, hash, got)
}

func TestCommitAllSetsAuthor(t *testing.T) {
	var cmds [][]string
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		cmds = append(cmds, append([]string{cmd.Name}, cmd.Args...))
		return nil
	})
	co := &Checkout{dir: t.TempDir()}

	require.NoError(t, co.CommitAll(ctx, "Copilot Agent", "copilot-agent@noreply", "feat: change"))
	require.Len(t, cmds, 2)
	require.Equal(t, []string{"git", "add", "-A"}, cmds[0])
	joined := strings.Join(cmds[1], " ")
	require.Contains(t, joined, "user.name=Copilot Agent")
	require.Contains(t, joined, "user.email=copilot-agent@noreply")
	require.Contains(t, joined, "commit")
}

func TestHasChanges(t *testing.T) {
	outputs := []string{" M foo.go\n?? bar.go\n", "\n"}
	i := 0
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		_, _ = cmd.CombinedOutput.Write([]byte(outputs[i]))
		i++
		return nil
	})
	co := &Checkout{dir: t.TempDir()}

	dirty, err := co.HasChanges(ctx)
	require.NoError(t, err)
	require.True(t, dirty)

	clean, err := co.HasChanges(ctx)
	require.NoError(t, err)
	require.False(t, clean)
}
