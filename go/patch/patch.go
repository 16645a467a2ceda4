// Package patch applies agent-produced patches to a local checkout. Patches
// arrive from remote workers and are untrusted: file header paths are
// validated against directory traversal before git ever sees them, and the
// patch base commit must match the local head.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.copilot.dev/infra/go/git"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/util"
)

// DivergedCloneError indicates the local checkout's head moved between the
// worker cloning the repository and the patch coming back.
type DivergedCloneError struct {
	LocalHead  string
	BaseCommit string
}

func (e *DivergedCloneError) Error() string {
	return fmt.Sprintf("clone diverged: local head %s does not match patch base %s", shortSHA(e.LocalHead), shortSHA(e.BaseCommit))
}

// IsDiverged returns true iff the error is a DivergedCloneError.
func IsDiverged(err error) bool {
	var dce *DivergedCloneError
	return errors.As(err, &dce)
}

func shortSHA(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// headerPrefixes are the unified-diff lines which name files on disk.
var headerPrefixes = []string{"diff --git ", "--- ", "+++ "}

// validate rejects patches whose file header lines reference paths with ".."
// components.
func validate(patchText string) error {
	for _, line := range strings.Split(patchText, "\n") {
		for _, prefix := range headerPrefixes {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			for _, p := range strings.Fields(line[len(prefix):]) {
				p = strings.TrimPrefix(p, "a/")
				p = strings.TrimPrefix(p, "b/")
				if p == "/dev/null" {
					continue
				}
				for _, part := range strings.Split(filepath.ToSlash(p), "/") {
					if part == ".." {
						return skerr.Fmt("patch rejected: header path %q contains a parent-directory component", p)
					}
				}
			}
		}
	}
	return nil
}

// Apply applies the patch to the checkout with a three-way merge. The
// checkout's head must equal baseCommit or a DivergedCloneError is returned.
// The patch is validated for path traversal before git apply is invoked.
func Apply(ctx context.Context, co *git.Checkout, patchText, baseCommit string) error {
	if err := validate(patchText); err != nil {
		return err
	}
	head, err := co.Head(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	if baseCommit != "" && head != baseCommit {
		return &DivergedCloneError{
			LocalHead:  head,
			BaseCommit: baseCommit,
		}
	}
	f, err := os.CreateTemp("", "copilot-patch-*.diff")
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.RemoveAll(f.Name())
	if _, err := f.WriteString(patchText); err != nil {
		_ = f.Close()
		return skerr.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return skerr.Wrap(err)
	}
	if _, err := co.Git(ctx, "apply", "--3way", f.Name()); err != nil {
		return skerr.Wrapf(err, "applying patch")
	}
	return nil
}
