// Package git manages short-lived repository checkouts. A Checkout is a
// shallow clone of one branch in a temporary directory, owned by exactly one
// caller and deleted on release.
//
// Clone URLs may carry an access token; the token is embedded for the git
// subprocess only and is scrubbed from every error this package returns.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.copilot.dev/infra/go/exec"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/util"
)

const (
	cloneTimeout   = 120 * time.Second
	commandTimeout = 60 * time.Second

	cloneAttempts = 3

	// Redaction marker substituted for tokens in error messages.
	redacted = "***"
)

// cloneBackoffInterval is a variable so tests can shorten it.
var cloneBackoffInterval = 5 * time.Second

// SetCloneBackoffIntervalForTesting shortens the clone retry interval and
// returns a func restoring the previous value.
func SetCloneBackoffIntervalForTesting(d time.Duration) func() {
	old := cloneBackoffInterval
	cloneBackoffInterval = d
	return func() {
		cloneBackoffInterval = old
	}
}

// TransientCloneError indicates that a clone failed in a way which is likely
// to succeed on a later attempt (network blip, remote hiccup). Orchestrators
// which see this should not mark their work as processed.
type TransientCloneError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *TransientCloneError) Error() string {
	return fmt.Sprintf("clone of %s failed after %d attempts: %s", e.URL, e.Attempts, e.Last)
}

func (e *TransientCloneError) Unwrap() error {
	return e.Last
}

// IsTransientClone returns true iff the error is a TransientCloneError.
func IsTransientClone(err error) bool {
	var tce *TransientCloneError
	return errors.As(err, &tce)
}

// Checkout is a temporary working copy of one branch of a repository.
type Checkout struct {
	dir   string
	token string
}

// NewCheckout wraps an existing clone directory. Callers which clone via
// Clone never need this; it exists for working trees created elsewhere.
func NewCheckout(dir, token string) *Checkout {
	return &Checkout{
		dir:   dir,
		token: token,
	}
}

// Dir returns the working directory of the Checkout.
func (c *Checkout) Dir() string {
	return c.dir
}

// Delete removes the checkout directory. Safe to call from a defer on every
// exit path.
func (c *Checkout) Delete() {
	util.RemoveAll(c.dir)
}

// authURL embeds the token into the clone URL as oauth2:{token}@host.
func authURL(cloneURL, token string) (string, error) {
	if token == "" {
		return cloneURL, nil
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", skerr.Fmt("invalid clone URL")
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

// redact scrubs the token from a string, e.g. an error message produced by a
// git subprocess which echoes the remote URL.
func (c *Checkout) redact(s string) string {
	return Redact(s, c.token)
}

// Redact substitutes the token with "***" wherever it appears in s.
func Redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, redacted)
}

// Clone creates a shallow clone of the given branch in a new temporary
// directory. Transient failures are retried with exponential backoff; after
// the attempts are exhausted a TransientCloneError is returned.
func Clone(ctx context.Context, cloneURL, branch, token string) (*Checkout, error) {
	urlWithAuth, err := authURL(cloneURL, token)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	var dir string
	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		var err error
		dir, err = os.MkdirTemp("", "copilot-checkout-*")
		if err != nil {
			return backoff.Permanent(skerr.Wrapf(err, "creating checkout dir"))
		}
		output, err := exec.RunCommand(ctx, &exec.Command{
			Name:    "git",
			Args:    []string{"clone", "--depth=1", "--branch", branch, "--", urlWithAuth, dir},
			Timeout: cloneTimeout,
			// The URL contains the token.
			Quiet: true,
		})
		if err != nil {
			util.RemoveAll(dir)
			lastErr = skerr.Fmt("git clone failed: %s; output: %s", Redact(err.Error(), token), Redact(output, token))
			sklog.Warningf("Clone attempt %d/%d for %s failed: %s", attempt, cloneAttempts, cloneURL, lastErr)
			return lastErr
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cloneBackoffInterval
	expBackoff.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, cloneAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		// Anything other than a failed clone attempt (setup errors, context
		// cancellation) is not transient.
		if err != lastErr {
			return nil, skerr.Wrap(err)
		}
		return nil, &TransientCloneError{
			URL:      cloneURL,
			Attempts: cloneAttempts,
			Last:     lastErr,
		}
	}
	return &Checkout{
		dir:   dir,
		token: token,
	}, nil
}

// Git runs the given git command in the checkout and returns the combined
// output. Errors and output are token-redacted.
func (c *Checkout) Git(ctx context.Context, args ...string) (string, error) {
	output, err := exec.RunCommand(ctx, &exec.Command{
		Name:    "git",
		Args:    args,
		Dir:     c.dir,
		Timeout: commandTimeout,
		Quiet:   c.token != "",
	})
	if err != nil {
		return c.redact(output), skerr.Fmt("git %s: %s; output: %s", args[0], c.redact(err.Error()), c.redact(output))
	}
	return c.redact(output), nil
}

// Head returns the full commit hash of HEAD.
func (c *Checkout) Head(ctx context.Context) (string, error) {
	out, err := c.Git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", skerr.Wrap(err)
	}
	hash := strings.TrimSpace(out)
	if len(hash) != 40 {
		return "", skerr.Fmt("rev-parse returned invalid commit hash: %s", out)
	}
	return hash, nil
}

// CreateBranch creates and checks out a new local branch at HEAD.
func (c *Checkout) CreateBranch(ctx context.Context, name string) error {
	_, err := c.Git(ctx, "checkout", "-b", name)
	return skerr.Wrap(err)
}

// HasChanges returns true iff the working tree differs from HEAD, including
// untracked files.
func (c *Checkout) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.Git(ctx, "status", "--porcelain")
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given author identity.
func (c *Checkout) CommitAll(ctx context.Context, authorName, authorEmail, message string) error {
	if _, err := c.Git(ctx, "add", "-A"); err != nil {
		return skerr.Wrap(err)
	}
	_, err := c.Git(ctx,
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"commit", "-m", message)
	return skerr.Wrap(err)
}

// Push pushes the given local branch to origin.
func (c *Checkout) Push(ctx context.Context, branch string) error {
	_, err := c.Git(ctx, "push", "origin", "HEAD:refs/heads/"+branch)
	return skerr.Wrap(err)
}
