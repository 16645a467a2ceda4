// Package orchestrator drives the three task flows end to end: automated MR
// review, /copilot command execution, and issue-driven implementation. Each
// flow acquires the repository lock, clones, calls the executor, applies side
// effects to the VCS or issue tracker, and marks the work processed.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.copilot.dev/infra/copilot/go/config"
	"go.copilot.dev/infra/copilot/go/repolock"
	"go.copilot.dev/infra/go/executor"
	"go.copilot.dev/infra/go/gitlab"
	"go.copilot.dev/infra/go/jira"
	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/review"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/util"
)

const (
	// Commit identity for every commit the agent pushes.
	agentName  = "Copilot Agent"
	agentEmail = "copilot-agent@noreply"

	// CommandPrefix triggers the MR-comment coding flow.
	CommandPrefix = "/copilot "

	// dedupTTL absorbs duplicate deliveries of the same event.
	dedupTTL = 24 * time.Hour
)

// MREvent describes a merge request to review, from a webhook or the poller.
type MREvent struct {
	ProjectID    int64
	MRIID        int64
	SourceBranch string
	TargetBranch string
	HeadCommit   string
	Title        string
	Description  string
	CloneURL     string
}

// NoteEvent describes an MR comment which may carry a /copilot command.
type NoteEvent struct {
	ProjectID      int64
	MRIID          int64
	NoteID         int64
	AuthorUsername string
	Body           string
	SourceBranch   string
	CloneURL       string
}

// ParseCommand extracts the instruction from a /copilot comment. The prefix
// match is case-insensitive.
func ParseCommand(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if len(body) < len(CommandPrefix) || !strings.EqualFold(body[:len(CommandPrefix)], CommandPrefix) {
		return "", false
	}
	return strings.TrimSpace(body[len(CommandPrefix):]), true
}

// Orchestrator owns the shared collaborators of all three flows.
type Orchestrator struct {
	cfg    *config.Config
	gl     *gitlab.Client
	jc     *jira.Client
	exec   executor.Executor
	st     store.Store
	locks  *repolock.Manager
	poster *review.Poster
	// self is the agent's own VCS identity, for the self-comment guard.
	self *gitlab.User

	mtx             sync.Mutex
	processedIssues util.StringSet

	reviewFailures metrics2.Counter
	codingFailures metrics2.Counter
}

// New returns an Orchestrator. jc may be nil when the issue-driven flow is
// not configured; self may be nil when the identity could not be resolved.
func New(cfg *config.Config, gl *gitlab.Client, jc *jira.Client, exec executor.Executor, st store.Store, self *gitlab.User) *Orchestrator {
	return &Orchestrator{
		cfg:             cfg,
		gl:              gl,
		jc:              jc,
		exec:            exec,
		st:              st,
		locks:           repolock.New(st, 0),
		poster:          review.NewPoster(gl),
		self:            self,
		processedIssues: util.NewStringSet(),
		reviewFailures:  metrics2.GetCounter("copilot_review_failures"),
		codingFailures:  metrics2.GetCounter("copilot_coding_failures"),
	}
}

// IsSelf returns true iff the username is the agent's own VCS identity.
func (o *Orchestrator) IsSelf(username string) bool {
	return o.self != nil && username == o.self.Username
}

// issueProcessed reports and records per-issue processing. The set is
// in-memory: a restart re-evaluates issues still in the trigger status, and
// the executor's result cache absorbs the re-run.
func (o *Orchestrator) issueProcessed(key string) bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.processedIssues[key]
}

func (o *Orchestrator) markIssueProcessed(key string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.processedIssues[key] = true
}

// postNoteBestEffort posts a failure note without letting a posting failure
// mask the error which triggered it.
func (o *Orchestrator) postNoteBestEffort(ctx context.Context, projectID, mrIID int64, body string) {
	if err := o.gl.PostNote(ctx, projectID, mrIID, body); err != nil {
		sklog.Errorf("Failed to post failure note on MR %d/%d: %s", projectID, mrIID, err)
	}
}

// commentIssueBestEffort is the issue-tracker counterpart of
// postNoteBestEffort.
func (o *Orchestrator) commentIssueBestEffort(ctx context.Context, issueKey, text string) {
	if err := o.jc.PostComment(ctx, issueKey, text); err != nil {
		sklog.Errorf("Failed to post failure comment on %s: %s", issueKey, err)
	}
}
