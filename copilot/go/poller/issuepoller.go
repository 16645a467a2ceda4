package poller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.copilot.dev/infra/copilot/go/config"
	"go.copilot.dev/infra/go/jira"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

// issueHandler is the part of the orchestrator the issue poller drives.
type issueHandler interface {
	HandleIssue(ctx context.Context, issue *jira.Issue) error
}

// issueSearcher is the part of the Jira client the issue poller reads from.
type issueSearcher interface {
	SearchJQL(ctx context.Context, jql string) ([]*jira.Issue, error)
}

// IssuePoller periodically queries the issue tracker for issues in the
// trigger status and hands them to the coding orchestrator.
type IssuePoller struct {
	handler  issueHandler
	searcher issueSearcher
	cfg      *config.Config
	interval time.Duration
}

// NewIssuePoller returns an IssuePoller.
func NewIssuePoller(handler issueHandler, searcher issueSearcher, cfg *config.Config, interval time.Duration) *IssuePoller {
	return &IssuePoller{
		handler:  handler,
		searcher: searcher,
		cfg:      cfg,
		interval: interval,
	}
}

// Start runs the poll loop until the context is cancelled.
func (p *IssuePoller) Start(ctx context.Context) {
	runLoop(ctx, "issue", p.interval, p.pollOnce)
}

// jql builds the trigger-status query across the configured project keys.
// Keys are sorted for a stable query string.
func (p *IssuePoller) jql() string {
	keys := make([]string, 0, len(p.cfg.JiraProjectMap))
	for key := range p.cfg.JiraProjectMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Sprintf("status = %q AND project IN (%s)", p.cfg.JiraTriggerStatus, strings.Join(keys, ", "))
}

// pollOnce runs the query and invokes the orchestrator once per issue. A
// failing issue does not block the rest of the batch; the first error is
// returned so the loop backs off.
func (p *IssuePoller) pollOnce(ctx context.Context) error {
	issues, err := p.searcher.SearchJQL(ctx, p.jql())
	if err != nil {
		return skerr.Wrap(err)
	}
	var firstErr error
	for _, issue := range issues {
		if _, ok := p.cfg.JiraProjectMap[issue.Fields.Project.Key]; !ok {
			sklog.Warningf("Issue %s matched the query but has no mapping; ignoring.", issue.Key)
			continue
		}
		if err := p.handler.HandleIssue(ctx, issue); err != nil && firstErr == nil {
			firstErr = skerr.Wrapf(err, "handling issue %s", issue.Key)
		}
	}
	return firstErr
}
