package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.copilot.dev/infra/copilot/go/config"
	"go.copilot.dev/infra/go/git"
	"go.copilot.dev/infra/go/jira"
	"go.copilot.dev/infra/go/patch"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/task"
)

const issueNoChangesComment = "Agent found no changes to make"

// maxBranchAttempts bounds agent-branch disambiguation.
const maxBranchAttempts = 10

// HandleIssue runs the issue-driven coding flow for one issue in the trigger
// status. Transient clone failures leave the issue unprocessed so the next
// poll cycle retries; any other failure marks the issue processed after a
// best-effort comment.
func (o *Orchestrator) HandleIssue(ctx context.Context, issue *jira.Issue) error {
	if o.issueProcessed(issue.Key) {
		return nil
	}
	mapping, ok := o.cfg.JiraProjectMap[issue.Fields.Project.Key]
	if !ok {
		sklog.Warningf("Issue %s has no project mapping; ignoring.", issue.Key)
		return nil
	}
	sklog.Infof("Implementing issue %s in %s", issue.Key, mapping.CloneURL)

	err := o.locks.With(ctx, mapping.CloneURL, func(ctx context.Context) error {
		return o.implementIssue(ctx, issue, mapping)
	})
	if err != nil {
		o.codingFailures.Inc(1)
		sklog.Errorf("Issue %s failed: %s", issue.Key, err)
		var tce *git.TransientCloneError
		if errors.As(err, &tce) {
			// Leave the issue unprocessed; the next poll retries it.
			o.commentIssueBestEffort(ctx, issue.Key, fmt.Sprintf(
				"Automated coding failed: could not clone the repository after %d attempts. The task will retry on the next poll cycle.", tce.Attempts))
			return err
		}
		o.commentIssueBestEffort(ctx, issue.Key, "Automated coding failed. See the service logs for details.")
		o.markIssueProcessed(issue.Key)
		return err
	}
	o.markIssueProcessed(issue.Key)
	return nil
}

// implementIssue is the critical section of HandleIssue, run under the
// repository lock.
func (o *Orchestrator) implementIssue(ctx context.Context, issue *jira.Issue, mapping config.ProjectMapping) error {
	if err := o.jc.TransitionTo(ctx, issue.Key, o.cfg.JiraInProgressStatus); err != nil {
		return skerr.Wrap(err)
	}

	co, err := git.Clone(ctx, mapping.CloneURL, mapping.TargetBranch, o.cfg.GitLabToken)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer co.Delete()

	branch, err := o.agentBranch(ctx, co, issue.Key)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := co.CreateBranch(ctx, branch); err != nil {
		return skerr.Wrap(err)
	}
	if err := ensureIgnoreFile(co.Dir()); err != nil {
		// Not fatal; the agent may just produce scratch files in the tree.
		sklog.Warningf("Could not ensure ignore file for %s: %s", issue.Key, err)
	}

	res, err := o.exec.Execute(ctx, &task.Spec{
		Kind:         task.KindCoding,
		ID:           task.IssueTaskID(issue.Key),
		RepoURL:      mapping.CloneURL,
		Branch:       branch,
		SystemPrompt: codingSystemPrompt,
		UserPrompt:   issueUserPrompt(issue, mapping),
		RepoPath:     co.Dir(),
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	summary := res.SummaryText()
	if coding, ok := res.(*task.CodingResult); ok && coding.Patch != "" {
		if err := patch.Apply(ctx, co, coding.Patch, coding.BaseCommit); err != nil {
			return skerr.Wrap(err)
		}
	}

	dirty, err := co.HasChanges(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	if !dirty {
		return skerr.Wrap(o.jc.PostComment(ctx, issue.Key, issueNoChangesComment))
	}

	keyLower := strings.ToLower(issue.Key)
	title := fmt.Sprintf("feat(%s): %s", keyLower, issue.Fields.Summary)
	if err := co.CommitAll(ctx, agentName, agentEmail, title); err != nil {
		return skerr.Wrap(err)
	}
	if err := co.Push(ctx, branch); err != nil {
		return skerr.Wrap(err)
	}
	description := fmt.Sprintf("Automated implementation of %s.\n\n%s", issue.Key, summary)
	mr, err := o.gl.CreateMergeRequest(ctx, mapping.VCSProjectID, branch, mapping.TargetBranch, title, description)
	if err != nil {
		return skerr.Wrap(err)
	}

	// Best-effort: a failed transition must not roll back the opened MR.
	if err := o.jc.TransitionTo(ctx, issue.Key, o.cfg.JiraInReviewStatus); err != nil {
		sklog.Warningf("Could not transition %s to %q: %s", issue.Key, o.cfg.JiraInReviewStatus, err)
	}
	return skerr.Wrap(o.jc.PostComment(ctx, issue.Key, "Merge request opened: "+mr.WebURL))
}

// agentBranch picks the branch name agent/{key-lower}, suffixed when the
// remote already has it.
func (o *Orchestrator) agentBranch(ctx context.Context, co *git.Checkout, issueKey string) (string, error) {
	base := "agent/" + strings.ToLower(issueKey)
	candidate := base
	for i := 2; i <= maxBranchAttempts; i++ {
		out, err := co.Git(ctx, "ls-remote", "--heads", "origin", candidate)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		if strings.TrimSpace(out) == "" {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", skerr.Fmt("no free agent branch name for %s after %d attempts", issueKey, maxBranchAttempts)
}
