package orchestrator

import (
	"context"

	"go.copilot.dev/infra/go/git"
	"go.copilot.dev/infra/go/review"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/task"
)

const reviewFailedNote = "⚠️ Automated review failed."

// reviewDedupKey returns the dedup key for an MR event. With review-on-push
// enabled each head commit gets its own review; otherwise one review per MR.
func (o *Orchestrator) reviewDedupKey(ev *MREvent) string {
	if o.cfg.GitLabReviewOnPush {
		return task.ReviewTaskID(ev.ProjectID, ev.MRIID, ev.HeadCommit)
	}
	return task.ReviewTaskID(ev.ProjectID, ev.MRIID, "")
}

// HandleMRReview runs the automated review flow for one MR event.
func (o *Orchestrator) HandleMRReview(ctx context.Context, ev *MREvent) error {
	dedupKey := o.reviewDedupKey(ev)
	if o.st.IsSeen(ctx, dedupKey) {
		sklog.Debugf("Skipping already-reviewed %s", dedupKey)
		return nil
	}
	sklog.Infof("Reviewing MR %d/%d at %s", ev.ProjectID, ev.MRIID, ev.HeadCommit)

	err := o.locks.With(ctx, ev.CloneURL, func(ctx context.Context) error {
		co, err := git.Clone(ctx, ev.CloneURL, ev.SourceBranch, o.cfg.GitLabToken)
		if err != nil {
			return skerr.Wrap(err)
		}
		defer co.Delete()

		res, err := o.exec.Execute(ctx, &task.Spec{
			Kind:         task.KindReview,
			ID:           task.ReviewTaskID(ev.ProjectID, ev.MRIID, ev.HeadCommit),
			RepoURL:      ev.CloneURL,
			Branch:       ev.SourceBranch,
			SystemPrompt: reviewSystemPrompt,
			UserPrompt:   reviewUserPrompt(ev),
			RepoPath:     co.Dir(),
		})
		if err != nil {
			return skerr.Wrap(err)
		}

		findings, summary := review.Parse(res.SummaryText())
		mrDiff, err := o.gl.GetMRDiff(ctx, ev.ProjectID, ev.MRIID)
		if err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(o.poster.Post(ctx, ev.ProjectID, ev.MRIID, mrDiff, findings, summary))
	})
	if err != nil {
		o.reviewFailures.Inc(1)
		sklog.Errorf("Review of MR %d/%d failed: %s", ev.ProjectID, ev.MRIID, err)
		o.postNoteBestEffort(ctx, ev.ProjectID, ev.MRIID, reviewFailedNote)
		// Not marked as seen: transient failures get retried by the next
		// poll cycle or webhook redelivery.
		return err
	}
	o.st.MarkSeen(ctx, dedupKey, dedupTTL)
	return nil
}
