package orchestrator

import (
	"context"

	"go.copilot.dev/infra/go/git"
	"go.copilot.dev/infra/go/patch"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/task"
	"go.copilot.dev/infra/go/util"
)

const (
	noChangesNote     = "ℹ️ No file changes needed."
	commandFailedNote = "⚠️ Copilot task failed."
	maxCommitTitleLen = 72
)

// HandleMRComment runs the coding flow for a /copilot command on an MR.
func (o *Orchestrator) HandleMRComment(ctx context.Context, ev *NoteEvent) error {
	instruction, ok := ParseCommand(ev.Body)
	if !ok {
		return nil
	}
	if o.IsSelf(ev.AuthorUsername) {
		return nil
	}
	taskID := task.CommentTaskID(ev.ProjectID, ev.MRIID, ev.NoteID)
	if o.st.IsSeen(ctx, taskID) {
		return nil
	}
	sklog.Infof("Running /copilot command on MR %d/%d (note %d)", ev.ProjectID, ev.MRIID, ev.NoteID)

	err := o.locks.With(ctx, ev.CloneURL, func(ctx context.Context) error {
		co, err := git.Clone(ctx, ev.CloneURL, ev.SourceBranch, o.cfg.GitLabToken)
		if err != nil {
			return skerr.Wrap(err)
		}
		defer co.Delete()

		res, err := o.exec.Execute(ctx, &task.Spec{
			Kind:         task.KindCoding,
			ID:           taskID,
			RepoURL:      ev.CloneURL,
			Branch:       ev.SourceBranch,
			SystemPrompt: codingSystemPrompt,
			UserPrompt:   commandUserPrompt(instruction),
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
			return skerr.Wrap(o.gl.PostNote(ctx, ev.ProjectID, ev.MRIID, noChangesNote+"\n\n"+summary))
		}
		if err := co.CommitAll(ctx, agentName, agentEmail, "copilot: "+util.Truncate(instruction, maxCommitTitleLen)); err != nil {
			return skerr.Wrap(err)
		}
		if err := co.Push(ctx, ev.SourceBranch); err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(o.gl.PostNote(ctx, ev.ProjectID, ev.MRIID, "✅ Changes pushed.\n\n"+summary))
	})
	if err != nil {
		o.codingFailures.Inc(1)
		sklog.Errorf("/copilot command on MR %d/%d failed: %s", ev.ProjectID, ev.MRIID, err)
		o.postNoteBestEffort(ctx, ev.ProjectID, ev.MRIID, commandFailedNote)
		return err
	}
	o.st.MarkSeen(ctx, taskID, dedupTTL)
	return nil
}
