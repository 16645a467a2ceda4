package orchestrator

import (
	"fmt"

	"go.copilot.dev/infra/copilot/go/config"
	"go.copilot.dev/infra/go/jira"
)

const reviewSystemPrompt = `You are an automated code reviewer. Review the diff of the current branch against its merge target. Report findings as a fenced json code block containing a JSON array; each element has the fields "file", "line" (1-based, post-change), "severity" ("error", "warning" or "info") and "comment", plus optional "suggestion", "suggestion_start_offset" and "suggestion_end_offset" for a verbatim replacement of the surrounding lines. After the block, write a short overall summary of the change.`

const codingSystemPrompt = `You are an autonomous coding agent working in a checked-out git repository. Apply the requested change directly to the working tree. Do not commit. When you are done, print a short summary of what you changed and why.`

func reviewUserPrompt(ev *MREvent) string {
	return fmt.Sprintf("Review merge request !%d (%s -> %s).\n\nTitle: %s\n\nDescription:\n%s",
		ev.MRIID, ev.SourceBranch, ev.TargetBranch, ev.Title, ev.Description)
}

func commandUserPrompt(instruction string) string {
	return fmt.Sprintf("A reviewer asked for the following change on this merge request:\n\n%s", instruction)
}

func issueUserPrompt(issue *jira.Issue, mapping config.ProjectMapping) string {
	return fmt.Sprintf("Implement issue %s on a new branch off %s.\n\nSummary: %s\n\nDescription:\n%s",
		issue.Key, mapping.TargetBranch, issue.Fields.Summary, issue.DescriptionText())
}
