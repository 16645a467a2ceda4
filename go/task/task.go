// Package task defines the unit of agent work exchanged between orchestrators
// and executors: an immutable Spec describing what to run, and a Result sum
// type describing what the agent produced.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.copilot.dev/infra/go/skerr"
)

// Kind distinguishes review tasks from coding tasks.
type Kind string

const (
	KindReview Kind = "review"
	KindCoding Kind = "coding"
)

// Spec is an immutable request to run the agent.
type Spec struct {
	Kind         Kind   `json:"kind"`
	ID           string `json:"task_id"`
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	// RepoPath is set only when the executor runs in-process against a local
	// checkout.
	RepoPath string `json:"-"`
}

// Env returns the environment contract handed to a worker, as ordered
// key/value pairs. Only non-sensitive task parameters appear here; secrets
// reach workers via their job template, never per execution.
func (s *Spec) Env() map[string]string {
	payload, _ := json.Marshal(s)
	return map[string]string{
		"TASK_TYPE":     string(s.Kind),
		"TASK_ID":       s.ID,
		"REPO_URL":      s.RepoURL,
		"BRANCH":        s.Branch,
		"SYSTEM_PROMPT": s.SystemPrompt,
		"USER_PROMPT":   s.UserPrompt,
		"TASK_PAYLOAD":  string(payload),
	}
}

// ReviewTaskID builds the task ID for a review of the given MR head commit.
// An empty headCommit yields the coarser per-MR granularity used when
// re-review on push is disabled.
func ReviewTaskID(projectID, mrIID int64, headCommit string) string {
	if headCommit == "" {
		return fmt.Sprintf("review:%d:%d", projectID, mrIID)
	}
	return fmt.Sprintf("review:%d:%d:%s", projectID, mrIID, headCommit)
}

// CommentTaskID builds the task ID for a /copilot command comment.
func CommentTaskID(projectID, mrIID, noteID int64) string {
	return fmt.Sprintf("mr-%d-%d-%d", projectID, mrIID, noteID)
}

// IssueTaskID builds the task ID for an issue-driven coding run. The issue
// key is already globally unique.
func IssueTaskID(issueKey string) string {
	return issueKey
}

const maxJobNameLen = 63

// JobName derives a deterministic worker-job name from a task. Backends which
// de-duplicate by name turn double dispatch of the same task into an
// AlreadyExists, which the dispatcher resolves by polling the existing job.
func JobName(kind Kind, taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	name := fmt.Sprintf("copilot-%s-%s", kind, hex.EncodeToString(sum[:])[:16])
	name = strings.ToLower(name)
	sanitized := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			sanitized[i] = c
		} else {
			sanitized[i] = '-'
		}
	}
	name = string(sanitized)
	if len(name) > maxJobNameLen {
		name = name[:maxJobNameLen]
	}
	return name
}

// Result is what an executor hands back: either a ReviewResult or a
// CodingResult.
type Result interface {
	// SummaryText is the human-readable summary of the run.
	SummaryText() string
	isResult()
}

// ReviewResult is the outcome of a review task. Summary carries the agent's
// raw output, findings included.
type ReviewResult struct {
	Summary string
}

func (r *ReviewResult) SummaryText() string { return r.Summary }
func (r *ReviewResult) isResult()           {}

// CodingResult is the outcome of a coding task. Patch is empty when the
// executor ran in-process (the checkout already contains the mutations) and
// non-empty for remote executors, in which case BaseCommit names the commit
// the patch was produced against.
type CodingResult struct {
	Summary    string
	Patch      string
	BaseCommit string
}

func (r *CodingResult) SummaryText() string { return r.Summary }
func (r *CodingResult) isResult()           {}

const (
	resultTypeReview = "review"
	resultTypeCoding = "coding"
)

// wireResult is the serialized form, discriminated by result_type.
type wireResult struct {
	ResultType string `json:"result_type"`
	Summary    string `json:"summary"`
	Patch      string `json:"patch,omitempty"`
	BaseCommit string `json:"base_commit,omitempty"`
}

// SerializeResult encodes a Result for the result store.
func SerializeResult(r Result) (string, error) {
	var w wireResult
	switch v := r.(type) {
	case *ReviewResult:
		w = wireResult{ResultType: resultTypeReview, Summary: v.Summary}
	case *CodingResult:
		w = wireResult{ResultType: resultTypeCoding, Summary: v.Summary, Patch: v.Patch, BaseCommit: v.BaseCommit}
	default:
		return "", skerr.Fmt("unknown result type %T", r)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return string(b), nil
}

// ParseResult decodes a raw executor output. JSON carrying a result_type
// discriminator builds the matching variant; anything else is wrapped whole
// as the summary of a result matching the task kind.
func ParseResult(raw string, kind Kind) Result {
	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err == nil {
		switch w.ResultType {
		case resultTypeReview:
			return &ReviewResult{Summary: w.Summary}
		case resultTypeCoding:
			return &CodingResult{Summary: w.Summary, Patch: w.Patch, BaseCommit: w.BaseCommit}
		}
	}
	if kind == KindCoding {
		return &CodingResult{Summary: raw}
	}
	return &ReviewResult{Summary: raw}
}
