// Package review turns agent review output into merge-request comments. The
// agent's output is free text which usually embeds a JSON array of findings;
// Parse extracts them and Poster maps each finding onto a validated diff
// position, falling back to an unanchored note when a position is not inside
// the changed hunks.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.copilot.dev/infra/go/diff"
	"go.copilot.dev/infra/go/gitlab"
	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

const (
	// DefaultSummary is used when the agent output carries no summary text.
	DefaultSummary = "Review complete."

	summaryHeader = "## Code Review Summary"
)

// Severity levels for findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Finding is one structured review comment produced by the agent. Line is
// 1-based on the new side of the diff. Suggestion, when non-nil, is a
// verbatim replacement for the line span
// [Line-SuggestionStartOffset, Line+SuggestionEndOffset].
type Finding struct {
	File                  string
	Line                  int
	Severity              string
	Comment               string
	Suggestion            *string
	SuggestionStartOffset int
	SuggestionEndOffset   int
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

// Parse extracts findings and a summary from a free-text agent message. The
// first fenced json block containing a JSON array wins; without one, any
// bracket-balanced JSON array in the text is tried. If neither parses the
// whole output becomes the summary with zero findings.
func Parse(raw string) ([]*Finding, string) {
	if m := fencedJSON.FindStringSubmatchIndex(raw); m != nil {
		content := raw[m[2]:m[3]]
		if findings, ok := parseFindingArray(content); ok {
			return findings, summaryText(raw[m[1]:])
		}
	}
	if findings, end, ok := scanFindingArray(raw); ok {
		return findings, summaryText(raw[end:])
	}
	return nil, summaryText(raw)
}

// summaryText normalizes the text trailing the findings block.
func summaryText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSummary
	}
	return s
}

// scanFindingArray tries every bracket-balanced array candidate in s, in
// order, until one decodes into findings. The prose around the array may
// itself contain bracketed text (severity tags like "[critical]", index
// expressions), so a candidate which does not decode must not end the search.
// Returns the findings and the index just past the array.
func scanFindingArray(s string) ([]*Finding, int, bool) {
	for start := strings.Index(s, "["); start >= 0; {
		if arr, end := balancedArrayAt(s, start); arr != "" {
			if findings, ok := parseFindingArray(arr); ok && len(findings) > 0 {
				return findings, end, true
			}
		}
		next := strings.Index(s[start+1:], "[")
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return nil, 0, false
}

// balancedArrayAt returns the bracket-balanced array beginning at the "[" at
// start and the index just past it, or "" if the bracket never closes.
func balancedArrayAt(s string, start int) (string, int) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1
			}
		}
	}
	return "", 0
}

// wireFinding is the JSON shape of one array element. Line is a pointer so
// that a missing line is distinguishable from line 0.
type wireFinding struct {
	File                  string  `json:"file"`
	Line                  *int    `json:"line"`
	Severity              string  `json:"severity"`
	Comment               string  `json:"comment"`
	Suggestion            *string `json:"suggestion"`
	SuggestionStartOffset int     `json:"suggestion_start_offset"`
	SuggestionEndOffset   int     `json:"suggestion_end_offset"`
}

// parseFindingArray decodes a JSON array of findings, skipping malformed
// elements and elements missing required fields.
func parseFindingArray(s string) ([]*Finding, bool) {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &elements); err != nil {
		return nil, false
	}
	findings := make([]*Finding, 0, len(elements))
	for _, el := range elements {
		var w wireFinding
		if err := json.Unmarshal(el, &w); err != nil {
			sklog.Warningf("Skipping malformed finding element: %s", err)
			continue
		}
		if w.File == "" || w.Line == nil || w.Comment == "" {
			continue
		}
		severity := strings.ToLower(w.Severity)
		if severity != SeverityError && severity != SeverityWarning {
			severity = SeverityInfo
		}
		findings = append(findings, &Finding{
			File:                  w.File,
			Line:                  *w.Line,
			Severity:              severity,
			Comment:               w.Comment,
			Suggestion:            w.Suggestion,
			SuggestionStartOffset: max(w.SuggestionStartOffset, 0),
			SuggestionEndOffset:   max(w.SuggestionEndOffset, 0),
		})
	}
	return findings, true
}

// inlineBody renders the comment body for a finding, including the
// suggestion block when one is present.
func inlineBody(f *Finding) string {
	body := fmt.Sprintf("**[%s]** %s", strings.ToUpper(f.Severity), f.Comment)
	if f.Suggestion != nil {
		body += fmt.Sprintf("\n\n```suggestion:-%d+%d\n%s\n```", f.SuggestionStartOffset, f.SuggestionEndOffset, *f.Suggestion)
	}
	return body
}

// fallbackBody renders the unanchored note used when a finding's position is
// not inside the changed hunks. The trailing `file:line` is parsed by
// downstream tooling; keep the format stable.
func fallbackBody(f *Finding) string {
	return fmt.Sprintf("**[%s]** %s\n\n`%s:%d`", strings.ToUpper(f.Severity), f.Comment, f.File, f.Line)
}

// Poster posts findings and a summary to a merge request.
type Poster struct {
	gl           *gitlab.Client
	inlinePosted metrics2.Counter
	fallbackUsed metrics2.Counter
	postFailures metrics2.Counter
}

// NewPoster returns a Poster using the given client.
func NewPoster(gl *gitlab.Client) *Poster {
	return &Poster{
		gl:           gl,
		inlinePosted: metrics2.GetCounter("copilot_review_inline_comments"),
		fallbackUsed: metrics2.GetCounter("copilot_review_fallback_notes"),
		postFailures: metrics2.GetCounter("copilot_review_post_failures"),
	}
}

// Post maps the findings onto the diff and posts them, then posts the
// summary note. A failed finding post is logged and does not stop the rest;
// only a failed summary post is returned as an error.
func (p *Poster) Post(ctx context.Context, projectID, mrIID int64, mrDiff *gitlab.MRDiff, findings []*Finding, summary string) error {
	positions := diff.NewSidePositions(mrDiff.Changes)
	for _, f := range findings {
		if positions.Contains(f.File, f.Line) {
			if err := p.gl.PostInlineDiscussion(ctx, projectID, mrIID, mrDiff.Anchors, f.File, f.Line, inlineBody(f)); err == nil {
				p.inlinePosted.Inc(1)
				continue
			} else {
				sklog.Warningf("Inline discussion at %s:%d failed, falling back to note: %s", f.File, f.Line, err)
			}
		}
		if err := p.gl.PostNote(ctx, projectID, mrIID, fallbackBody(f)); err != nil {
			p.postFailures.Inc(1)
			sklog.Errorf("Fallback note for %s:%d failed: %s", f.File, f.Line, err)
			continue
		}
		p.fallbackUsed.Inc(1)
	}
	body := fmt.Sprintf("%s\n\n%s", summaryHeader, summary)
	return skerr.Wrapf(p.gl.PostNote(ctx, projectID, mrIID, body), "posting review summary")
}
