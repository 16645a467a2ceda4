package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskIDs(t *testing.T) {
	require.Equal(t, "review:7:12:abc123", ReviewTaskID(7, 12, "abc123"))
	require.Equal(t, "review:7:12", ReviewTaskID(7, 12, ""))
	require.Equal(t, "mr-7-12-99", CommentTaskID(7, 12, 99))
	require.Equal(t, "PROJ-42", IssueTaskID("PROJ-42"))
}

func TestJobName(t *testing.T) {
	name := JobName(KindReview, "review:7:12:abc123")

	require.True(t, strings.HasPrefix(name, "copilot-review-"))
	require.LessOrEqual(t, len(name), 63)
	// DNS-1123 label charset.
	for _, c := range name {
		valid := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-'
		require.True(t, valid, "invalid character %q in %s", c, name)
	}

	// Deterministic per task ID, distinct across task IDs.
	require.Equal(t, name, JobName(KindReview, "review:7:12:abc123"))
	require.NotEqual(t, name, JobName(KindReview, "review:7:12:def456"))
}

func TestSerializeParseRoundTrip(t *testing.T) {
	serialized, err := SerializeResult(&CodingResult{
		Summary:    "did the thing",
		Patch:      "diff --git a/f b/f\n",
		BaseCommit: "abc123",
	})
	require.NoError(t, err)

	got := ParseResult(serialized, KindCoding)
	coding, ok := got.(*CodingResult)
	require.True(t, ok)
	require.Equal(t, "did the thing", coding.Summary)
	require.Equal(t, "abc123", coding.BaseCommit)
}

func TestParseResultDiscriminatorWinsOverKind(t *testing.T) {
	// A serialized review result parses as a review even if the caller
	// expected a coding task.
	raw := `{"result_type":"review","summary":"looks fine"}`
	got := ParseResult(raw, KindCoding)
	review, ok := got.(*ReviewResult)
	require.True(t, ok)
	require.Equal(t, "looks fine", review.Summary)
}

func TestParseResultRawString(t *testing.T) {
	got := ParseResult("plain agent output", KindReview)
	review, ok := got.(*ReviewResult)
	require.True(t, ok)
	require.Equal(t, "plain agent output", review.Summary)

	got = ParseResult("plain agent output", KindCoding)
	coding, ok := got.(*CodingResult)
	require.True(t, ok)
	require.Equal(t, "plain agent output", coding.Summary)
	require.Empty(t, coding.Patch)
}

func TestParseResultUnknownDiscriminator(t *testing.T) {
	// JSON without a recognized result_type is treated as a raw string.
	raw := `{"result_type":"other","summary":"x"}`
	got := ParseResult(raw, KindReview)
	review, ok := got.(*ReviewResult)
	require.True(t, ok)
	require.Equal(t, raw, review.Summary)
}
