package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.copilot.dev/infra/copilot/go/config"
	"go.copilot.dev/infra/go/agent"
	"go.copilot.dev/infra/go/exec"
	"go.copilot.dev/infra/go/executor"
	"go.copilot.dev/infra/go/git"
	"go.copilot.dev/infra/go/gitlab"
	"go.copilot.dev/infra/go/jira"
	"go.copilot.dev/infra/go/mockhttpclient"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
)

func gitSetShortBackoff() func() {
	return git.SetCloneBackoffIntervalForTesting(time.Millisecond)
}

const (
	glURL    = "https://gitlab.example.com"
	jiraURL  = "https://example.atlassian.net"
	cloneURL = "https://gitlab.example.com/group/repo.git"
	headSHA  = "0123456789abcdef0123456789abcdef01234567"
)

// fakeGit mocks the git subprocess layer. Commands succeed by default;
// porcelain controls the output of status --porcelain.
type fakeGit struct {
	commands  [][]string
	porcelain string
	cloneErr  error
}

func (g *fakeGit) ctx() context.Context {
	return exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		g.commands = append(g.commands, append([]string{}, cmd.Args...))
		switch cmd.Args[0] {
		case "clone":
			return g.cloneErr
		case "rev-parse":
			_, err := cmd.CombinedOutput.Write([]byte(headSHA + "\n"))
			return err
		case "status":
			_, err := cmd.CombinedOutput.Write([]byte(g.porcelain))
			return err
		case "ls-remote":
			// No remote branch collisions.
			return nil
		default:
			return nil
		}
	})
}

func (g *fakeGit) ran(name string) bool {
	for _, args := range g.commands {
		for _, a := range args {
			if a == name {
				return true
			}
		}
	}
	return false
}

type fixture struct {
	orch    *Orchestrator
	urlMock *mockhttpclient.URLMock
	st      *store.Memory
	git     *fakeGit
}

func newFixture(t *testing.T, agentOutput string) *fixture {
	urlMock := mockhttpclient.NewURLMock()
	cfg := &config.Config{
		GitLabURL:            glURL,
		GitLabToken:          "glpat-x",
		GitLabReviewOnPush:   true,
		JiraURL:              jiraURL,
		JiraTriggerStatus:    "To Do",
		JiraInProgressStatus: "In Progress",
		JiraInReviewStatus:   "In Review",
		JiraProjectMap: map[string]config.ProjectMapping{
			"PROJ": {VCSProjectID: 7, CloneURL: cloneURL, TargetBranch: "main"},
		},
	}
	st := store.NewMemory()
	runner := agent.RunnerFunc(func(ctx context.Context, spec *task.Spec) (string, error) {
		return agentOutput, nil
	})
	gl := gitlab.NewClient(glURL, "glpat-x", urlMock.Client())
	jc := jira.NewClient(jiraURL, "bot@example.com", "jira-token", urlMock.Client())
	orch := New(cfg, gl, jc, executor.NewLocal(runner, st), st, &gitlab.User{ID: 99, Username: "copilot-bot"})
	return &fixture{
		orch:    orch,
		urlMock: urlMock,
		st:      st,
		git:     &fakeGit{},
	}
}

func mrEvent() *MREvent {
	return &MREvent{
		ProjectID:    7,
		MRIID:        12,
		SourceBranch: "feature",
		TargetBranch: "main",
		HeadCommit:   "abc",
		Title:        "Add feature",
		Description:  "Adds the feature.",
		CloneURL:     cloneURL,
	}
}

func TestHandleMRReviewHappyPath(t *testing.T) {
	agentOutput := "```json\n[{\"file\": \"src/x.py\", \"line\": 10, \"comment\": \"check bounds\"}]\n```\nAll good."
	f := newFixture(t, agentOutput)

	// The diff covers (src/x.py, 10).
	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/changes", mockhttpclient.MockGetDialogue([]byte(`{
		"diff_refs": {"base_sha": "b", "start_sha": "s", "head_sha": "h"},
		"changes": [{"old_path": "src/x.py", "new_path": "src/x.py", "diff": "@@ -8,3 +8,4 @@\n x\n+y\n x\n x"}]
	}`)))
	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/discussions",
		mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))
	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/notes",
		mockhttpclient.MockPostDialogue([]byte(`{"body":"## Code Review Summary\n\nAll good."}`), []byte(`{}`)))

	require.NoError(t, f.orch.HandleMRReview(f.git.ctx(), mrEvent()))
	require.True(t, f.urlMock.Empty())
	require.True(t, f.st.IsSeen(context.Background(), task.ReviewTaskID(7, 12, "abc")))

	// A duplicate delivery is absorbed without any further HTTP traffic.
	require.NoError(t, f.orch.HandleMRReview(f.git.ctx(), mrEvent()))
}

func TestHandleMRReviewFailurePostsNote(t *testing.T) {
	f := newFixture(t, "irrelevant")
	// GetMRDiff fails; the orchestrator posts the failure note best-effort.
	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/changes",
		mockhttpclient.MockGetDialogue(nil).WithStatus(500))
	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/notes",
		mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))

	err := f.orch.HandleMRReview(f.git.ctx(), mrEvent())
	require.Error(t, err)
	require.True(t, f.urlMock.Empty())
	// Not marked: the next poll retries.
	require.False(t, f.st.IsSeen(context.Background(), task.ReviewTaskID(7, 12, "abc")))
}

func noteEvent(body, author string) *NoteEvent {
	return &NoteEvent{
		ProjectID:      7,
		MRIID:          12,
		NoteID:         99,
		AuthorUsername: author,
		Body:           body,
		SourceBranch:   "feature",
		CloneURL:       cloneURL,
	}
}

func TestHandleMRCommentNoChanges(t *testing.T) {
	f := newFixture(t, "Nothing to do here.")
	f.git.porcelain = "" // clean tree

	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/notes",
		mockhttpclient.MockPostDialogue([]byte(`{"body":"ℹ️ No file changes needed.\n\nNothing to do here."}`), []byte(`{}`)))

	require.NoError(t, f.orch.HandleMRComment(f.git.ctx(), noteEvent("/copilot rename X to Y", "reviewer")))
	require.True(t, f.urlMock.Empty())
	require.False(t, f.git.ran("push"))
}

func TestHandleMRCommentPushesChanges(t *testing.T) {
	f := newFixture(t, "Renamed X to Y.")
	f.git.porcelain = " M src/x.go\n"

	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests/12/notes",
		mockhttpclient.MockPostDialogue([]byte(`{"body":"✅ Changes pushed.\n\nRenamed X to Y."}`), []byte(`{}`)))

	require.NoError(t, f.orch.HandleMRComment(f.git.ctx(), noteEvent("/CoPilot rename X to Y", "reviewer")))
	require.True(t, f.urlMock.Empty())
	require.True(t, f.git.ran("commit"))
	require.True(t, f.git.ran("push"))
	// Commit identity is the agent's.
	found := false
	for _, args := range f.git.commands {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "user.name="+agentName) && strings.Contains(joined, "user.email="+agentEmail) {
			found = true
		}
	}
	require.True(t, found)
	require.True(t, f.st.IsSeen(context.Background(), task.CommentTaskID(7, 12, 99)))
}

func TestHandleMRCommentGuards(t *testing.T) {
	f := newFixture(t, "unused")

	// Self comments and non-command notes never reach git or the VCS API.
	require.NoError(t, f.orch.HandleMRComment(f.git.ctx(), noteEvent("/copilot do it", "copilot-bot")))
	require.NoError(t, f.orch.HandleMRComment(f.git.ctx(), noteEvent("looks good to me", "reviewer")))
	require.Empty(t, f.git.commands)
}

func TestParseCommand(t *testing.T) {
	instruction, ok := ParseCommand("/copilot rename X to Y")
	require.True(t, ok)
	require.Equal(t, "rename X to Y", instruction)

	instruction, ok = ParseCommand("  /COPILOT fix the test  ")
	require.True(t, ok)
	require.Equal(t, "fix the test", instruction)

	_, ok = ParseCommand("/copilots not a command")
	require.False(t, ok)
	_, ok = ParseCommand("nothing here")
	require.False(t, ok)
}

func testIssue() *jira.Issue {
	issue := &jira.Issue{Key: "PROJ-42"}
	issue.Fields.Summary = "Add retry"
	issue.Fields.Project.Key = "PROJ"
	return issue
}

// mockTransition mocks the GET+POST pair TransitionTo performs.
func mockTransition(urlMock *mockhttpclient.URLMock, key, name, id string) {
	urlMock.MockOnce(jiraURL+"/rest/api/3/issue/"+key+"/transitions",
		mockhttpclient.MockGetDialogue([]byte(fmt.Sprintf(`{"transitions": [{"id": "%s", "name": "%s", "to": {"name": "%s"}}]}`, id, name, name))))
	urlMock.MockOnce(jiraURL+"/rest/api/3/issue/"+key+"/transitions",
		mockhttpclient.MockPostDialogue([]byte(fmt.Sprintf(`{"transition":{"id":"%s"}}`, id)), nil))
}

func TestHandleIssueHappyPath(t *testing.T) {
	f := newFixture(t, "Implemented retry logic.")
	f.git.porcelain = " M src/retry.go\n"

	mockTransition(f.urlMock, "PROJ-42", "In Progress", "11")
	expectedMR := `{"description":"Automated implementation of PROJ-42.\n\nImplemented retry logic.","source_branch":"agent/proj-42","target_branch":"main","title":"feat(proj-42): Add retry"}`
	f.urlMock.MockOnce(glURL+"/api/v4/projects/7/merge_requests",
		mockhttpclient.MockPostDialogue([]byte(expectedMR), []byte(`{"iid": 55, "web_url": "https://gitlab.example.com/group/repo/-/merge_requests/55"}`)))
	mockTransition(f.urlMock, "PROJ-42", "In Review", "21")
	// The MR URL is commented back on the issue.
	f.urlMock.MockOnce(jiraURL+"/rest/api/3/issue/PROJ-42/comment",
		mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))

	require.NoError(t, f.orch.HandleIssue(f.git.ctx(), testIssue()))
	require.True(t, f.urlMock.Empty())
	require.True(t, f.git.ran("push"))
	require.True(t, f.orch.issueProcessed("PROJ-42"))

	// A second sighting of the same issue is a no-op.
	require.NoError(t, f.orch.HandleIssue(f.git.ctx(), testIssue()))
}

func TestHandleIssueNoChanges(t *testing.T) {
	f := newFixture(t, "Everything already in place.")
	f.git.porcelain = ""

	mockTransition(f.urlMock, "PROJ-42", "In Progress", "11")
	f.urlMock.MockOnce(jiraURL+"/rest/api/3/issue/PROJ-42/comment",
		mockhttpclient.MockPostDialogue([]byte(`{"body":{"content":[{"content":[{"text":"Agent found no changes to make","type":"text"}],"type":"paragraph"}],"type":"doc","version":1}}`), []byte(`{}`)))

	require.NoError(t, f.orch.HandleIssue(f.git.ctx(), testIssue()))
	require.True(t, f.urlMock.Empty())
	require.False(t, f.git.ran("push"))
	require.True(t, f.orch.issueProcessed("PROJ-42"))
}

func TestHandleIssueTransientCloneNotProcessed(t *testing.T) {
	defer gitSetShortBackoff()()
	f := newFixture(t, "unused")
	f.git.cloneErr = fmt.Errorf("exit status 128")

	mockTransition(f.urlMock, "PROJ-42", "In Progress", "11")
	// The failure comment names the attempts and the retry behavior.
	f.urlMock.MockOnce(jiraURL+"/rest/api/3/issue/PROJ-42/comment",
		mockhttpclient.MockPostDialogue([]byte(`{"body":{"content":[{"content":[{"text":"Automated coding failed: could not clone the repository after 3 attempts. The task will retry on the next poll cycle.","type":"text"}],"type":"paragraph"}],"type":"doc","version":1}}`), []byte(`{}`)))

	err := f.orch.HandleIssue(f.git.ctx(), testIssue())
	require.Error(t, err)
	require.True(t, f.urlMock.Empty())
	require.False(t, f.orch.issueProcessed("PROJ-42"))
}

func TestHandleIssueNoMapping(t *testing.T) {
	f := newFixture(t, "unused")
	issue := testIssue()
	issue.Fields.Project.Key = "OTHER"

	require.NoError(t, f.orch.HandleIssue(f.git.ctx(), issue))
	require.Empty(t, f.git.commands)
}
