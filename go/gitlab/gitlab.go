// Package gitlab is a minimal client for the GitLab REST API, covering the
// merge-request operations the service performs: fetching diffs, posting notes
// and inline discussions, creating branches and merge requests, and listing
// merge requests and notes for polling.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"go.copilot.dev/infra/go/diff"
	"go.copilot.dev/infra/go/httputils"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/util"
)

const (
	apiPath = "/api/v4"

	// MRStateOpened filters ListProjectMRs to open merge requests.
	MRStateOpened = "opened"
)

// timeFormat is the ISO8601 form GitLab expects for query parameters.
const timeFormat = time.RFC3339

// User identifies a GitLab account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// MergeRequest is the subset of GitLab's MR representation used here.
type MergeRequest struct {
	IID          int64     `json:"iid"`
	ProjectID    int64     `json:"project_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	State        string    `json:"state"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	SHA          string    `json:"sha"`
	WebURL       string    `json:"web_url"`
	UpdatedAt    time.Time `json:"updated_at"`
	Author       User      `json:"author"`
}

// Note is one comment on a merge request.
type Note struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	System    bool      `json:"system"`
	Author    User      `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Anchors is the commit triple GitLab requires to attach an inline comment to
// a diff position.
type Anchors struct {
	BaseSHA  string
	StartSHA string
	HeadSHA  string
}

// MRDiff is the diff of a merge request, with the anchors needed to post
// inline discussions against it.
type MRDiff struct {
	Anchors Anchors
	Changes []diff.FileDiff
}

// Project is the subset of GitLab's project representation used here.
type Project struct {
	ID                int64  `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	DefaultBranch     string `json:"default_branch"`
}

// Client provides methods for interacting with the GitLab API.
type Client struct {
	apiURL string
	client *http.Client
}

// NewClient returns a Client for the GitLab instance at the given base URL.
// If httpClient is nil, a default client authenticating with the token as a
// bearer credential is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = httputils.DefaultClientConfig().With2xxOnly().WithTokenSource(ts).Client()
	}
	return &Client{
		apiURL: baseURL + apiPath,
		client: httpClient,
	}
}

// get performs a GET request and decodes the JSON response into rv.
func (c *Client) get(ctx context.Context, path string, rv interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "GET %s", path)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return skerr.Fmt("GET %s returned %d: %s", path, resp.StatusCode, string(b))
	}
	if rv == nil {
		return nil
	}
	return skerr.Wrapf(json.NewDecoder(resp.Body).Decode(rv), "decoding response of GET %s", path)
}

// post performs a POST request with a JSON body and decodes the JSON response
// into rv, which may be nil.
func (c *Client) post(ctx context.Context, path string, body interface{}, rv interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(b))
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "POST %s", path)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rb, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return skerr.Fmt("POST %s returned %d: %s", path, resp.StatusCode, string(rb))
	}
	if rv == nil {
		return nil
	}
	return skerr.Wrapf(json.NewDecoder(resp.Body).Decode(rv), "decoding response of POST %s", path)
}

// mrChangesResponse mirrors GitLab's "changes" endpoint.
type mrChangesResponse struct {
	DiffRefs struct {
		BaseSHA  string `json:"base_sha"`
		StartSHA string `json:"start_sha"`
		HeadSHA  string `json:"head_sha"`
	} `json:"diff_refs"`
	Changes []struct {
		OldPath     string `json:"old_path"`
		NewPath     string `json:"new_path"`
		Diff        string `json:"diff"`
		NewFile     bool   `json:"new_file"`
		DeletedFile bool   `json:"deleted_file"`
		RenamedFile bool   `json:"renamed_file"`
	} `json:"changes"`
}

// GetMRDiff retrieves the per-file unified diffs of a merge request along
// with the commit anchors needed for inline discussions.
func (c *Client) GetMRDiff(ctx context.Context, projectID, mrIID int64) (*MRDiff, error) {
	var resp mrChangesResponse
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/changes", projectID, mrIID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := &MRDiff{
		Anchors: Anchors{
			BaseSHA:  resp.DiffRefs.BaseSHA,
			StartSHA: resp.DiffRefs.StartSHA,
			HeadSHA:  resp.DiffRefs.HeadSHA,
		},
	}
	for _, c := range resp.Changes {
		rv.Changes = append(rv.Changes, diff.FileDiff{
			OldPath:     c.OldPath,
			NewPath:     c.NewPath,
			UnifiedDiff: c.Diff,
			NewFile:     c.NewFile,
			DeletedFile: c.DeletedFile,
			RenamedFile: c.RenamedFile,
		})
	}
	return rv, nil
}

// GetMergeRequest retrieves a single merge request.
func (c *Client) GetMergeRequest(ctx context.Context, projectID, mrIID int64) (*MergeRequest, error) {
	var mr MergeRequest
	path := fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, mrIID)
	if err := c.get(ctx, path, &mr); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &mr, nil
}

// PostNote posts an unanchored comment on a merge request.
func (c *Client) PostNote(ctx context.Context, projectID, mrIID int64, body string) error {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, mrIID)
	return skerr.Wrap(c.post(ctx, path, map[string]string{"body": body}, nil))
}

// PostInlineDiscussion posts a discussion anchored to a new-side line of the
// merge request's diff. The (file, line) pair must lie inside the diff's
// changed hunks or GitLab rejects the position.
func (c *Client) PostInlineDiscussion(ctx context.Context, projectID, mrIID int64, anchors Anchors, file string, line int, body string) error {
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/discussions", projectID, mrIID)
	req := map[string]interface{}{
		"body": body,
		"position": map[string]interface{}{
			"base_sha":      anchors.BaseSHA,
			"start_sha":     anchors.StartSHA,
			"head_sha":      anchors.HeadSHA,
			"position_type": "text",
			"old_path":      file,
			"new_path":      file,
			"new_line":      line,
		},
	}
	return skerr.Wrap(c.post(ctx, path, req, nil))
}

// CreateBranch creates a branch at the given ref.
func (c *Client) CreateBranch(ctx context.Context, projectID int64, branch, ref string) error {
	path := fmt.Sprintf("/projects/%d/repository/branches", projectID)
	return skerr.Wrap(c.post(ctx, path, map[string]string{
		"branch": branch,
		"ref":    ref,
	}, nil))
}

// CreateMergeRequest opens a merge request and returns it.
func (c *Client) CreateMergeRequest(ctx context.Context, projectID int64, sourceBranch, targetBranch, title, description string) (*MergeRequest, error) {
	var mr MergeRequest
	path := fmt.Sprintf("/projects/%d/merge_requests", projectID)
	err := c.post(ctx, path, map[string]string{
		"source_branch": sourceBranch,
		"target_branch": targetBranch,
		"title":         title,
		"description":   description,
	}, &mr)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &mr, nil
}

// ListProjectMRs lists merge requests in the given state, optionally limited
// to those updated after the given time.
func (c *Client) ListProjectMRs(ctx context.Context, projectID int64, state string, updatedAfter time.Time) ([]*MergeRequest, error) {
	v := url.Values{}
	v.Set("state", state)
	if !updatedAfter.IsZero() {
		v.Set("updated_after", updatedAfter.UTC().Format(timeFormat))
	}
	var mrs []*MergeRequest
	path := fmt.Sprintf("/projects/%d/merge_requests?%s", projectID, v.Encode())
	if err := c.get(ctx, path, &mrs); err != nil {
		return nil, skerr.Wrap(err)
	}
	return mrs, nil
}

// ListMRNotes lists comments on a merge request, optionally limited to those
// created after the given time.
func (c *Client) ListMRNotes(ctx context.Context, projectID, mrIID int64, createdAfter time.Time) ([]*Note, error) {
	v := url.Values{}
	if !createdAfter.IsZero() {
		v.Set("created_after", createdAfter.UTC().Format(timeFormat))
	}
	path := fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, mrIID)
	if q := v.Encode(); q != "" {
		path += "?" + q
	}
	var notes []*Note
	if err := c.get(ctx, path, &notes); err != nil {
		return nil, skerr.Wrap(err)
	}
	return notes, nil
}

// GetProject retrieves a project by numeric ID or by path, e.g.
// "group/repo".
func (c *Client) GetProject(ctx context.Context, ref string) (*Project, error) {
	var p Project
	if err := c.get(ctx, "/projects/"+url.PathEscape(ref), &p); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &p, nil
}

// ResolveProject resolves a project reference (numeric ID or path) to a
// numeric project ID.
func (c *Client) ResolveProject(ctx context.Context, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	p, err := c.GetProject(ctx, ref)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return p.ID, nil
}

// CurrentUser returns the account the client authenticates as. Used by the
// self-comment guard.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/user", &u); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &u, nil
}
