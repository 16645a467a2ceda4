// Package jira is a minimal client for the Jira Cloud REST API: JQL search
// with page-token pagination, workflow transitions, and issue comments.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.copilot.dev/infra/go/httputils"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/util"
)

const (
	apiPath = "/rest/api/3"

	// searchPageSize is the maxResults value sent with JQL searches.
	searchPageSize = 50
)

// Status is an issue's workflow state.
type Status struct {
	Name string `json:"name"`
}

// IssueFields is the subset of issue fields used here.
type IssueFields struct {
	Summary string `json:"summary"`
	Status  Status `json:"status"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
	// Description is Atlassian-document structured; only the plain text is
	// extracted.
	Description json.RawMessage `json:"description"`
}

// Issue is one issue returned by a JQL search.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// DescriptionText extracts the plain text of the issue description from its
// structured document, concatenating text nodes in order.
func (i *Issue) DescriptionText() string {
	if len(i.Fields.Description) == 0 {
		return ""
	}
	// A plain string description (older API versions).
	var s string
	if err := json.Unmarshal(i.Fields.Description, &s); err == nil {
		return s
	}
	var doc adfNode
	if err := json.Unmarshal(i.Fields.Description, &doc); err != nil {
		return ""
	}
	var b strings.Builder
	doc.collectText(&b)
	return strings.TrimSpace(b.String())
}

// adfNode is a node in an Atlassian-document-format tree.
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

func (n *adfNode) collectText(b *strings.Builder) {
	if n.Text != "" {
		b.WriteString(n.Text)
	}
	for i := range n.Content {
		n.Content[i].collectText(b)
	}
	if n.Type == "paragraph" {
		b.WriteString("\n")
	}
}

// Transition is one available workflow transition for an issue.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   Status `json:"to"`
}

// Client provides methods for interacting with the Jira API. Requests
// authenticate with basic auth (account email + API token).
type Client struct {
	apiURL string
	email  string
	token  string
	client *http.Client
}

// NewClient returns a Client for the Jira instance at the given base URL. If
// httpClient is nil a default client is created.
func NewClient(baseURL, email, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputils.DefaultClientConfig().Client()
	}
	return &Client{
		apiURL: baseURL + apiPath,
		email:  email,
		token:  token,
		client: httpClient,
	}
}

// do performs a request with basic auth and decodes the JSON response into
// rv, which may be nil.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, rv interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return skerr.Wrap(err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reqBody)
	if err != nil {
		return skerr.Wrap(err)
	}
	req.SetBasicAuth(c.email, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "%s %s", method, path)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return skerr.Fmt("%s %s returned %d: %s", method, path, resp.StatusCode, string(b))
	}
	if rv == nil {
		return nil
	}
	return skerr.Wrapf(json.NewDecoder(resp.Body).Decode(rv), "decoding response of %s %s", method, path)
}

// searchResponse mirrors the paginated JQL search endpoint.
type searchResponse struct {
	Issues        []*Issue `json:"issues"`
	NextPageToken string   `json:"nextPageToken"`
	IsLast        bool     `json:"isLast"`
}

// SearchJQL runs the given JQL query and returns all matching issues,
// following page tokens until the last page.
func (c *Client) SearchJQL(ctx context.Context, jql string) ([]*Issue, error) {
	var issues []*Issue
	pageToken := ""
	for {
		v := url.Values{}
		v.Set("jql", jql)
		v.Set("maxResults", fmt.Sprintf("%d", searchPageSize))
		if pageToken != "" {
			v.Set("nextPageToken", pageToken)
		}
		var resp searchResponse
		if err := c.do(ctx, http.MethodGet, "/search/jql?"+v.Encode(), nil, &resp); err != nil {
			return nil, skerr.Wrap(err)
		}
		issues = append(issues, resp.Issues...)
		if resp.IsLast || resp.NextPageToken == "" {
			return issues, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetTransitions lists the workflow transitions currently available for the
// issue.
func (c *Client) GetTransitions(ctx context.Context, issueKey string) ([]*Transition, error) {
	var resp struct {
		Transitions []*Transition `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/issue/"+issueKey+"/transitions", nil, &resp); err != nil {
		return nil, skerr.Wrap(err)
	}
	return resp.Transitions, nil
}

// TransitionTo moves the issue to the named status. The transition is looked
// up case-insensitively by its name or by its target status name.
func (c *Client) TransitionTo(ctx context.Context, issueKey, statusName string) error {
	transitions, err := c.GetTransitions(ctx, issueKey)
	if err != nil {
		return skerr.Wrap(err)
	}
	var id string
	for _, tr := range transitions {
		if strings.EqualFold(tr.Name, statusName) || strings.EqualFold(tr.To.Name, statusName) {
			id = tr.ID
			break
		}
	}
	if id == "" {
		return skerr.Fmt("no transition to %q available for %s", statusName, issueKey)
	}
	return skerr.Wrap(c.do(ctx, http.MethodPost, "/issue/"+issueKey+"/transitions", map[string]interface{}{
		"transition": map[string]string{"id": id},
	}, nil))
}

// PostComment adds a plain-text comment to the issue, wrapped in the
// structured document format the API requires.
func (c *Client) PostComment(ctx context.Context, issueKey, text string) error {
	doc := map[string]interface{}{
		"body": map[string]interface{}{
			"type":    "doc",
			"version": 1,
			"content": []interface{}{
				map[string]interface{}{
					"type": "paragraph",
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": text},
					},
				},
			},
		},
	}
	return skerr.Wrap(c.do(ctx, http.MethodPost, "/issue/"+issueKey+"/comment", doc, nil))
}

// Close releases the client's idle connections. Called at process shutdown.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
