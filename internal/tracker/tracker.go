// Package tracker is the GitHub REST adapter: issues, labels, branches and
// file uploads. Every call is a synchronous request/response; non-2xx
// responses surface as StatusError with a truncated body.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// ErrNotFound marks 404 responses for callers that treat absence as a
// normal outcome (branch existence checks, idempotent label removal).
var ErrNotFound = errors.New("tracker: not found")

// StatusError is a non-2xx tracker response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker: status %d: %s", e.Code, e.Body)
}

// Issue is the subset of issue fields the bot works with.
type Issue struct {
	Number    int
	Title     string
	Body      string
	HTMLURL   string
	Labels    []string
	CreatedAt time.Time
}

// HasLabel reports whether the issue carries the given label.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Config holds GitHub client settings.
type Config struct {
	Token   string
	Repo    string // "owner/repo"
	BaseURL string // override for tests
}

// Client talks to the GitHub REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a GitHub client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateIssue opens a new issue and returns it.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	if labels == nil {
		labels = []string{}
	}
	var out issueJSON
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues", c.cfg.Repo), map[string]any{
		"title":  title,
		"body":   body,
		"labels": labels,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return out.issue(), nil
}

// UpdateBody replaces an issue's body.
func (c *Client) UpdateBody(ctx context.Context, number int, body string) error {
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", c.cfg.Repo, number), map[string]any{
		"body": body,
	}, nil)
	if err != nil {
		return fmt.Errorf("update issue %d: %w", number, err)
	}
	return nil
}

// AddLabels attaches labels to an issue. Adding an already-present label is
// a no-op on the GitHub side, which keeps activation idempotent.
func (c *Client) AddLabels(ctx context.Context, number int, labels ...string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/labels", c.cfg.Repo, number), map[string]any{
		"labels": labels,
	}, nil)
	if err != nil {
		return fmt.Errorf("add labels to issue %d: %w", number, err)
	}
	return nil
}

// RemoveLabel detaches a label. A missing label is treated as success so
// the queue's label swap can be retried safely.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/repos/%s/issues/%d/labels/%s", c.cfg.Repo, number, url.PathEscape(label)), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove label from issue %d: %w", number, err)
	}
	return nil
}

// ListIssues returns open issues carrying all of the given labels, ordered
// by creation time (oldest first when ascending).
func (c *Client) ListIssues(ctx context.Context, labels []string, ascending bool) ([]Issue, error) {
	direction := "desc"
	if ascending {
		direction = "asc"
	}
	q := url.Values{
		"labels":    {strings.Join(labels, ",")},
		"state":     {"open"},
		"sort":      {"created"},
		"direction": {direction},
	}
	var out []issueJSON
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues?%s", c.cfg.Repo, q.Encode()), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	issues := make([]Issue, 0, len(out))
	for _, j := range out {
		issues = append(issues, *j.issue())
	}
	return issues, nil
}

// BranchSHA returns the head commit of a branch, or ErrNotFound.
func (c *Client) BranchSHA(ctx context.Context, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/ref/heads/%s", c.cfg.Repo, branch), nil, &out)
	if err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

// BranchExists checks whether a branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := c.BranchSHA(ctx, branch)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateBranch creates a branch pointing at the given commit.
func (c *Client) CreateBranch(ctx context.Context, name, sha string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", c.cfg.Repo), map[string]any{
		"ref": "refs/heads/" + name,
		"sha": sha,
	}, nil)
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// ForceUpdateBranch moves a branch head to the given commit, discarding
// whatever it pointed at.
func (c *Client) ForceUpdateBranch(ctx context.Context, name, sha string) error {
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/git/refs/heads/%s", c.cfg.Repo, name), map[string]any{
		"sha":   sha,
		"force": true,
	}, nil)
	if err != nil {
		return fmt.Errorf("force-update branch %s: %w", name, err)
	}
	return nil
}

// CreateTag creates a lightweight tag at the given commit. Used to back up a
// branch head before a reset.
func (c *Client) CreateTag(ctx context.Context, name, sha string) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", c.cfg.Repo), map[string]any{
		"ref": "refs/tags/" + name,
		"sha": sha,
	}, nil)
	if err != nil {
		return fmt.Errorf("create tag %s: %w", name, err)
	}
	return nil
}

// UploadFile commits a file to a branch via the contents API and returns a
// browsable URL for it.
func (c *Client) UploadFile(ctx context.Context, branch, path string, content []byte, message string) (string, error) {
	var out struct {
		Content struct {
			HTMLURL     string `json:"html_url"`
			DownloadURL string `json:"download_url"`
		} `json:"content"`
	}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/contents/%s", c.cfg.Repo, path), map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  branch,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if out.Content.DownloadURL != "" {
		return out.Content.DownloadURL, nil
	}
	return out.Content.HTMLURL, nil
}

// do performs one API call. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 500)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// issueJSON is the GitHub wire shape; labels arrive as objects.
type issueJSON struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (j *issueJSON) issue() *Issue {
	labels := make([]string, 0, len(j.Labels))
	for _, l := range j.Labels {
		labels = append(labels, l.Name)
	}
	return &Issue{
		Number:    j.Number,
		Title:     j.Title,
		Body:      j.Body,
		HTMLURL:   j.HTMLURL,
		Labels:    labels,
		CreatedAt: j.CreatedAt,
	}
}
