package tracker

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

	"github.com/cenkalti/backoff/v4"

	"github.com/cascade-bot/cascade/internal/debug"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// maxRetryElapsed bounds how long rate-limited requests keep retrying.
	maxRetryElapsed = 2 * time.Minute

	// MaxPageSize is the maximum number of issues to fetch per page.
	MaxPageSize = 100
)

// GitHub implements Tracker against the GitHub REST API.
type GitHub struct {
	Token      string       // personal access token or installation token
	Owner      string       // repository owner (user or org)
	Repo       string       // repository name
	BaseURL    string       // API base URL (default: https://api.github.com)
	HTTPClient *http.Client // optional custom HTTP client
}

// NewGitHub creates a GitHub tracker client.
func NewGitHub(token, owner, repo string) *GitHub {
	return &GitHub{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithBaseURL returns a client pointed at a custom base URL (for tests or
// GitHub Enterprise).
func (c *GitHub) WithBaseURL(baseURL string) *GitHub {
	out := *c
	out.BaseURL = baseURL
	return &out
}

// ghIssue mirrors the GitHub API issue shape.
type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	Labels    []ghLabel `json:"labels"`
	Assignee  *ghUser   `json:"assignee,omitempty"`
	Assignees []ghUser  `json:"assignees,omitempty"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghUser struct {
	Login string `json:"login"`
}

func (i ghIssue) toIssue() Issue {
	out := Issue{
		Number:  i.Number,
		Title:   i.Title,
		Body:    i.Body,
		State:   i.State,
		HTMLURL: i.HTMLURL,
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.Name)
	}
	if i.Assignee != nil {
		out.Assignee = i.Assignee.Login
	}
	return out
}

func (c *GitHub) issuesPath() string {
	return fmt.Sprintf("%s/repos/%s/%s/issues", c.BaseURL, c.Owner, c.Repo)
}

// CreateIssue files a new issue with the given title and labels.
func (c *GitHub) CreateIssue(ctx context.Context, title string, labels []string) (*Issue, error) {
	payload := map[string]interface{}{
		"title":  title,
		"labels": labels,
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, c.issuesPath(), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	var gi ghIssue
	if err := json.Unmarshal(respBody, &gi); err != nil {
		return nil, fmt.Errorf("failed to parse create-issue response: %w", err)
	}
	issue := gi.toIssue()
	return &issue, nil
}

// UpdateIssue replaces an issue's body and assignee.
func (c *GitHub) UpdateIssue(ctx context.Context, number int, body, assignee string) error {
	payload := map[string]interface{}{
		"body": body,
	}
	if assignee != "" {
		payload["assignees"] = []string{assignee}
	}
	urlStr := fmt.Sprintf("%s/%d", c.issuesPath(), number)
	if _, err := c.doRequest(ctx, http.MethodPatch, urlStr, payload); err != nil {
		return fmt.Errorf("failed to update issue #%d: %w", number, err)
	}
	return nil
}

// ListOpenIssues returns open issues carrying the given label.
func (c *GitHub) ListOpenIssues(ctx context.Context, label string) ([]Issue, error) {
	params := url.Values{}
	params.Set("state", "open")
	params.Set("labels", label)
	params.Set("per_page", strconv.Itoa(MaxPageSize))
	respBody, err := c.doRequest(ctx, http.MethodGet, c.issuesPath()+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	var ghIssues []ghIssue
	if err := json.Unmarshal(respBody, &ghIssues); err != nil {
		return nil, fmt.Errorf("failed to parse issue list: %w", err)
	}
	issues := make([]Issue, 0, len(ghIssues))
	for _, gi := range ghIssues {
		issues = append(issues, gi.toIssue())
	}
	return issues, nil
}

// CloseIssue closes an issue. GitHub treats closing a closed issue as a
// no-op, which is what replayed cleanup needs.
func (c *GitHub) CloseIssue(ctx context.Context, number int) error {
	urlStr := fmt.Sprintf("%s/%d", c.issuesPath(), number)
	if _, err := c.doRequest(ctx, http.MethodPatch, urlStr, map[string]string{"state": "closed"}); err != nil {
		return fmt.Errorf("failed to close issue #%d: %w", number, err)
	}
	return nil
}

// rateLimited reports whether a response is a rate-limit rejection (GitHub
// uses 429, or 403 with an exhausted X-RateLimit-Remaining).
func rateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

// doRequest performs an authenticated request. Rate-limit rejections are
// retried with exponential backoff (honoring Retry-After); every other
// non-2xx response is returned immediately — the workflow's retry unit is a
// whole re-invocation, not an API call.
func (c *GitHub) doRequest(ctx context.Context, method, urlStr string, body interface{}) ([]byte, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var respBody []byte
	attempt := func() error {
		var reqBody io.Reader
		if jsonBody != nil {
			reqBody = bytes.NewReader(jsonBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("request failed: %w", err))
		}
		defer resp.Body.Close()

		const maxResponseSize = 10 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read response: %w", err))
		}

		if rateLimited(resp) {
			debug.Logf("tracker: rate limited by %s, backing off\n", urlStr)
			return fmt.Errorf("rate limited (status %d)", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("API error: %s (status %d)", data, resp.StatusCode))
		}
		respBody = data
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = maxRetryElapsed
	policy := backoff.WithContext(expo, ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return respBody, nil
}
