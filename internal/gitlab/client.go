// Package gitlab is a small GitLab REST v4 client covering what reports need.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPerPage = 100
	maxPages       = 50
)

// Client talks to one GitLab instance.
type Client struct {
	// BaseURL is the instance root, e.g. https://gitlab.com.
	BaseURL string
	// Token is an OAuth access token sent as a bearer credential, unless
	// PrivateToken is set, in which case it is sent as PRIVATE-TOKEN.
	Token        string
	PrivateToken bool
	HTTPClient   *http.Client
	Timeout      time.Duration
	PerPage      int
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Body)
	var parsed struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &parsed) == nil {
		switch {
		case parsed.Message != nil:
			msg = fmt.Sprint(parsed.Message)
		case parsed.Error != "":
			msg = parsed.Error
		}
	}
	return fmt.Sprintf("gitlab api error: status=%d message=%s", e.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 from GitLab.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// HostURL returns the instance root without a trailing slash.
func (c *Client) HostURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// IssueURL is the browser URL of a project issue.
func (c *Client) IssueURL(projectID string, iid int64) string {
	return fmt.Sprintf("%s/projects/%s/-/issues/%d", c.HostURL(), url.PathEscape(projectID), iid)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) (http.Header, error) {
	client := c.HTTPClient
	if client == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	u := c.HostURL() + "/api/v4/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		if c.PrivateToken {
			req.Header.Set("PRIVATE-TOKEN", c.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, fmt.Errorf("decode %s %s: %w", method, endpoint, err)
		}
	}
	return resp.Header, nil
}

// getAll follows X-Next-Page until the last page.
func getAll[T any](ctx context.Context, c *Client, endpoint string, query url.Values) ([]T, error) {
	perPage := c.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("per_page", strconv.Itoa(perPage))
	page := "1"
	var out []T
	for i := 0; i < maxPages && page != ""; i++ {
		q.Set("page", page)
		var batch []T
		header, err := c.do(ctx, http.MethodGet, endpoint, q, nil, &batch)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		page = strings.TrimSpace(header.Get("X-Next-Page"))
	}
	return out, nil
}

func projectPath(projectID, rest string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(rest, "/"))
}

func groupPath(groupID, rest string) string {
	return fmt.Sprintf("groups/%s/%s", url.PathEscape(groupID), strings.TrimLeft(rest, "/"))
}
