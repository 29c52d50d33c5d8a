// Package api is the HTTP client for the orchestration server's run query and
// human resolution endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/theirongolddev/runwatch/internal/task"
)

const (
	// DefaultBaseURL is the default orchestration API base.
	DefaultBaseURL = "http://127.0.0.1:8000/api/"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 10 * time.Second

	// HealthCheckPath is the path for health checks.
	HealthCheckPath = "health"

	maxBodySize = 8 << 20
)

// Resolution is a human decision on one task.
type Resolution struct {
	Action   task.Action `json:"action"`
	Feedback string      `json:"feedback,omitempty"`
}

// HealthStatus is the body of GET health.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Client talks to the orchestration REST API.
type Client struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the default timeout for HTTP requests.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthCheck calls GET health.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	body, err := c.do(ctx, "health_check", http.MethodGet, HealthCheckPath, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, NewAPIError("health_check", 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	return &status, nil
}

// ListRuns calls GET runs.
func (c *Client) ListRuns(ctx context.Context) ([]task.Run, error) {
	body, err := c.do(ctx, "list_runs", http.MethodGet, "runs", nil, nil)
	if err != nil {
		return nil, err
	}
	var runs []task.Run
	if err := decodeList(body, "runs", &runs); err != nil {
		return nil, NewAPIError("list_runs", 0, err)
	}
	return runs, nil
}

// GetRun calls GET runs/{id}. The returned run carries its tasks when the
// server includes them.
func (c *Client) GetRun(ctx context.Context, runID string) (*task.Run, error) {
	if runID == "" {
		return nil, NewAPIError("get_run", 0, fmt.Errorf("%w: empty run id", ErrInvalidRequest))
	}
	body, err := c.do(ctx, "get_run", http.MethodGet, "runs/"+url.PathEscape(runID), nil, nil)
	if err != nil {
		return nil, err
	}
	raw := gjson.ParseBytes(body)
	if r := raw.Get("run"); r.IsObject() {
		raw = r
	}
	var run task.Run
	if err := json.Unmarshal([]byte(raw.Raw), &run); err != nil {
		return nil, NewAPIError("get_run", 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if run.TaskCount == 0 {
		run.TaskCount = len(run.Tasks)
	}
	return &run, nil
}

// ListTasks calls GET runs/{id}/tasks.
func (c *Client) ListTasks(ctx context.Context, runID string) ([]task.Task, error) {
	if runID == "" {
		return nil, NewAPIError("list_tasks", 0, fmt.Errorf("%w: empty run id", ErrInvalidRequest))
	}
	body, err := c.do(ctx, "list_tasks", http.MethodGet, "runs/"+url.PathEscape(runID)+"/tasks", nil, nil)
	if err != nil {
		return nil, err
	}
	var tasks []task.Task
	if err := decodeList(body, "tasks", &tasks); err != nil {
		return nil, NewAPIError("list_tasks", 0, err)
	}
	return tasks, nil
}

// Resolve calls POST runs/{id}/tasks/{task}/resolve and returns the
// authoritative task. Each call carries a fresh Idempotency-Key.
func (c *Client) Resolve(ctx context.Context, runID, taskID string, res Resolution) (*task.Task, error) {
	if runID == "" || taskID == "" {
		return nil, NewAPIError("resolve", 0, fmt.Errorf("%w: run and task id are required", ErrInvalidRequest))
	}
	if !res.Action.Valid() {
		return nil, NewAPIError("resolve", 0, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, res.Action))
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, NewAPIError("resolve", 0, err)
	}

	header := http.Header{}
	header.Set("Idempotency-Key", uuid.NewString())
	path := "runs/" + url.PathEscape(runID) + "/tasks/" + url.PathEscape(taskID) + "/resolve"
	body, err := c.do(ctx, "resolve", http.MethodPost, path, payload, header)
	if err != nil {
		return nil, err
	}

	raw := gjson.ParseBytes(body)
	if t := raw.Get("task"); t.IsObject() {
		raw = t
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw.Raw), &t); err != nil || t.ID == "" {
		if err == nil {
			err = errors.New("response has no task id")
		}
		return nil, NewAPIError("resolve", 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	return &t, nil
}

// do performs one request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, NewAPIError(op, 0, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, NewAPIError(op, 0, ErrTimeout)
		}
		return nil, NewAPIError(op, 0, fmt.Errorf("%w: %v", ErrServerUnavailable, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, NewAPIError(op, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewAPIError(op, resp.StatusCode, statusError(resp.StatusCode, errorDetail(respBody)))
	}
	return respBody, nil
}

// errorDetail pulls a human message out of common error body shapes.
func errorDetail(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"detail", "error.message", "error", "message"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}

// decodeList accepts a bare array or an object wrapping it under key.
func decodeList(body []byte, key string, out any) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: response is not JSON", ErrInvalidRequest)
	}
	raw := gjson.ParseBytes(body)
	if !raw.IsArray() {
		raw = raw.Get(key)
	}
	if !raw.IsArray() {
		return fmt.Errorf("%w: response has no %s list", ErrInvalidRequest, key)
	}
	if err := json.Unmarshal([]byte(raw.Raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
