package tasktallysdk

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
)

// Client is a minimal tasktally HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Completed       bool   `json:"completed"`
	CreatedAt       int64  `json:"createdAt"`
	Tag             string `json:"tag,omitempty"`
	Notes           string `json:"notes,omitempty"`
	CompletionCount uint32 `json:"completionCount"`
}

// TaskList is a filtered listing.
type TaskList struct {
	Filter string `json:"filter"`
	Items  []Task `json:"items"`
}

// Edit changes only the non-nil fields. An empty Tag clears the tag.
type Edit struct {
	Title *string `json:"title,omitempty"`
	Notes *string `json:"notes,omitempty"`
	Tag   *string `json:"tag,omitempty"`
}

type Stats struct {
	Total            int            `json:"total"`
	Active           int            `json:"active"`
	Completed        int            `json:"completed"`
	TotalCompletions uint64         `json:"total_completions"`
	ByTag            map[string]int `json:"by_tag"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload"`

	// PayloadError is set when the server could not decode the stored payload.
	PayloadError string `json:"payload_error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListTasks lists tasks under filter, or under the stored filter when filter
// is empty.
func (c *Client) ListTasks(ctx context.Context, filter string) (TaskList, error) {
	endpoint := "tasks"
	if filter != "" {
		endpoint += "?filter=" + url.QueryEscape(filter)
	}
	var resp TaskList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask adds a task at the top of the list.
func (c *Client) CreateTask(ctx context.Context, title, tag string) (Task, error) {
	body := map[string]any{"title": title}
	if tag != "" {
		body["tag"] = tag
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id), nil, &resp)
	return resp, err
}

// ReplaceTask overwrites every field of an existing task.
func (c *Client) ReplaceTask(ctx context.Context, t Task) (Task, error) {
	body := map[string]any{
		"title":           t.Title,
		"completed":       t.Completed,
		"createdAt":       t.CreatedAt,
		"completionCount": t.CompletionCount,
	}
	if t.Tag != "" {
		body["tag"] = t.Tag
	}
	if t.Notes != "" {
		body["notes"] = t.Notes
	}
	var resp Task
	err := c.do(ctx, http.MethodPut, taskPath(t.ID), body, &resp)
	return resp, err
}

func (c *Client) EditTask(ctx context.Context, id string, e Edit) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, taskPath(id), e, &resp)
	return resp, err
}

func (c *Client) ToggleTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id)+"/toggle", nil, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil)
}

// ClearCompleted removes completed tasks and returns how many were removed.
func (c *Client) ClearCompleted(ctx context.Context) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/clear-completed", nil, &resp)
	return resp.Removed, err
}

func (c *Client) Filter(ctx context.Context) (string, error) {
	var resp struct {
		Filter string `json:"filter"`
	}
	err := c.do(ctx, http.MethodGet, "filter", nil, &resp)
	return resp.Filter, err
}

func (c *Client) SetFilter(ctx context.Context, filter string) (string, error) {
	var resp struct {
		Filter string `json:"filter"`
	}
	err := c.do(ctx, http.MethodPut, "filter", map[string]string{"filter": filter}, &resp)
	return resp.Filter, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Tags returns the configured tag palette.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	var resp struct {
		Tags []string `json:"tags"`
	}
	err := c.do(ctx, http.MethodGet, "tags", nil, &resp)
	return resp.Tags, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, evtType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id string) string {
	return "tasks/" + url.PathEscape(id)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
