// Package tasks provides a typed client for the external item-management API.
// Every call is scoped to one user; the orchestrator never lets the model
// choose whose data a call touches.
package tasks

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
)

// Priority levels accepted by the item API.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task is the item API's task representation.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateTaskRequest creates a new task.
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// UpdateTaskRequest updates task fields; nil fields are left unchanged.
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// ListFilter narrows a task listing.
type ListFilter struct {
	Status        string // "all", "pending" or "completed"
	DueWithinDays int    // 0 means no due-date filter
	Limit         int    // 0 means server default
}

// BulkResult reports how many tasks a bulk operation touched.
type BulkResult struct {
	Count int `json:"count"`
}

// APIError is a non-2xx response from the item API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tasks api: status %d: %s", e.StatusCode, e.Body)
}

// API is the typed item-management surface consumed by the tool registry.
type API interface {
	Create(ctx context.Context, userID string, req *CreateTaskRequest) (*Task, error)
	List(ctx context.Context, userID string, filter ListFilter) ([]Task, error)
	Update(ctx context.Context, userID, taskID string, req *UpdateTaskRequest) (*Task, error)
	SetCompleted(ctx context.Context, userID, taskID string, completed bool) (*Task, error)
	Delete(ctx context.Context, userID, taskID string) error
	CompleteAll(ctx context.Context, userID string, completed bool, statusFilter string) (*BulkResult, error)
	DeleteAll(ctx context.Context, userID string, statusFilter string) (*BulkResult, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a tasks client against baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Create creates a task for the user.
func (c *Client) Create(ctx context.Context, userID string, req *CreateTaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, c.userPath(userID, "/tasks"), req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns the user's tasks, filtered.
func (c *Client) List(ctx context.Context, userID string, filter ListFilter) ([]Task, error) {
	q := url.Values{}
	if filter.Status != "" && filter.Status != "all" {
		q.Set("status", filter.Status)
	}
	if filter.DueWithinDays > 0 {
		q.Set("due_within_days", strconv.Itoa(filter.DueWithinDays))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := c.userPath(userID, "/tasks")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Update modifies a task's fields.
func (c *Client) Update(ctx context.Context, userID, taskID string, req *UpdateTaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPatch, c.userPath(userID, "/tasks/"+taskID), req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SetCompleted toggles a task's completion status.
func (c *Client) SetCompleted(ctx context.Context, userID, taskID string, completed bool) (*Task, error) {
	body := map[string]bool{"completed": completed}
	var task Task
	if err := c.do(ctx, http.MethodPost, c.userPath(userID, "/tasks/"+taskID+"/complete"), body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Delete removes a task permanently.
func (c *Client) Delete(ctx context.Context, userID, taskID string) error {
	return c.do(ctx, http.MethodDelete, c.userPath(userID, "/tasks/"+taskID), nil, nil)
}

// CompleteAll marks all of the user's tasks (optionally filtered by current
// status) as completed or not.
func (c *Client) CompleteAll(ctx context.Context, userID string, completed bool, statusFilter string) (*BulkResult, error) {
	body := map[string]any{"completed": completed}
	if statusFilter != "" {
		body["status_filter"] = statusFilter
	}
	var result BulkResult
	if err := c.do(ctx, http.MethodPost, c.userPath(userID, "/tasks/complete-all"), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteAll removes all of the user's tasks (optionally filtered by status).
func (c *Client) DeleteAll(ctx context.Context, userID string, statusFilter string) (*BulkResult, error) {
	path := c.userPath(userID, "/tasks")
	if statusFilter != "" {
		path += "?status=" + url.QueryEscape(statusFilter)
	}
	var result BulkResult
	if err := c.do(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) userPath(userID, suffix string) string {
	return c.baseURL + "/api/users/" + url.PathEscape(userID) + suffix
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
