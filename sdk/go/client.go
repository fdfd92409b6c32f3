package solarossdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal SolarOS HTTP API client, shaped for external task
// processors: claim work, report results, and read the event log.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID            string `json:"id"`
	CustomerName  string `json:"customer_name"`
	Address       string `json:"address"`
	FinancingType string `json:"financing_type"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Task represents a queued unit of work.
type Task struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	Input      string `json:"input"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	ClaimedBy  string `json:"claimed_by,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsQueueEmpty reports whether an error from ClaimTask means no pending
// task matched. Callers usually back off and poll again.
func IsQueueEmpty(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// CreateProject registers a project in intake.
func (c *Client) CreateProject(ctx context.Context, customerName, address, financingType string) (Project, error) {
	body := map[string]any{
		"customer_name":  customerName,
		"address":        address,
		"financing_type": financingType,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ClaimTask claims the next pending task, optionally limited to one type.
func (c *Client) ClaimTask(ctx context.Context, taskType, workerID string) (Task, error) {
	body := map[string]any{
		"type":      taskType,
		"worker_id": workerID,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/claim", body, &resp)
	return resp, err
}

// CompleteTask reports a successful task result.
func (c *Client) CompleteTask(ctx context.Context, taskID string, output, attempt, learning map[string]any) (Task, error) {
	body := map[string]any{
		"output":        output,
		"ai_attempt":    attempt,
		"learning_data": learning,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FailTask reports a failed attempt. The server decides whether the task
// is requeued or handed to a human.
func (c *Client) FailTask(ctx context.Context, taskID string, attempt map[string]any) (Task, error) {
	body := map[string]any{
		"ai_attempt": attempt,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/fail", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetSurveyStatus moves a survey through its review lifecycle.
func (c *Client) SetSurveyStatus(ctx context.Context, surveyID, status string) error {
	endpoint := fmt.Sprintf("v0/surveys/%s/status", url.PathEscape(surveyID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, nil)
}

// SetDesignStatus moves a CAD design through its review lifecycle.
func (c *Client) SetDesignStatus(ctx context.Context, designID, status string) error {
	endpoint := fmt.Sprintf("v0/designs/%s/status", url.PathEscape(designID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, nil)
}

// SetPermitStatus moves a permit through its review lifecycle.
func (c *Client) SetPermitStatus(ctx context.Context, permitID, status, notes string) error {
	endpoint := fmt.Sprintf("v0/permits/%s/status", url.PathEscape(permitID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status, "notes": notes}, nil)
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, projectID, eventType string) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
