package engramsdk

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

// Client is a minimal engram HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout bounds each call. Await calls get their wait added on top.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TaskRequest describes a task to submit. Empty TaskID lets the server
// generate one.
type TaskRequest struct {
	TaskID         string         `json:"task_id,omitempty"`
	Role           string         `json:"role"`
	Priority       string         `json:"priority,omitempty"`
	TaskType       string         `json:"task_type,omitempty"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	ModelTier      string         `json:"model_tier,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Task is a submitted task as reported by the server.
type Task struct {
	TaskID         string         `json:"task_id"`
	Role           string         `json:"role"`
	Priority       string         `json:"priority"`
	TaskType       string         `json:"task_type"`
	InputData      map[string]any `json:"input_data,omitempty"`
	ModelTier      string         `json:"model_tier"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Result is the outcome of one task.
type Result struct {
	TaskID          string         `json:"task_id"`
	Role            string         `json:"role,omitempty"`
	Success         bool           `json:"success"`
	Output          any            `json:"output,omitempty"`
	Reasoning       string         `json:"reasoning,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Status is the bookkeeping view of one task.
type Status struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	Task        *Task      `json:"task,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Metrics mirrors the coordinator counters.
type Metrics struct {
	Total              int     `json:"total"`
	Successful         int     `json:"successful"`
	Failed             int     `json:"failed"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	ActiveCount        int     `json:"active_count"`
	QueuedCount        int     `json:"queued_count"`
	CompletedRetained  int     `json:"completed_retained"`
	Batches            int     `json:"batches"`
}

// RoleVote summarizes one role's contribution to a verdict.
type RoleVote struct {
	Results        int     `json:"results"`
	Successful     int     `json:"successful"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// Verdict is a consensus outcome.
type Verdict struct {
	Key               string              `json:"key"`
	OverallConfidence float64             `json:"overall_confidence"`
	ConsensusScore    float64             `json:"consensus_score"`
	Recommendation    string              `json:"recommendation"`
	Error             string              `json:"error,omitempty"`
	Total             int                 `json:"total"`
	Successful        int                 `json:"successful"`
	Roles             map[string]RoleVote `json:"roles,omitempty"`
}

// ConsensusRequest either scores Results directly or, when Results is empty,
// asks each of Roles to verify Item.
type ConsensusRequest struct {
	Key       string         `json:"key"`
	Roles     []string       `json:"roles,omitempty"`
	Item      map[string]any `json:"item,omitempty"`
	Results   []Result       `json:"results,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit submits one task and returns its id.
func (c *Client) Submit(ctx context.Context, task TaskRequest) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, 0, http.MethodPost, "tasks", task, &resp)
	return resp.TaskID, err
}

// SubmitBatch submits tasks in order. When the server rejects one, the ids
// accepted before it are still returned together with the error.
func (c *Client) SubmitBatch(ctx context.Context, tasks []TaskRequest) ([]string, error) {
	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	err := c.do(ctx, 0, http.MethodPost, "tasks/batch", map[string]any{"tasks": tasks}, &resp)
	if err != nil {
		return submittedIDs(err), err
	}
	return resp.TaskIDs, nil
}

// Status returns the status of a task.
func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	var resp Status
	err := c.do(ctx, 0, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// AwaitResult waits up to timeout for a result. A nil result with a nil
// error means the wait timed out.
func (c *Client) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (*Result, error) {
	var resp struct {
		Done   bool    `json:"done"`
		Result *Result `json:"result"`
	}
	endpoint := fmt.Sprintf("tasks/%s/result?timeout_ms=%d", url.PathEscape(taskID), timeout.Milliseconds())
	if err := c.do(ctx, timeout, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Done {
		return nil, nil
	}
	return resp.Result, nil
}

// AwaitBatch waits up to timeout and returns one result per id, in order.
func (c *Client) AwaitBatch(ctx context.Context, taskIDs []string, timeout time.Duration) ([]Result, error) {
	var resp struct {
		Results []Result `json:"results"`
	}
	body := map[string]any{"task_ids": taskIDs, "timeout_ms": timeout.Milliseconds()}
	err := c.do(ctx, timeout, http.MethodPost, "tasks/await", body, &resp)
	return resp.Results, err
}

// Metrics returns the coordinator counters.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, 0, http.MethodGet, "metrics", nil, &resp)
	return resp, err
}

// Consensus runs or scores a cross-role verification.
func (c *Client) Consensus(ctx context.Context, req ConsensusRequest) (Verdict, error) {
	var resp Verdict
	wait := time.Duration(req.TimeoutMs) * time.Millisecond
	err := c.do(ctx, wait, http.MethodPost, "consensus", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, wait time.Duration, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout+wait)
		defer cancel()
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func submittedIDs(err error) []string {
	apiErr, ok := err.(*APIError)
	if !ok {
		return nil
	}
	raw, _ := apiErr.Details["submitted"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

