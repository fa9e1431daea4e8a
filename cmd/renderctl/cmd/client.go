package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediarender/internal/httpkit"
	"mediarender/internal/render"
)

// JobClient calls the mediarender render-jobs API.
type JobClient struct {
	BaseURL    string
	Tenant     string
	HTTPClient *http.Client
}

func NewJobClient(baseURL, tenant string) *JobClient {
	return &JobClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tenant:  tenant,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer. Code and Message come from the error
// envelope when the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type jobEnvelope struct {
	Job *render.Job `json:"job"`
}

// Create sends POST /render-jobs.
func (c *JobClient) Create(ctx context.Context, req render.CreateRequest) (*render.Job, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/render-jobs", body)
}

// Submit sends POST /render-jobs/{id}/submit.
func (c *JobClient) Submit(ctx context.Context, id string) (*render.Job, error) {
	return c.do(ctx, http.MethodPost, "/render-jobs/"+id+"/submit", nil)
}

// Status sends GET /render-jobs/{id}/status.
func (c *JobClient) Status(ctx context.Context, id string) (*render.Job, error) {
	return c.do(ctx, http.MethodGet, "/render-jobs/"+id+"/status", nil)
}

// Poll sends GET /render-jobs/{id}/poll.
func (c *JobClient) Poll(ctx context.Context, id string) (*render.Job, error) {
	return c.do(ctx, http.MethodGet, "/render-jobs/"+id+"/poll", nil)
}

// Cancel sends POST /render-jobs/{id}/cancel.
func (c *JobClient) Cancel(ctx context.Context, id string) (*render.Job, error) {
	return c.do(ctx, http.MethodPost, "/render-jobs/"+id+"/cancel", nil)
}

func (c *JobClient) do(ctx context.Context, method, path string, body []byte) (*render.Job, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Tenant != "" {
		httpReq.Header.Set("X-Tenant-ID", c.Tenant)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var env httpkit.ErrorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	var out jobEnvelope
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Job == nil {
		return nil, fmt.Errorf("response carried no job")
	}
	return out.Job, nil
}
