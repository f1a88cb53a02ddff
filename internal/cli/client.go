package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a thin wrapper over the orchestrator's HTTP API for genctl.
type Client struct {
	baseURL string
	ownerID string
	http    *http.Client
}

func NewClient(baseURL, ownerID string) *Client {
	return &Client{
		baseURL: baseURL,
		ownerID: ownerID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type Job struct {
	ID            string     `json:"id"`
	JobType       string     `json:"job_type"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	Prompt        string     `json:"prompt"`
	TuneID        *string    `json:"tune_id,omitempty"`
	ExternalJobID *string    `json:"external_job_id,omitempty"`
	ResultURLs    []string   `json:"result_urls,omitempty"`
	ThumbnailURLs []string   `json:"thumbnail_urls,omitempty"`
	Error         *string    `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type JobList struct {
	Jobs   []Job `json:"jobs"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

type ActivePoller struct {
	JobID         string    `json:"job_id"`
	OwnerID       string    `json:"owner_id"`
	ExternalJobID string    `json:"external_job_id"`
	Provider      string    `json:"provider"`
	JobType       string    `json:"job_type"`
	StartedAt     time.Time `json:"started_at"`
}

type PollerList struct {
	Pollers []ActivePoller `json:"pollers"`
	Count   int            `json:"count"`
}

type SubmitJobRequest struct {
	JobType   string            `json:"job_type"`
	Provider  string            `json:"provider"`
	Prompt    string            `json:"prompt"`
	TuneID    string            `json:"tune_id,omitempty"`
	InputURLs []string          `json:"input_urls,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func (c *Client) ListJobs(ctx context.Context, limit, offset int) (*JobList, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out JobList
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPollers(ctx context.Context) (*PollerList, error) {
	var out PollerList
	if err := c.do(ctx, http.MethodGet, "/api/v1/pollers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", c.ownerID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiErrorBody
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
