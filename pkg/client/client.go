// Package client is a small Go client for the scheduler's REST api, used by
// the simsubmit CLI and by integration tests.
package client

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

	"github.com/pkg/errors"

	"github.com/ansys/simsched/pkg/api"
)

// ApiError carries the status code and error message of a non-2xx response.
type ApiError struct {
	StatusCode int
	Message    string
}

func (err *ApiError) Error() string {
	return fmt.Sprintf("scheduler returned %d: %s", err.StatusCode, err.Message)
}

// Client talks to one scheduler instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for the given base url, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitJob posts the config and returns the assigned job id.
func (c *Client) SubmitJob(ctx context.Context, config api.JobConfigSpec, priority int) (string, error) {
	var resp api.SubmitJobResponse
	req := api.SubmitJobRequest{Config: config, Priority: priority}
	if err := c.do(ctx, http.MethodPost, "/jobs/submit", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// CancelJob requests cancellation; cancelling a finished job is not an error.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// SetPriority changes the scheduling priority of a queued job.
func (c *Client) SetPriority(ctx context.Context, jobID string, priority int) error {
	req := api.SetPriorityRequest{Priority: priority}
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/priority", req, nil)
}

// ListJobs returns every tracked job in submission order.
func (c *Client) ListJobs(ctx context.Context) ([]api.JobDetails, error) {
	var details []api.JobDetails
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &details); err != nil {
		return nil, err
	}
	return details, nil
}

// GetJob returns one job's metadata.
func (c *Client) GetJob(ctx context.Context, jobID string) (api.JobDetails, error) {
	var details api.JobDetails
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &details)
	return details, err
}

// Resources returns the latest host telemetry snapshot as raw JSON fields.
func (c *Client) Resources(ctx context.Context) (map[string]interface{}, error) {
	var snapshot map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/resources", nil, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// QueueStats returns job counts per state.
func (c *Client) QueueStats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Partition mirrors the server's partition payload.
type Partition struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Nodes        int    `json:"nodes"`
	CoresPerNode int    `json:"coresPerNode"`
}

// Partitions lists the queues/partitions known to the given backend.
func (c *Client) Partitions(ctx context.Context, backend string) ([]Partition, error) {
	var partitions []Partition
	path := "/scheduler/partitions?backend=" + url.QueryEscape(backend)
	if err := c.do(ctx, http.MethodGet, path, nil, &partitions); err != nil {
		return nil, err
	}
	return partitions, nil
}

// WaitForJob polls until the job reaches a terminal state or the context is
// cancelled.
func (c *Client) WaitForJob(ctx context.Context, jobID string, pollInterval time.Duration) (api.JobDetails, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		details, err := c.GetJob(ctx, jobID)
		if err != nil {
			return api.JobDetails{}, err
		}
		switch details.Status {
		case "COMPLETED", "FAILED", "CANCELLED":
			return details, nil
		}
		select {
		case <-ctx.Done():
			return details, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not reach scheduler")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &ApiError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.WithStack(json.NewDecoder(resp.Body).Decode(out))
}
