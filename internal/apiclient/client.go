// Package apiclient is a REST client for the simulation service.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// UploadResult describes a staged dataset.
type UploadResult struct {
	DatasetID string   `json:"dataset_id"`
	Size      int64    `json:"size"`
	Rows      int      `json:"rows"`
	Headers   []string `json:"headers"`
}

// RunRef identifies a run and its status label.
type RunRef struct {
	RunID  *string `json:"run_id"`
	Status string  `json:"status"`
}

// Status is the service's view of the latest run.
type Status struct {
	Run       *domain.RunRecord     `json:"run"`
	State     domain.RunState       `json:"state"`
	Canonical domain.CanonicalState `json:"canonical"`
}

// Health is the health endpoint payload.
type Health struct {
	Status      string          `json:"status"`
	Connections int             `json:"connections"`
	RunState    domain.RunState `json:"run_state"`
}

// Archive is an archived run with its download links.
type Archive struct {
	domain.ArchiveEntry
	OutputURL *string `json:"output_url"`
	LogURL    *string `json:"log_url"`
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }

// Client talks to the REST API.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New creates a client for baseURL, e.g. http://localhost:3001.
func New(baseURL string, logger zerolog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = leveledLogger{logger: logger}
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    retryClient,
	}
}

// checkRetry retries transport errors and gateway failures. A 500 from the
// service is final: retrying a failed start would launch another run.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusInternalServerError {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Health checks the service.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/api/health", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload stages CSV content read from r.
func (c *Client) Upload(ctx context.Context, r io.Reader) (*UploadResult, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var out UploadResult
	if err := c.do(ctx, http.MethodPost, "/api/upload", "text/csv", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start launches a run on the staged dataset.
func (c *Client) Start(ctx context.Context, datasetID string, features []string) (*RunRef, error) {
	body, err := json.Marshal(map[string]interface{}{
		"dataset_id": datasetID,
		"features":   features,
	})
	if err != nil {
		return nil, err
	}
	var out RunRef
	if err := c.do(ctx, http.MethodPost, "/api/simulation/start", "application/json", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop signals runID, or the active run when empty.
func (c *Client) Stop(ctx context.Context, runID string, allowIdle bool) (*RunRef, error) {
	body, err := json.Marshal(map[string]string{"run_id": runID})
	if err != nil {
		return nil, err
	}
	path := "/api/simulation/stop"
	if allowIdle {
		path += "?allow_idle=true"
	}
	var out RunRef
	if err := c.do(ctx, http.MethodPost, path, "application/json", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset restores the progress defaults.
func (c *Client) Reset(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodPost, "/api/simulation/reset", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the latest run and progress.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/simulation/status", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run returns one run record.
func (c *Client) Run(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var out domain.RunRecord
	if err := c.do(ctx, http.MethodGet, "/api/simulation/runs/"+url.PathEscape(runID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns up to limit recent log lines; 0 means the server default.
func (c *Client) Logs(ctx context.Context, limit int) ([]domain.LogLine, error) {
	path := "/api/simulation/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Logs []domain.LogLine `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Archives lists archived runs, newest first.
func (c *Client) Archives(ctx context.Context) ([]Archive, error) {
	var out []Archive
	if err := c.do(ctx, http.MethodGet, "/api/archives", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download copies an archive artifact ("output" or "logs") to w.
func (c *Client) Download(ctx context.Context, runID, artifact string, w io.Writer) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/archive/"+url.PathEscape(runID)+"/"+artifact, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var payload interface{}
	if body != nil {
		payload = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
