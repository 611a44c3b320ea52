package medialib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// Sentinel errors for media server client failures.
var (
	ErrUnreachable = errors.New("media server unreachable")
	ErrTimeout     = errors.New("media server timeout")
	ErrNotFound    = errors.New("job not found")
	ErrAPI         = errors.New("media server error")
)

// Client is the interface to the media server's job API: submission,
// listing, cancellation, and the push-channel endpoint.
type Client interface {
	CreateJob(ctx context.Context, jobType models.JobType, metadata map[string]string) (models.Job, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]models.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	Ready(ctx context.Context) error
	StreamEndpoint(filter ListFilter) (string, http.Header)
}

// ListFilter narrows a job listing or a push-channel subscription. The zero
// value means everything.
type ListFilter struct {
	VideoID string
	JobID   string
	Status  models.JobStatus
	Type    models.JobType
}

// String renders the filter for logs and state maps: "all" for the zero
// value, the query form otherwise.
func (f ListFilter) String() string {
	params := f.values()
	if len(params) == 0 {
		return "all"
	}
	return params.Encode()
}

func (f ListFilter) values() url.Values {
	params := url.Values{}
	if f.VideoID != "" {
		params.Set("video_id", f.VideoID)
	}
	if f.JobID != "" {
		params.Set("job_id", f.JobID)
	}
	if f.Status != "" {
		params.Set("status", string(f.Status))
	}
	if f.Type != "" {
		params.Set("job_type", string(f.Type))
	}
	return params
}

// HTTPClient implements Client against the media server's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a media server client. baseURL must carry the
// scheme and host, no trailing slash required.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateJob(ctx context.Context, jobType models.JobType, metadata map[string]string) (models.Job, error) {
	body, err := json.Marshal(createJobRequest{JobType: jobType, Metadata: metadata})
	if err != nil {
		return models.Job{}, fmt.Errorf("encoding create request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/jobs", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.Job{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.Job{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return models.Job{}, apiError(resp)
	}

	var env jobEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return models.Job{}, fmt.Errorf("decoding create response: %w", err)
	}
	return env.Data, nil
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	u := fmt.Sprintf("%s/api/v1/jobs/%s", c.baseURL, url.PathEscape(jobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.Job{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Job{}, apiError(resp)
	}

	var env jobEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return models.Job{}, fmt.Errorf("decoding job response: %w", err)
	}
	return env.Data, nil
}

func (c *HTTPClient) ListJobs(ctx context.Context, filter ListFilter) ([]models.Job, error) {
	u := fmt.Sprintf("%s/api/v1/jobs", c.baseURL)
	if params := filter.values(); len(params) > 0 {
		u += "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var env jobListEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding job list: %w", err)
	}
	if env.Data == nil {
		return []models.Job{}, nil
	}
	return env.Data, nil
}

func (c *HTTPClient) CancelJob(ctx context.Context, jobID string) error {
	u := fmt.Sprintf("%s/api/v1/jobs/%s/cancel", c.baseURL, url.PathEscape(jobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/api/v1/health", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: media server not ready (status %d)", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// StreamEndpoint returns the push-channel URL plus the headers a dial needs.
// The scheme flips from http(s) to ws(s); the filter becomes the server-side
// subscription scope.
func (c *HTTPClient) StreamEndpoint(filter ListFilter) (string, http.Header) {
	u := c.baseURL + "/api/v1/jobs/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if params := filter.values(); len(params) > 0 {
		u += "?" + params.Encode()
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	return u, header
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// apiError turns a non-2xx response into a sentinel-wrapped error, keeping
// the server's own message when it sent one.
func apiError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
	}

	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Message != "" {
		return fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, env.Error.Message)
	}
	return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
}

// --- media server response types ---

type createJobRequest struct {
	JobType  models.JobType    `json:"job_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type jobEnvelope struct {
	Data models.Job `json:"data"`
}

type jobListEnvelope struct {
	Data []models.Job `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
