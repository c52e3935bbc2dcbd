package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gaffer/internal/domain"
)

// Client talks to a running gafferd over its unix socket.
type Client struct {
	SocketPath string
	HTTPClient *http.Client
}

// NewClient builds a client for the daemon listening at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		SocketPath: socketPath,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned status %d", e.StatusCode)
}

// IsNotFound reports whether err is a daemon 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://gafferd"+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error apiErrorBody `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Ping reports whether a daemon is answering on the socket.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", struct{}{}, nil)
}

func (c *Client) StartWorker(ctx context.Context, req WorkerStartRequest) (domain.Worker, error) {
	var out WorkerDetail
	err := c.do(ctx, http.MethodPost, "/workers", req, &out)
	return out.Worker, err
}

func (c *Client) ListWorkers(ctx context.Context, all bool) ([]domain.Worker, error) {
	endpoint := "/workers"
	if all {
		endpoint += "?all=true"
	}
	var out WorkerListResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Workers, err
}

func (c *Client) GetWorker(ctx context.Context, id string) (WorkerDetail, error) {
	var out WorkerDetail
	err := c.do(ctx, http.MethodGet, "/workers/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) StopWorker(ctx context.Context, id string, stopRuns bool) (domain.Worker, error) {
	var out WorkerDetail
	err := c.do(ctx, http.MethodPost, "/workers/"+url.PathEscape(id)+"/stop", WorkerStopRequest{StopRuns: stopRuns}, &out)
	return out.Worker, err
}

func (c *Client) WorkerLogs(ctx context.Context, id string, lines int) ([]string, error) {
	endpoint := "/workers/" + url.PathEscape(id) + "/logs"
	if lines > 0 {
		endpoint += "?lines=" + strconv.Itoa(lines)
	}
	var out LogResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Lines, err
}

func (c *Client) PruneWorkers(ctx context.Context) ([]string, error) {
	var out PruneResponse
	err := c.do(ctx, http.MethodDelete, "/workers", nil, &out)
	return out.Removed, err
}

func (c *Client) ListRuns(ctx context.Context, workerID, status string, all bool) ([]domain.Run, error) {
	q := url.Values{}
	if workerID != "" {
		q.Set("worker", workerID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if all {
		q.Set("all", "true")
	}
	endpoint := "/runs"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var out RunListResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Runs, err
}

func (c *Client) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var out RunEnvelope
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &out)
	return out.Run, err
}

func (c *Client) StopRun(ctx context.Context, id string) (domain.Run, error) {
	var out RunEnvelope
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/stop", struct{}{}, &out)
	return out.Run, err
}

func (c *Client) PauseRun(ctx context.Context, id string) (domain.Run, error) {
	var out RunEnvelope
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/pause", struct{}{}, &out)
	return out.Run, err
}

func (c *Client) ResumeRun(ctx context.Context, id string) (domain.Run, error) {
	var out RunEnvelope
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/resume", struct{}{}, &out)
	return out.Run, err
}

func (c *Client) RunLogs(ctx context.Context, id string, lines int) ([]string, error) {
	endpoint := "/runs/" + url.PathEscape(id) + "/logs"
	if lines > 0 {
		endpoint += "?lines=" + strconv.Itoa(lines)
	}
	var out LogResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Lines, err
}

func (c *Client) DaemonLogs(ctx context.Context, lines int) ([]string, error) {
	endpoint := "/logs"
	if lines > 0 {
		endpoint += "?lines=" + strconv.Itoa(lines)
	}
	var out LogResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Lines, err
}
