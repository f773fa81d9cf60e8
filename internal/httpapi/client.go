package httpapi

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

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Client calls the ops API; the CLI uses it for submit, status and cancel.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// SubmitRun sends POST /runs.
func (c *Client) SubmitRun(ctx context.Context, req SubmitRunRequest) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodPost, "/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun sends GET /runs/{id}.
func (c *Client) GetRun(ctx context.Context, id types.RunID) (*RunResponse, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun sends POST /runs/{id}/cancel.
func (c *Client) CancelRun(ctx context.Context, id types.RunID, reason string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(string(id))+"/cancel", CancelRunRequest{Reason: reason}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(respBody)
		var e ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
