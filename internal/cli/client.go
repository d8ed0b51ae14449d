package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/pkg/model"
)

// Client is an HTTP client for the rtdispatch trace API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a trace API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// do performs an HTTP request and returns the parsed envelope.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (*apiResponse, error) {
	target := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
		c.Logger.Debug("HTTP request body", "bytes", len(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	c.Logger.Debug("HTTP request", "method", method, "url", target)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "bytes", len(respBody))

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w\nbody: %s", resp.StatusCode, err, string(respBody))
	}

	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}

	return &apiResp, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*apiResponse, error) {
	return c.do(ctx, "GET", path, "", nil)
}

// PostScenario submits a scenario file for execution on the server.
func (c *Client) PostScenario(ctx context.Context, data []byte) (*model.Run, error) {
	resp, err := c.do(ctx, "POST", "/api/v1/runs/", "application/yaml", data)
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return nil, fmt.Errorf("parse run: %w", err)
	}
	return &run, nil
}

func (c *Client) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("offset", strconv.Itoa(opts.Offset))
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	resp, err := c.Get(ctx, "/api/v1/runs/?"+q.Encode())
	if err != nil {
		return nil, 0, err
	}
	var runs []*model.Run
	if err := json.Unmarshal(resp.Data, &runs); err != nil {
		return nil, 0, fmt.Errorf("parse runs: %w", err)
	}
	total := len(runs)
	if resp.Pagination != nil {
		total = resp.Pagination.Total
	}
	return runs, total, nil
}

// GetRun returns (nil, nil) when the server does not know the run.
func (c *Client) GetRun(ctx context.Context, id string) (*model.Run, error) {
	resp, err := c.Get(ctx, "/api/v1/runs/"+url.PathEscape(id))
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return nil, fmt.Errorf("parse run: %w", err)
	}
	return &run, nil
}

func (c *Client) ListEvents(ctx context.Context, runID string, eq store.EventQuery) ([]model.Event, error) {
	q := url.Values{}
	if eq.AfterSeq > 0 {
		q.Set("after", strconv.Itoa(eq.AfterSeq))
	}
	if eq.Task != "" {
		q.Set("task", eq.Task)
	}
	if eq.Limit > 0 {
		q.Set("limit", strconv.Itoa(eq.Limit))
	}
	if len(eq.Kinds) > 0 {
		kinds := make([]string, len(eq.Kinds))
		for i, k := range eq.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kind", strings.Join(kinds, ","))
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var events []model.Event
	if err := json.Unmarshal(resp.Data, &events); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	return events, nil
}
