package http

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

	"github.com/socialgouv/fcpd-server/pkg/include"
	"github.com/socialgouv/fcpd-server/pkg/logger"
)

// APIError is a failed control API call
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control API returned status %d", e.Status)
	}
	return e.Message
}

// Client calls the control API of a running bridge
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logger.Logger
}

// NewClient creates a control API client. address is host:port or a URL.
func NewClient(address string, timeout time.Duration, log logger.Logger) *Client {
	baseURL := address
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

// Launch launches Pure-Data
func (c *Client) Launch(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.do(ctx, http.MethodPost, "/launch", nil, &out)
}

// Run starts the bridge server alone
func (c *Client) Run(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.do(ctx, http.MethodPost, "/run", nil, &out)
}

// Stop stops the bridge server and Pure-Data
func (c *Client) Stop(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.do(ctx, http.MethodPost, "/stop", nil, &out)
}

// Status returns the bridge status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.do(ctx, http.MethodGet, "/status", nil, &out)
}

// CreateInclude creates an include
func (c *Client) CreateInclude(ctx context.Context, req CreateIncludeRequest) (*include.PatchInclude, error) {
	var out include.PatchInclude
	return &out, c.do(ctx, http.MethodPost, "/includes", req, &out)
}

// ListIncludes lists the includes of the document
func (c *Client) ListIncludes(ctx context.Context) ([]IncludeSummary, error) {
	var out []IncludeSummary
	return out, c.do(ctx, http.MethodGet, "/includes", nil, &out)
}

// GetInclude returns an include with its content
func (c *Client) GetInclude(ctx context.Context, name string) (*include.PatchInclude, error) {
	var out include.PatchInclude
	return &out, c.do(ctx, http.MethodGet, "/includes/"+url.PathEscape(name), nil, &out)
}

// UpdateInclude replaces the content of an include
func (c *Client) UpdateInclude(ctx context.Context, name string, data []byte) (*include.PatchInclude, error) {
	var out include.PatchInclude
	return &out, c.do(ctx, http.MethodPut, "/includes/"+url.PathEscape(name), UpdateIncludeRequest{Data: data}, &out)
}

// DeleteInclude removes an include
func (c *Client) DeleteInclude(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/includes/"+url.PathEscape(name), nil, nil)
}

// EditInclude opens an include in Pure-Data
func (c *Client) EditInclude(ctx context.Context, name string) (string, error) {
	var out EditResponse
	err := c.do(ctx, http.MethodPost, "/includes/"+url.PathEscape(name)+"/edit", nil, &out)
	return out.Path, err
}

// Save saves the document
func (c *Client) Save(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.do(ctx, http.MethodPost, "/save", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("Sending %s %s", method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the bridge at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Message
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
