// Package client talks to a running promptsmith server so CLI commands can
// share its history instead of opening the store from a second process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lazypower/promptsmith/internal/history"
	"github.com/lazypower/promptsmith/internal/service"
)

// Flows wait on the model, so the timeout is generous.
const httpTimeout = 5 * time.Minute

// APIError is a non-2xx response from the server.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Fields  []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Is maps statuses onto the history sentinels so errors.Is works the same
// for local and remote history.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == history.ErrRecordNotFound || target == history.ErrChainNotFound
	case http.StatusServiceUnavailable:
		return target == history.ErrStorageFailure
	}
	return false
}

// Client talks to the promptsmith server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. A nil httpClient gets a default one.
func New(serverURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpTimeout}
	}
	return &Client{
		http:      httpClient,
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// FromEnv returns a client for PROMPTSMITH_URL, or nil when it is unset.
func FromEnv() *Client {
	u := os.Getenv("PROMPTSMITH_URL")
	if u == "" {
		return nil
	}
	return New(u, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(data)),
		}
		var eb struct {
			Error  string   `json:"error"`
			Fields []string `json:"fields"`
		}
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Message = eb.Error
			apiErr.Fields = eb.Fields
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable and its storage answers.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

func (c *Client) Records(ctx context.Context) ([]history.PromptRecord, error) {
	var out []history.PromptRecord
	return out, c.do(ctx, http.MethodGet, "/api/history", nil, &out)
}

func (c *Client) Record(ctx context.Context, id string) (*history.PromptRecord, error) {
	var out history.PromptRecord
	if err := c.do(ctx, http.MethodGet, "/api/history/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IterationChain(ctx context.Context, id string) ([]history.PromptRecord, error) {
	var out []history.PromptRecord
	return out, c.do(ctx, http.MethodGet, "/api/history/"+url.PathEscape(id)+"/lineage", nil, &out)
}

func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/history/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/history", nil, nil)
}

func (c *Client) AllChains(ctx context.Context) ([]history.Chain, error) {
	var out []history.Chain
	return out, c.do(ctx, http.MethodGet, "/api/chains", nil, &out)
}

func (c *Client) Chain(ctx context.Context, chainID string) (*history.Chain, error) {
	var out history.Chain
	if err := c.do(ctx, http.MethodGet, "/api/chains/"+url.PathEscape(chainID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteChain(ctx context.Context, chainID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chains/"+url.PathEscape(chainID), nil, nil)
}

// Optimize runs the optimize flow on the server and waits for the new chain.
func (c *Client) Optimize(ctx context.Context, req service.OptimizeRequest) (*history.Chain, error) {
	var out history.Chain
	if err := c.do(ctx, http.MethodPost, "/api/optimize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Iterate runs the iterate flow on the server and waits for the updated chain.
func (c *Client) Iterate(ctx context.Context, req service.IterateRequest) (*history.Chain, error) {
	var out history.Chain
	if err := c.do(ctx, http.MethodPost, "/api/iterate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
