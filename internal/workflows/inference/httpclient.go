package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
)

// Client is the thin HTTP-JSON implementation of Dispatcher (§4.J): the
// inference server is an external collaborator (§1), so this is the
// interface to it, not a reimplementation of its model-serving logic.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client talking to an inference server at baseURL (no
// trailing slash).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

func (c *Client) IsModelReady(ctx context.Context, pluginName, modelID string) (bool, error) {
	var resp readyResponse
	path := fmt.Sprintf("/models/%s/%s/ready", pluginName, modelID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Ready, nil
}

type forwardQueryRequest struct {
	Query interface{} `json:"query"`
}

type vectorResponse struct {
	Vector []float32 `json:"vector"`
}

func (c *Client) ForwardQuery(ctx context.Context, pluginName, modelID string, query interface{}) ([]float32, error) {
	var resp vectorResponse
	path := fmt.Sprintf("/models/%s/%s/forward_query", pluginName, modelID)
	if err := c.postJSON(ctx, path, forwardQueryRequest{Query: query}, &resp); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

type forwardItemsRequest struct {
	Items []interface{} `json:"items"`
}

type vectorsResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (c *Client) ForwardItems(ctx context.Context, pluginName, modelID string, items []interface{}) ([][]float32, error) {
	var resp vectorsResponse
	path := fmt.Sprintf("/models/%s/%s/forward_items", pluginName, modelID)
	if err := c.postJSON(ctx, path, forwardItemsRequest{Items: items}, &resp); err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Internal("inference.http_get build_request", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal("inference.http_post marshal", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return apperrors.Internal("inference.http_post build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.UnavailableDependency("inference server unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		return apperrors.UnavailableDependency("inference server returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return apperrors.Internal("inference.http_status", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return apperrors.Validation("inference server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Internal("inference.http_decode", err)
	}
	return nil
}
