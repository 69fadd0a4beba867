package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yourusername/bucketfence/core"
	"github.com/yourusername/bucketfence/store"
)

// Client calls a remote bucketfence service. It implements store.Store, so
// a Limiter can run against the service instead of talking to Redis.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ store.Store = (*Client)(nil)

// NewClient creates a client for the service at baseURL.
// A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Execute decides keys remotely at instant now
func (c *Client) Execute(ctx context.Context, keys []string, p core.Params, now int64) (map[string]core.Decision, error) {
	req := CheckRequest{
		Keys:       keys,
		MaxTokens:  &p.MaxTokens,
		IntervalMs: &p.IntervalMs,
		RefillRate: &p.RefillRate,
		NowMs:      &now,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp CheckResponse
	if err := c.do(ctx, http.MethodPost, "/check", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}

	decisions := make(map[string]core.Decision, len(resp.Decisions))
	for _, key := range keys {
		d, ok := resp.Decisions[key]
		if !ok {
			return nil, fmt.Errorf("%w: no decision for key %q", store.ErrMalformedReply, key)
		}
		decisions[key] = core.Decision{Remaining: d.Remaining, NextRefillAt: d.NextRefillAt}
	}
	return decisions, nil
}

// Ping calls the service health endpoint
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", store.ErrStoreTimeout, err)
		}
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", store.ErrMalformedReply, err)
	}
	return nil
}

// statusError maps an error response back to the sentinel it came from
func statusError(resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)

	switch {
	case e.Error == "invalid_parameters":
		return fmt.Errorf("%w: %s", core.ErrInvalidParameters, e.Message)
	case e.Error == "invalid_key":
		return fmt.Errorf("%w: %s", core.ErrInvalidKey, e.Message)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d %s", store.ErrStoreUnavailable, resp.StatusCode, e.Error)
	default:
		return fmt.Errorf("bucketfence: status %d %s: %s", resp.StatusCode, e.Error, e.Message)
	}
}
