package slots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/roach88/chanmgr/internal/model"
)

// Default retry settings for Slot API calls.
const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3
)

// HTTPClient calls the Slot API of runtimes over HTTP/JSON.
//
// Transport errors and 5xx responses are retried with exponential backoff
// by go-retryablehttp. 4xx responses are final and mapped to model codes.
type HTTPClient struct {
	client *retryablehttp.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*retryablehttp.Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Timeout = d
	}
}

// WithRetries sets the maximum number of retries after the first attempt.
func WithRetries(n int) HTTPOption {
	return func(c *retryablehttp.Client) {
		c.RetryMax = n
	}
}

// WithRetryWait sets the backoff bounds between attempts.
func WithRetryWait(minWait, maxWait time.Duration) HTTPOption {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = minWait
		c.RetryWaitMax = maxWait
	}
}

// WithLogger routes retry diagnostics to logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(c *retryablehttp.Client) {
		c.Logger = logger
	}
}

// NewHTTPClient creates a Slot API client.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = DefaultTimeout
	c.RetryMax = DefaultRetries
	c.CheckRetry = retryablehttp.ErrorPropagatedRetryPolicy
	c.Backoff = retryablehttp.DefaultBackoff
	c.Logger = slog.Default()
	for _, opt := range opts {
		opt(c)
	}
	return &HTTPClient{client: c}
}

type connectResponse struct {
	OperationID string `json:"operationId"`
}

// ConnectSlot implements Client.
func (c *HTTPClient) ConnectSlot(ctx context.Context, target string, req ConnectRequest) (string, error) {
	var resp connectResponse
	if err := c.post(ctx, target, "/v1/slots/connect", req, &resp); err != nil {
		return "", fmt.Errorf("connect slot %s -> %s: %w", req.From.PeerID, req.To.PeerID, err)
	}
	return resp.OperationID, nil
}

// DisconnectSlot implements Client.
func (c *HTTPClient) DisconnectSlot(ctx context.Context, peer Endpoint) error {
	if err := c.post(ctx, peer.Address, "/v1/slots/disconnect", peer, nil); err != nil {
		return fmt.Errorf("disconnect slot %s: %w", peer.PeerID, err)
	}
	return nil
}

// DestroySlot implements Client.
func (c *HTTPClient) DestroySlot(ctx context.Context, peer Endpoint) error {
	if err := c.post(ctx, peer.Address, "/v1/slots/destroy", peer, nil); err != nil {
		return fmt.Errorf("destroy slot %s: %w", peer.PeerID, err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, base, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(base, "/") + path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return model.InvalidArgument("bad slot address %q: %v", base, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps a final non-2xx status to a categorized error.
// 5xx statuses stay uncategorized so callers treat them as transient.
func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("slot api returned %d: %s", status, body)
	switch {
	case status == http.StatusNotFound:
		return model.NotFound("%s", msg)
	case status == http.StatusConflict:
		return model.FailedPrecondition("%s", msg)
	case status == http.StatusBadRequest:
		return model.InvalidArgument("%s", msg)
	case status >= 400 && status < 500:
		return model.Internal("%s", msg)
	}
	return fmt.Errorf("%s", msg)
}
