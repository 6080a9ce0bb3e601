package balancer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

// Client talks to the balancer's internal API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a balancer client. timeout bounds each request; a
// baseURL without a scheme is taken as plain http.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the base URL of the balancer.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes any idle connections in the HTTP client pool.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Register announces a storage node to the balancer.
func (c *Client) Register(ctx context.Context, host string, port int, name string) (*proto.RegisterResponse, error) {
	req := proto.RegisterRequest{
		Destination: &proto.Destination{Host: host, Port: port},
		Name:        name,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/internal/nodes", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// RetryConfig configures the retry behavior for registration.
type RetryConfig struct {
	Interval time.Duration // Fixed delay between attempts (default: 2s)
	Timeout  time.Duration // Overall deadline (default: 30s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval: 2 * time.Second,
		Timeout:  30 * time.Second,
	}
}

// RegisterWithRetry registers on a fixed interval until it succeeds, the
// balancer refuses with ErrRegistrationClosed, or cfg.Timeout elapses.
func (c *Client) RegisterWithRetry(ctx context.Context, host string, port int, name string, cfg RetryConfig) (*proto.RegisterResponse, error) {
	defaults := DefaultRetryConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := c.Register(ctx, host, port, name)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrRegistrationClosed) {
			return nil, err
		}
		lastErr = err

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", cfg.Interval).
			Msg("failed to register with balancer, retrying...")

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("register with balancer after %d attempts: %w (last error: %v)", attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// ListNodes returns the registered storage nodes in registration order.
func (c *Client) ListNodes(ctx context.Context) ([]proto.NodeInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/internal/nodes", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.NodeListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Data, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.client.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	msg := strings.TrimSpace(string(body))
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.ErrorMessage != "" {
		msg = errResp.ErrorMessage
	}

	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrRegistrationClosed, msg)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
}
