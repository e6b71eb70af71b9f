// Package sdk is the Go client for the TrackTags metering API.
//
// Two integration patterns:
//
//  1. Direct: increment and read metrics against your tenant.
//  2. Gated: route upstream calls through the service's proxy so a
//     breached limit stops them before they leave your process.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://tracktags.yourcompany.com",
//	    APIKey:  os.Getenv("TRACKTAGS_API_KEY"),
//	})
//	mv, err := client.Increment(ctx, "api_calls", 1)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the TrackTags endpoint (required).
	BaseURL string

	// APIKey is a business or customer key (required).
	APIKey string

	// Timeout for API calls (default 30s).
	Timeout time.Duration

	// OnDenied is called when Guard reports a breached limit.
	OnDenied func(result *GuardResult)
}

// Client talks to one TrackTags deployment on behalf of one key.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Increment adds value to a metric and returns the new running total
// with its limit evaluation.
func (c *Client) Increment(ctx context.Context, metricName string, value float64) (*MetricValue, error) {
	var out MetricValue
	body := map[string]float64{"value": value}
	path := "/api/v1/metrics/" + url.PathEscape(metricName)
	if err := c.call(ctx, http.MethodPut, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metric reads a metric's live value without consuming quota.
func (c *Client) Metric(ctx context.Context, metricName string) (*MetricValue, error) {
	var out MetricValue
	path := "/api/v1/metrics/" + url.PathEscape(metricName)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Guard routes one upstream call through the gating proxy. A denied
// result is not an error: check result.Allowed().
func (c *Client) Guard(ctx context.Context, call GuardCall) (*GuardResult, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("tracktags-sdk: marshal guard call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/v1/proxy", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracktags-sdk: proxy request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracktags-sdk: read response: %w", err)
	}

	// 200 means allowed, 402 means denied; both carry a GuardResult.
	var result GuardResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Status == "" {
		return nil, statusError(resp.StatusCode, raw)
	}
	if result.Status == StatusDenied && c.config.OnDenied != nil {
		c.config.OnDenied(&result)
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("tracktags-sdk: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracktags-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracktags-sdk: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tracktags-sdk: parse response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

func statusError(code int, raw []byte) error {
	var envelope apiError
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		if envelope.Field != "" {
			return fmt.Errorf("tracktags-sdk: %d: %s: %s", code, envelope.Field, envelope.Error)
		}
		return fmt.Errorf("tracktags-sdk: %d: %s", code, envelope.Error)
	}
	return fmt.Errorf("tracktags-sdk: unexpected status %d", code)
}
