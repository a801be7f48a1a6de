// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package client is the front-end library for the sandboxd control plane:
// typed calls over the JSON API, SSE stream consumption, and automatic
// retry while a sandbox container is still being provisioned.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// ProvisioningBody is the 503 body signature that triggers retry. Any other
// 503 belongs to the user's application and is returned immediately.
const ProvisioningBody = "There is no Container instance available"

// Cold start retry policy.
const (
	retryTotalBudget  = 60 * time.Second
	retryMinRemaining = 10 * time.Second
	retryBaseDelay    = 2 * time.Second
	retryMaxDelay     = 16 * time.Second
)

// Client talks to one sandbox's control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessionID  string
	keepAlive  string
}

// Option configures a Client.
type Option func(*Client)

// OptHTTPClient sets the underlying HTTP client.
func OptHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// OptSessionID pins every request to the named session instead of the
// sandbox default session.
func OptSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// OptKeepAlive asks the sandbox to keep renewing its own activity deadline.
func OptKeepAlive(enable bool) Option {
	return func(c *Client) { c.keepAlive = fmt.Sprintf("%t", enable) }
}

// New returns a client for the control plane at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// APIError is a decoded control plane error envelope.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"error"`
	Status  int                    `json:"-"`
	Details map[string]interface{} `json:"details"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Detail returns a string detail hint such as path, port or branch.
func (e *APIError) Detail(key string) string {
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay << attempt
	if d > retryMaxDelay || d <= 0 {
		return retryMaxDelay
	}
	return d
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set("X-Session-Id", c.sessionID)
	}
	if c.keepAlive != "" {
		req.Header.Set("X-Sandbox-KeepAlive", c.keepAlive)
	}
	return req, nil
}

// do issues the request, retrying only on the provisioning 503 signature,
// within the total budget and leaving at least the minimum window for a
// final attempt. The returned response body is fully read and replaced.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, err
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("while reading response body: %w", err)
		}

		if resp.StatusCode == http.StatusServiceUnavailable && strings.Contains(string(raw), ProvisioningBody) {
			delay := backoffDelay(attempt)
			remaining := retryTotalBudget - time.Since(start) - delay
			if remaining >= retryMinRemaining {
				sylog.Debugf("Container not provisioned yet, retrying in %v (attempt %d)", delay, attempt+1)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
			}
			// budget exhausted; fall through with the last response
		}

		return resp, raw, nil
	}
}

// doJSON performs a JSON round trip, decoding the success envelope into out
// or the error envelope into an *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	var err error
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("while encoding request: %w", err)
		}
	}

	resp, raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}

	var envelope struct {
		Success bool                   `json:"success"`
		Error   string                 `json:"error"`
		Code    string                 `json:"code"`
		Details map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("malformed response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || (!envelope.Success && envelope.Code != "") {
		return &APIError{
			Code:    envelope.Code,
			Message: envelope.Error,
			Status:  resp.StatusCode,
			Details: envelope.Details,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("while decoding response: %w", err)
		}
	}
	return nil
}

// stream opens an SSE endpoint and delivers each event payload to handler
// until the [DONE] sentinel, end of stream, or context cancellation.
func (c *Client) stream(ctx context.Context, method, path string, in interface{}, handler func(json.RawMessage) error) error {
	var body []byte
	var err error
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("while encoding request: %w", err)
		}
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var envelope APIError
		if jerr := json.Unmarshal(raw, &envelope); jerr == nil && envelope.Code != "" {
			envelope.Status = resp.StatusCode
			return &envelope
		}
		return fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	return consumeSSE(ctx, resp.Body, handler)
}
