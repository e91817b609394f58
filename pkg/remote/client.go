// Package remote talks to the messaging service that checks credentials and
// delivers messages on behalf of a task.
//
// Endpoints:
//
//	GET  {base}/v1/credentials/verify                  200 means the credential is usable
//	POST {base}/v1/destinations/{destination}/messages {"message": "..."}
//
// Both calls authenticate with "Authorization: Bearer {credential}". Error
// bodies of the form {"error": {"message": "..."}} are surfaced as the
// DispatchError reason.
package remote

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
)

const (
	DefaultValidateTimeout = 10 * time.Second
	DefaultDispatchTimeout = 15 * time.Second
)

// Client is an HTTP implementation of the engine's Validator and Dispatcher.
type Client struct {
	baseURL         string
	http            *http.Client
	validateTimeout time.Duration
	dispatchTimeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeouts sets the per-call deadlines. Non-positive values keep the defaults.
func WithTimeouts(validate, dispatch time.Duration) Option {
	return func(c *Client) {
		if validate > 0 {
			c.validateTimeout = validate
		}
		if dispatch > 0 {
			c.dispatchTimeout = dispatch
		}
	}
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{},
		validateTimeout: DefaultValidateTimeout,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate reports whether credential is currently accepted by the service.
// Transport failures and timeouts return false together with the error.
func (c *Client) Validate(ctx context.Context, credential string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/credentials/verify", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify credential: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode == http.StatusOK, nil
}

// Dispatch delivers message to destination using credential.
// A non-2xx answer returns *tasks.DispatchError; anything else that goes wrong
// is returned as a plain error.
func (c *Client) Dispatch(ctx context.Context, destination, credential, message string) error {
	ctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/destinations/%s/messages", c.baseURL, url.PathEscape(destination))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	return rejection(resp)
}
