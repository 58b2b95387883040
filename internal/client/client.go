// Package client implements the HTTP client for the remote sync server:
// pull, push, license fetch, and the liveness probe used by the connection
// monitor. All calls attach the terminal's bearer token; a 401 from any
// endpoint is surfaced as the distinguished unauthenticated outcome rather
// than an error the engine would retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	outsync "github.com/tillworks/outpost/internal/sync"
)

// Client talks to the remote sync server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for the given server.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Ping checks server reachability via the liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Pull fetches, per collection, every record changed at or after since.
func (c *Client) Pull(ctx context.Context, since time.Time) (*outsync.PullResponse, error) {
	path := "/api/v1/sync/pull"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var pull outsync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &pull, nil
}

// Push transmits one mutation batch. The batch is acknowledged atomically.
func (c *Client) Push(ctx context.Context, req outsync.PushRequest) (*outsync.PushResponse, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/sync/push", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var push outsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&push); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return &push, nil
}

// FetchLicenseToken retrieves the signed license token for this terminal's
// organization. Verification happens in the license guard.
func (c *Client) FetchLicenseToken(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/license", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode license response: %w", err)
	}
	return body.Token, nil
}

// send issues an authenticated request.
func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return outsync.ErrUnauthenticated
	case resp.StatusCode >= 300:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
