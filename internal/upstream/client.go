package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// Client posts JSON to inference collaborators and classifies every failure.
type Client struct {
	httpClient *http.Client
	token      string
}

// NewClient builds a client. The http.Client carries no timeout; each call is bounded by
// the timeout passed to PostJSON.
func NewClient(httpClient *http.Client, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, token: token}
}

// PostJSON sends body to url and decodes a 2xx response into out. The returned error is
// always an *Error.
func (c *Client) PostJSON(ctx context.Context, service, url string, timeout time.Duration, body, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return NewFatal(service, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return NewFatal(service, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FromTransport(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return FromStatus(service, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A body cut off by the deadline is a timeout, not a bad response shape.
		if isTimeout(err) || ctx.Err() != nil {
			return NewTransient(service, fmt.Errorf("read response: %w", err))
		}
		return NewFatal(service, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
