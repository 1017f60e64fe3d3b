// Package httpclient calls the crypto service over HTTP with JSON bodies.
package httpclient

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

	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/pqcclient"
)

const maxResponseBytes = 1 << 20

// Client implements pqc.Client against
//
//	POST {base}/v1/session-keys
//	POST {base}/v1/tokens/sign
//	POST {base}/v1/tokens/verify
//	GET  {base}/v1/status
type Client struct {
	baseURL string
	http    *http.Client
	apiKey  string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("httpclient: base url is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ pqc.Client = (*Client)(nil)

func (c *Client) GenerateSessionKey(ctx context.Context, userID string, metadata map[string]string) (pqc.Result, error) {
	var res pqc.Result
	err := c.do(ctx, http.MethodPost, "/v1/session-keys",
		pqcclient.GenerateSessionKeyRequest{UserID: userID, Metadata: metadata}, &res)
	return res, err
}

func (c *Client) SignToken(ctx context.Context, userID string, payload map[string]any) (pqc.Result, error) {
	var res pqc.Result
	err := c.do(ctx, http.MethodPost, "/v1/tokens/sign",
		pqcclient.SignTokenRequest{UserID: userID, Payload: payload}, &res)
	return res, err
}

func (c *Client) VerifyToken(ctx context.Context, userID, token string) (pqc.Result, error) {
	var res pqc.Result
	err := c.do(ctx, http.MethodPost, "/v1/tokens/verify",
		pqcclient.VerifyTokenRequest{UserID: userID, Token: token}, &res)
	return res, err
}

func (c *Client) Status(ctx context.Context) (pqc.ServiceStatus, error) {
	var st pqc.ServiceStatus
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpclient: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("httpclient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("httpclient: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}
