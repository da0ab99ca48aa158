// Package kbapi is a typed client for the knowledge-base REST API.
//
// Every call goes through one Client whose middleware chain is assembled
// once at construction time: bearer-token injection, request ids, tracing
// and the global 401 policy all live there rather than in individual calls.
package kbapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the development API origin.
const DefaultBaseURL = "http://localhost:8000/api/v1"

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client sends requests to the knowledge-base API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	middlewares []Middleware
	chain       Doer
}

// New creates a client. Middlewares are added with Use.
func New(config *Config) *Client {
	baseURL := DefaultBaseURL
	timeout := 60 * time.Second
	var httpClient *http.Client
	if config != nil {
		if config.BaseURL != "" {
			baseURL = config.BaseURL
		}
		if config.Timeout > 0 {
			timeout = config.Timeout
		}
		httpClient = config.HTTPClient
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
	c.chain = httpClient
	return c
}

// BaseURL returns the resolved API origin including the version prefix.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Use appends middlewares to the chain. The first middleware registered is
// the outermost one.
func (c *Client) Use(mws ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, mw := range mws {
		if mw != nil {
			c.middlewares = append(c.middlewares, mw)
		}
	}
	var d Doer = c.httpClient
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		d = c.middlewares[i](d)
	}
	c.chain = d
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// Do sends a request through the middleware chain. A 401 becomes an
// *AuthError, other non-2xx statuses a *RemoteError, transport failures a
// *NetworkError. Nothing is retried.
func (c *Client) Do(ctx context.Context, method, path string, body Body, header http.Header) (*Response, error) {
	req, err := c.newRequest(ctx, method, path, body, header)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	chain := c.chain
	c.mu.RUnlock()

	resp, err := chain.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: fmt.Errorf("reading response: %w", err)}
	}

	r := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return r, &AuthError{Method: method, Path: path, Detail: parseDetail(data)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return r, &RemoteError{Method: method, Path: path, Status: resp.StatusCode, Detail: parseDetail(data)}
	}
	return r, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body Body, header http.Header) (*http.Request, error) {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		var err error
		reader, contentType, err = body.Encode()
		if err != nil {
			return nil, err
		}
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// getJSON is the common shape of the read-only endpoints.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return resp.Decode(v)
}
