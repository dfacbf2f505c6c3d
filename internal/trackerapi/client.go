// Package trackerapi is a client for the drexpay HTTP API, used when the TUI
// and CLI run against a remote server.
package trackerapi

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

const defaultBaseURL = "http://127.0.0.1:8787"

// Client is a minimal drexpay API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client using the default local server address.
func New() *Client {
	return &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewWithBaseURL creates a client with a custom base URL.
func NewWithBaseURL(baseURL string) *Client {
	c := New()
	if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
		c.baseURL = trimmed
	}
	return c
}

// SetToken sets the manager bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

func (c *Client) HasToken() bool {
	return c.token != ""
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Type    string
	Message string
	Hint    string
	Fields  []FieldError
}

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Message)
		}
		msg += ": " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Type, msg)
}

type errorEnvelope struct {
	Error struct {
		Type    string       `json:"type"`
		Message string       `json:"message"`
		Hint    string       `json:"hint"`
		Errors  []FieldError `json:"errors"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil {
		apiErr.Type = env.Error.Type
		apiErr.Message = env.Error.Message
		apiErr.Hint = env.Error.Hint
		apiErr.Fields = env.Error.Errors
	}
	return apiErr
}
