package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"
)

// Client calls the newsletter API over HTTP. With a validator attached,
// every response is checked against the OpenAPI document.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Validator  *OpenAPIValidator
	t          *testing.T
}

// NewClient creates a client without response validation.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithValidator creates a client that validates responses.
// Call SetT before use so failures are reported on the running test.
func NewClientWithValidator(baseURL string, validator *OpenAPIValidator) *Client {
	c := NewClient(baseURL)
	c.Validator = validator
	return c
}

// SetT sets the test that receives validation errors.
func (c *Client) SetT(t *testing.T) {
	c.t = t
}

// Subscribe calls POST /api/v1/subscribe.
func (c *Client) Subscribe(email string) (*http.Response, error) {
	return c.POST("/api/v1/subscribe", map[string]string{"email": email})
}

// Confirm calls GET /api/v1/confirm with id and token query parameters.
func (c *Client) Confirm(id, token string) (*http.Response, error) {
	query := url.Values{}
	query.Set("id", id)
	query.Set("token", token)
	return c.GET("/api/v1/confirm?" + query.Encode())
}

// Unsubscribe calls POST /api/v1/unsubscribe.
func (c *Client) Unsubscribe(email string) (*http.Response, error) {
	return c.POST("/api/v1/unsubscribe", map[string]string{"email": email})
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil)
}

// POST performs a POST request with a JSON body.
func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if c.Validator != nil && c.t != nil {
		// The transport consumed the request body, validate against a fresh copy.
		validationReq, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create validation request: %w", err)
		}
		validationReq.Header = req.Header
		c.Validator.ValidateResponse(c.t, validationReq, resp)
	}

	return resp, nil
}

// DecodeJSON decodes and closes the response body.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody reads and closes the response body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
