package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// APIClient sends requests straight into an http.Handler.
type APIClient struct {
	t       *testing.T
	handler http.Handler
	base    string
	headers map[string]string
}

// NewAPIClient creates a client for handler with paths relative to base.
func NewAPIClient(t *testing.T, handler http.Handler, base string) *APIClient {
	return &APIClient{t: t, handler: handler, base: base, headers: map[string]string{}}
}

// WithHeader returns a copy of the client that sends an extra header.
func (c *APIClient) WithHeader(key, value string) *APIClient {
	headers := make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		headers[k] = v
	}
	headers[key] = value
	return &APIClient{t: c.t, handler: c.handler, base: c.base, headers: headers}
}

// APIResponse is a recorded response in the standard envelope.
type APIResponse struct {
	Status int
	Body   []byte
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do sends a request with an optional JSON body.
func (c *APIClient) Do(method, path string, body any) *APIResponse {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err, "Failed to marshal request body")
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, c.base+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	return &APIResponse{Status: w.Code, Body: w.Body.Bytes()}
}

// Get sends a GET request.
func (c *APIClient) Get(path string) *APIResponse {
	c.t.Helper()
	return c.Do(http.MethodGet, path, nil)
}

// Post sends a POST request.
func (c *APIClient) Post(path string, body any) *APIResponse {
	c.t.Helper()
	return c.Do(http.MethodPost, path, body)
}

// Put sends a PUT request.
func (c *APIClient) Put(path string, body any) *APIResponse {
	c.t.Helper()
	return c.Do(http.MethodPut, path, body)
}

// Delete sends a DELETE request.
func (c *APIClient) Delete(path string) *APIResponse {
	c.t.Helper()
	return c.Do(http.MethodDelete, path, nil)
}

func (r *APIResponse) decode(t *testing.T) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(r.Body, &env), "Failed to parse response: %s", r.Body)
	return env
}

// RequireSuccess asserts a successful response and decodes its data into out.
func (r *APIResponse) RequireSuccess(t *testing.T, status int, out any) {
	t.Helper()

	require.Equal(t, status, r.Status, "Unexpected status, body: %s", r.Body)
	env := r.decode(t)
	require.True(t, env.Success, "Expected success, body: %s", r.Body)
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out), "Failed to decode data")
	}
}

// AssertError asserts an error response with the given status and code.
func (r *APIResponse) AssertError(t *testing.T, status int, code string) {
	t.Helper()

	assert.Equal(t, status, r.Status, "Unexpected status, body: %s", r.Body)
	env := r.decode(t)
	assert.False(t, env.Success)
	if assert.NotNil(t, env.Error, "Expected error object in response") {
		assert.Equal(t, code, env.Error.Code)
	}
}
