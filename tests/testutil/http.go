package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// APIClient sends JSON requests to an in-process handler
type APIClient struct {
	Handler http.Handler
	// Token is sent as a bearer token when not empty
	Token string
}

// Result is a recorded response with its decoded JSON envelope
type Result struct {
	Recorder *httptest.ResponseRecorder
	Body     map[string]any
}

// Do sends method path with body encoded as JSON. Extra headers are given
// as key, value pairs.
func (c *APIClient) Do(t *testing.T, method, path string, body any, headers ...string) *Result {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body), "Failed to marshal request body")
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	c.Handler.ServeHTTP(w, req)

	res := &Result{Recorder: w}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res.Body), "Failed to parse JSON response: %s", w.Body.String())
	}
	return res
}

// Code returns the HTTP status code
func (r *Result) Code() int {
	return r.Recorder.Code
}

// Data returns the envelope's data object
func (r *Result) Data() map[string]any {
	d, _ := r.Body["data"].(map[string]any)
	return d
}

// ErrorCode returns the envelope's error code, or "" on success
func (r *Result) ErrorCode() string {
	e, _ := r.Body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// Details returns the envelope's error details object
func (r *Result) Details() map[string]any {
	e, _ := r.Body["error"].(map[string]any)
	d, _ := e["details"].(map[string]any)
	return d
}

// AssertSuccess asserts a 200 success envelope
func AssertSuccess(t *testing.T, r *Result) {
	t.Helper()
	require.Equal(t, http.StatusOK, r.Code(), r.Recorder.Body.String())
	assert.Equal(t, true, r.Body["success"])
	assert.Nil(t, r.Body["error"])
}

// AssertError asserts an error envelope with status and code
func AssertError(t *testing.T, r *Result, status int, code string) {
	t.Helper()
	assert.Equal(t, status, r.Code(), r.Recorder.Body.String())
	assert.Equal(t, false, r.Body["success"])
	assert.Equal(t, code, r.ErrorCode())
}
