package nodes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/webhook"
	"github.com/rendis/flowpilot/pkg/schema"
)

func jsonConfig(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestHTTP_GET_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	req := newRequest(t, schema.NodeTypeHTTP, jsonConfig(t, map[string]any{
		"url":     srv.URL + "/users/{{userId}}",
		"headers": map[string]string{"Authorization": "Bearer {{token}}"},
	}), nil, map[string]any{"userId": 42, "token": "tok"})

	out, err := NewHTTPExecutor(nil, 0).Execute(context.Background(), req)
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, 200, result["statusCode"])
	body, ok := result["body"].(map[string]any)
	require.True(t, ok, "body should be parsed map")
	assert.Equal(t, "hello", body["greeting"])
	assert.Equal(t, "test-value", result["headers"].(map[string]string)["X-Custom"])
}

func TestHTTP_POST_TemplatedBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(201)
	}))
	defer srv.Close()

	req := newRequest(t, schema.NodeTypeHTTP, jsonConfig(t, map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"name": "{{customer.name}}", "score": "{{score}}"},
	}), nil, map[string]any{"customer": map[string]any{"name": "ana"}, "score": 7})

	out, err := NewHTTPExecutor(nil, 0).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 201, out.(map[string]any)["statusCode"])
	assert.Equal(t, "ana", received["name"])
	assert.Equal(t, float64(7), received["score"])
}

func TestHTTP_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   schema.ErrorKind
	}{
		{http.StatusTooManyRequests, schema.KindRateLimit},
		{http.StatusBadGateway, schema.KindTransient},
		{http.StatusUnauthorized, schema.KindAuth},
		{http.StatusForbidden, schema.KindAuth},
		{http.StatusNotFound, schema.KindValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		req := newRequest(t, schema.NodeTypeHTTP, jsonConfig(t, map[string]any{"url": srv.URL}), nil, nil)
		_, err := NewHTTPExecutor(nil, 0).Execute(context.Background(), req)
		srv.Close()

		require.Error(t, err, tc.status)
		assert.Equal(t, tc.kind, schema.KindOf(err), tc.status)
	}
}

func TestHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := newRequest(t, schema.NodeTypeHTTP, jsonConfig(t, map[string]any{"url": srv.URL}), nil, nil)
	_, err := NewHTTPExecutor(nil, 0).Execute(ctx, req)
	require.Error(t, err)
	assert.Equal(t, schema.KindTimeout, schema.KindOf(err))
}

func TestHTTP_InvalidURL(t *testing.T) {
	req := newRequest(t, schema.NodeTypeHTTP, `{"url":"ftp://example.com"}`, nil, nil)
	_, err := NewHTTPExecutor(nil, 0).Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))

	req = newRequest(t, schema.NodeTypeHTTP, `{"url":"{{missing}}"}`, nil, nil)
	_, err = NewHTTPExecutor(nil, 0).Execute(context.Background(), req)
	assert.Equal(t, schema.KindValidation, schema.KindOf(err))
}

func TestHTTP_ResponseBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	req := newRequest(t, schema.NodeTypeHTTP, jsonConfig(t, map[string]any{"url": srv.URL}), nil, nil)
	out, err := NewHTTPExecutor(nil, 4).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0123", out.(map[string]any)["body"])
}

func TestWebhookNode_SignsBody(t *testing.T) {
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(webhook.HeaderSignature)
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	req := newRequest(t, schema.NodeTypeWebhook, jsonConfig(t, map[string]any{
		"url":    srv.URL,
		"secret": "k",
	}), map[string]any{"orderId": "o-1"}, nil)

	out, err := NewWebhookExecutor(nil).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["delivered"])
	assert.True(t, webhook.Verify("k", body, sig))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "exec-1", payload["executionId"])
	assert.Equal(t, "o-1", payload["data"].(map[string]any)["orderId"])
}
