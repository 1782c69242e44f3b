package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPExecutor performs a templated HTTP request.
type HTTPExecutor struct {
	client          *http.Client
	maxResponseBody int64
}

// NewHTTPExecutor creates an http node executor.
func NewHTTPExecutor(client *http.Client, maxResponseBody int64) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if maxResponseBody <= 0 {
		maxResponseBody = defaultMaxResponseBody
	}
	return &HTTPExecutor{client: client, maxResponseBody: maxResponseBody}
}

func (e *HTTPExecutor) Type() schema.NodeType { return schema.NodeTypeHTTP }

// PerRecord fans the request out over a batch when perRecord is set.
func (e *HTTPExecutor) PerRecord(cfg schema.NodeConfig) bool {
	c, ok := cfg.(*schema.HTTPConfig)
	return ok && c.PerRecord
}

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.HTTPConfig](req)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(expressions.ResolveTemplate(cfg.Method, req.Scope))
	if method == "" {
		method = http.MethodGet
	}
	rawURL := expressions.ResolveTemplate(cfg.URL, req.Scope)
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := ""
	if cfg.Body != nil {
		switch v := expressions.ResolveValue(cfg.Body, req.Scope).(type) {
		case string:
			body = strings.NewReader(v)
			contentType = "text/plain"
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, schema.NewNodeError(schema.KindValidation, "http: body is not serializable: %v", err)
			}
			body = bytes.NewReader(b)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "http: cannot build request: %v", err).WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, expressions.ResolveTemplate(v, req.Scope))
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, transportError("http", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBody))
	if err != nil {
		return nil, schema.NewNodeError(schema.KindTransient, "http: failed to read response body: %v", err).WithCause(err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       parseBody(resp.Header.Get("Content-Type"), bodyBytes),
		"durationMs": durationMs,
	}

	if err := statusError("http", resp); err != nil {
		return nil, err
	}
	return result, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return schema.NewNodeError(schema.KindValidation, "missing url")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewNodeError(schema.KindValidation, "invalid url %q", rawURL)
	}
	return nil
}

func parseBody(contentType string, b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

// transportError classifies a failed round trip.
func transportError(prefix string, err error) *schema.NodeError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewNodeError(schema.KindTimeout, "%s: request timed out", prefix).WithCause(err)
	}
	return schema.NewNodeError(schema.KindTransient, "%s: request failed: %v", prefix, err).WithCause(err)
}

// statusError maps a non-2xx response to a failure kind: 429 is rate_limit,
// 5xx transient, 401/403 auth, any other status validation.
func statusError(prefix string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	var kind schema.ErrorKind
	switch {
	case code == http.StatusTooManyRequests:
		kind = schema.KindRateLimit
	case code >= 500:
		kind = schema.KindTransient
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = schema.KindAuth
	default:
		kind = schema.KindValidation
	}
	return schema.NewNodeError(kind, "%s: %s", prefix, statusText(resp))
}

func statusText(resp *http.Response) string {
	if resp.Status != "" {
		return fmt.Sprintf("server returned %s", resp.Status)
	}
	return fmt.Sprintf("server returned %d", resp.StatusCode)
}
