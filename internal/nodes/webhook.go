package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/webhook"
	"github.com/rendis/flowpilot/pkg/schema"
)

// WebhookExecutor POSTs the node input as JSON to a URL, signing the body
// when a secret is configured.
type WebhookExecutor struct {
	client *http.Client
}

// NewWebhookExecutor creates a webhook node executor.
func NewWebhookExecutor(client *http.Client) *WebhookExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookExecutor{client: client}
}

func (e *WebhookExecutor) Type() schema.NodeType { return schema.NodeTypeWebhook }

func (e *WebhookExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.WebhookConfig](req)
	if err != nil {
		return nil, err
	}
	target := expressions.ResolveTemplate(cfg.URL, req.Scope)
	if err := validateURL(target); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"executionId": req.ExecutionID,
		"nodeId":      req.Node.ID,
		"data":        req.Input,
	})
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "webhook: input is not serializable: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "webhook: cannot build request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, expressions.ResolveTemplate(v, req.Scope))
	}
	if cfg.Secret != "" {
		httpReq.Header.Set(webhook.HeaderSignature, webhook.Sign(cfg.Secret, body))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, transportError("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if err := statusError("webhook", resp); err != nil {
		return nil, err
	}
	return map[string]any{"delivered": true, "statusCode": resp.StatusCode}, nil
}
