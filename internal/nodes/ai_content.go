package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

const defaultModel = "default"

// GenerateRequest is one content-generation call.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// GenerateResult is the provider's answer.
type GenerateResult struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// ContentGenerator produces text for a prompt.
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// TemplateGenerator echoes the rendered prompt. It is the offline default
// when no provider is configured.
type TemplateGenerator struct{}

// Generate returns the prompt as content.
func (TemplateGenerator) Generate(_ context.Context, req GenerateRequest) (*GenerateResult, error) {
	model := req.Model
	if model == "" {
		model = "template"
	}
	return &GenerateResult{Content: req.Prompt, Model: model}, nil
}

// HTTPGenerator calls a JSON content-generation endpoint: it POSTs a
// GenerateRequest and expects a GenerateResult back.
type HTTPGenerator struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// Generate performs the call.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "ai: request not serializable: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "ai: cannot build request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError("ai", err)
	}
	defer resp.Body.Close()

	if err := statusError("ai", resp); err != nil {
		return nil, err
	}
	var out GenerateResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultMaxResponseBody)).Decode(&out); err != nil {
		return nil, schema.NewNodeError(schema.KindTransient, "ai: malformed response: %v", err).WithCause(err)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// AIContentExecutor renders a prompt per record and asks the generator for
// content.
type AIContentExecutor struct {
	gen ContentGenerator
}

// NewAIContentExecutor creates an ai-content-generator node executor.
func NewAIContentExecutor(gen ContentGenerator) *AIContentExecutor {
	return &AIContentExecutor{gen: gen}
}

func (e *AIContentExecutor) Type() schema.NodeType { return schema.NodeTypeAIContent }

func (e *AIContentExecutor) PerRecord(schema.NodeConfig) bool { return true }

func (e *AIContentExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.AIContentConfig](req)
	if err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(expressions.ResolveTemplate(cfg.Prompt, req.Scope))
	if prompt == "" {
		return nil, schema.NewNodeError(schema.KindValidation, "ai: prompt is empty")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	res, err := e.gen.Generate(ctx, GenerateRequest{
		Prompt:      prompt,
		Model:       model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": res.Content, "model": res.Model}, nil
}
