package schema

import (
	"bytes"
	"encoding/json"
	"time"
)

// NodeConfig is the typed configuration of one node. Each node type owns
// exactly one variant; see DecodeNodeConfig.
type NodeConfig interface {
	Options() NodeOptions
}

// NodeOptions holds settings shared by every node type.
type NodeOptions struct {
	Timeout string         `json:"timeout,omitempty"` // per-call timeout, e.g. "30s"
	Retry   *RetryOverride `json:"retry,omitempty"`
}

// Options returns the shared settings.
func (o NodeOptions) Options() NodeOptions { return o }

// TimeoutDuration parses Timeout, returning 0 when it is unset or invalid.
func (o NodeOptions) TimeoutDuration() time.Duration {
	if o.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(o.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// RetryOverride replaces the default retry policy of a node type.
type RetryOverride struct {
	MaxAttempts int    `json:"maxAttempts"`
	Backoff     string `json:"backoff,omitempty"` // fixed | exponential
	BaseDelayMs int    `json:"baseDelayMs,omitempty"`
}

// TriggerConfig configures a trigger node.
type TriggerConfig struct {
	NodeOptions
	Payload     map[string]any  `json:"payload,omitempty"`
	Schedule    string          `json:"schedule,omitempty"` // 5-field cron expression
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// HTTPConfig configures an http node. String fields accept templates.
type HTTPConfig struct {
	NodeOptions
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	PerRecord bool              `json:"perRecord,omitempty"`
}

// TransformConfig configures a transform node: either a templated mapping
// or a jq program.
type TransformConfig struct {
	NodeOptions
	Mapping map[string]any `json:"mapping,omitempty"`
	JQ      string         `json:"jq,omitempty"`
}

// ConditionalConfig configures a conditional node.
type ConditionalConfig struct {
	NodeOptions
	Condition string `json:"condition"`
	Engine    string `json:"engine,omitempty"` // expr (default) | cel
}

// DelayConfig configures a delay node.
type DelayConfig struct {
	NodeOptions
	DurationMs int `json:"durationMs"`
}

// WebhookConfig configures an outbound webhook node.
type WebhookConfig struct {
	NodeOptions
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// CSVConfig configures a csv-upload node. When CSV is empty the node reads
// its upstream input: a raw string, or the string under Field.
type CSVConfig struct {
	NodeOptions
	CSV       string `json:"csv,omitempty"`
	Field     string `json:"field,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

// AIContentConfig configures an ai-content-generator node.
type AIContentConfig struct {
	NodeOptions
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ComplianceCheckConfig configures a compliance-checker node.
type ComplianceCheckConfig struct {
	NodeOptions
	ContentField        string   `json:"contentField,omitempty"`
	CriticalTerms       []string `json:"criticalTerms,omitempty"`
	WarningTerms        []string `json:"warningTerms,omitempty"`
	RequiredDisclaimers []string `json:"requiredDisclaimers,omitempty"`
	Threshold           int      `json:"threshold,omitempty"`
}

// ComplianceReportConfig configures a compliance-report node.
type ComplianceReportConfig struct {
	NodeOptions
	Title string `json:"title,omitempty"`
	TopN  int    `json:"topN,omitempty"`
}

// MessagingConfig configures a messaging-send node.
type MessagingConfig struct {
	NodeOptions
	Channel string `json:"channel,omitempty"` // sms | email | whatsapp
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// ApprovalConfig configures a manual-approval node.
type ApprovalConfig struct {
	NodeOptions
	Title        string `json:"title,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	MaxRows      int    `json:"maxRows,omitempty"`
}

// NewNodeConfig returns an empty config variant for the node type, or nil
// for an unknown type.
func NewNodeConfig(t NodeType) NodeConfig {
	switch t {
	case NodeTypeTrigger:
		return &TriggerConfig{}
	case NodeTypeHTTP:
		return &HTTPConfig{}
	case NodeTypeTransform:
		return &TransformConfig{}
	case NodeTypeConditional:
		return &ConditionalConfig{}
	case NodeTypeDelay:
		return &DelayConfig{}
	case NodeTypeWebhook:
		return &WebhookConfig{}
	case NodeTypeCSVUpload:
		return &CSVConfig{}
	case NodeTypeAIContent:
		return &AIContentConfig{}
	case NodeTypeComplianceCheck:
		return &ComplianceCheckConfig{}
	case NodeTypeComplianceReport:
		return &ComplianceReportConfig{}
	case NodeTypeMessagingSend:
		return &MessagingConfig{}
	case NodeTypeManualApproval:
		return &ApprovalConfig{}
	}
	return nil
}

// DecodeNodeConfig decodes the raw config of n into its typed variant.
// Unknown fields are rejected.
func DecodeNodeConfig(n *Node) (NodeConfig, error) {
	cfg := NewNodeConfig(n.Type)
	if cfg == nil {
		return nil, NewErrorf(ErrCodeValidation, "unknown node type %q", n.Type).WithNode(n.ID)
	}
	raw := bytes.TrimSpace(n.Config)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid config: %s", err.Error()).WithNode(n.ID).WithCause(err)
	}
	return cfg, nil
}
