package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// ErrAlreadyDelivered is returned by a MessageSender that has already
// accepted a message with the same idempotency key.
var ErrAlreadyDelivered = errors.New("message already delivered")

// Message is one outbound message.
type Message struct {
	Channel        string `json:"channel"`
	To             string `json:"to"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Delivery is a provider receipt.
type Delivery struct {
	MessageID string `json:"messageId"`
}

// MessageSender hands messages to a provider.
type MessageSender interface {
	Send(ctx context.Context, msg Message) (*Delivery, error)
}

// LogSender logs messages instead of sending them and remembers idempotency
// keys in memory.
type LogSender struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   map[string]string
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger, sent: make(map[string]string)}
}

// Send records msg. A repeated idempotency key yields ErrAlreadyDelivered.
func (s *LogSender) Send(ctx context.Context, msg Message) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sent[msg.IdempotencyKey]; ok {
		return &Delivery{MessageID: id}, ErrAlreadyDelivered
	}
	id := uuid.New().String()
	s.sent[msg.IdempotencyKey] = id
	s.logger.InfoContext(ctx, "message sent", "channel", msg.Channel, "to", msg.To, "message_id", id)
	return &Delivery{MessageID: id}, nil
}

// Sent returns how many distinct messages were accepted.
func (s *LogSender) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// HTTPSender posts messages as JSON to a provider endpoint with an
// Idempotency-Key header. A 409 response means already delivered.
type HTTPSender struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// Send performs the call.
func (s *HTTPSender) Send(ctx context.Context, msg Message) (*Delivery, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "messaging: message not serializable: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewNodeError(schema.KindValidation, "messaging: cannot build request: %v", err).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError("messaging", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return &Delivery{}, ErrAlreadyDelivered
	}
	if err := statusError("messaging", resp); err != nil {
		return nil, err
	}
	var d Delivery
	_ = json.NewDecoder(resp.Body).Decode(&d)
	return &d, nil
}

// MessagingExecutor sends one templated message per record.
type MessagingExecutor struct {
	sender MessageSender
}

// NewMessagingExecutor creates a messaging-send node executor.
func NewMessagingExecutor(sender MessageSender) *MessagingExecutor {
	return &MessagingExecutor{sender: sender}
}

func (e *MessagingExecutor) Type() schema.NodeType { return schema.NodeTypeMessagingSend }

func (e *MessagingExecutor) PerRecord(schema.NodeConfig) bool { return true }

func (e *MessagingExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.MessagingConfig](req)
	if err != nil {
		return nil, err
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "sms"
	}
	msg := Message{
		Channel:        channel,
		To:             strings.TrimSpace(expressions.ResolveTemplate(cfg.To, req.Scope)),
		Subject:        expressions.ResolveTemplate(cfg.Subject, req.Scope),
		Body:           expressions.ResolveTemplate(cfg.Body, req.Scope),
		IdempotencyKey: IdempotencyKey(req),
	}
	if msg.To == "" {
		return nil, schema.NewNodeError(schema.KindValidation, "messaging: recipient is empty")
	}
	if msg.Body == "" {
		return nil, schema.NewNodeError(schema.KindValidation, "messaging: body is empty")
	}

	status := "sent"
	d, err := e.sender.Send(ctx, msg)
	switch {
	case errors.Is(err, ErrAlreadyDelivered):
		status = "already_delivered"
	case err != nil:
		return nil, err
	}
	out := map[string]any{"to": msg.To, "channel": channel, "status": status}
	if d != nil && d.MessageID != "" {
		out["messageId"] = d.MessageID
	}
	return out, nil
}

// IdempotencyKey identifies one logical message across retries and resumes:
// executionID:nodeID:index.
func IdempotencyKey(req Request) string {
	idx := req.Index
	if idx < 0 {
		idx = 0
	}
	return fmt.Sprintf("%s:%s:%d", req.ExecutionID, req.Node.ID, idx)
}
