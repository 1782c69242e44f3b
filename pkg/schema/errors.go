package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNodeExecution       = "NODE_EXECUTION_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeConditionEvaluation = "CONDITION_EVALUATION_ERROR"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUsageLimitExceeded  = "USAGE_LIMIT_EXCEEDED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
)

// FlowError is the structured error type surfaced by the engine and the
// HTTP layer.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlowError in err's chain, or ""
// when there is none.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries the given FlowError code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ErrorKind classifies a node executor failure for the retry policy.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindRateLimit  ErrorKind = "rate_limit"
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindCondition  ErrorKind = "condition"
)

// Retriable reports whether failures of this kind may succeed on a later
// attempt.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindTransient:
		return true
	default:
		return false
	}
}

// NodeError is the failure reported by a node executor.
type NodeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// NewNodeError creates a NodeError of the given kind.
func NewNodeError(kind ErrorKind, format string, args ...any) *NodeError {
	return &NodeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *NodeError) WithCause(err error) *NodeError {
	e.Cause = err
	return e
}

// KindOf extracts the failure kind from err. Errors that are not NodeErrors
// are treated as transient, except FlowErrors whose code maps to a terminal
// kind.
func KindOf(err error) ErrorKind {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	switch ErrorCode(err) {
	case ErrCodeTimeout:
		return KindTimeout
	case ErrCodeValidation:
		return KindValidation
	case ErrCodeConditionEvaluation:
		return KindCondition
	case ErrCodeRateLimited:
		return KindRateLimit
	case ErrCodeUnauthorized:
		return KindAuth
	}
	return KindTransient
}
