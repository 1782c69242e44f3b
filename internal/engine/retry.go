package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// MaxBackoff caps a single computed retry delay.
const MaxBackoff = 30 * time.Second

// RetryPolicy bounds the attempts of one node invocation.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     string        `json:"backoff"`
	BaseDelay   time.Duration `json:"baseDelay"`
}

// RetryDecision is the outcome of ShouldRetry.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

var noRetry = RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed}

// DefaultRetryPolicies holds the per-type policies. Types not listed run
// exactly once.
var DefaultRetryPolicies = map[schema.NodeType]RetryPolicy{
	schema.NodeTypeHTTP:          {MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second},
	schema.NodeTypeMessagingSend: {MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second},
	schema.NodeTypeAIContent:     {MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second},
	schema.NodeTypeWebhook:       {MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second},
	schema.NodeTypeCSVUpload:     {MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 500 * time.Millisecond},
}

// PolicyFor returns the default policy of nodeType with the node's override
// applied on top.
func PolicyFor(nodeType schema.NodeType, override *schema.RetryOverride) RetryPolicy {
	p, ok := DefaultRetryPolicies[nodeType]
	if !ok {
		p = noRetry
	}
	if override == nil {
		return p
	}
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	if override.Backoff != "" {
		p.Backoff = override.Backoff
	}
	if override.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(override.BaseDelayMs) * time.Millisecond
	}
	return p
}

// ShouldRetry applies the default policy of nodeType. attempt is the number
// of attempts made so far, starting at 1.
func ShouldRetry(nodeType schema.NodeType, attempt int, err error) RetryDecision {
	return PolicyFor(nodeType, nil).ShouldRetry(attempt, err)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failed with err, and how long to wait first.
func (p RetryPolicy) ShouldRetry(attempt int, err error) RetryDecision {
	if !IsRetryableError(err) || attempt >= p.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: ComputeBackoff(p, attempt)}
}

// IsRetryableError classifies whether an error should be retried.
// Cancellation never retries; deadline expiry and the timeout, rate_limit
// and transient kinds do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return schema.KindOf(err).Retriable()
}

// ComputeBackoff calculates the delay before the retry following attempt.
// Exponential backoff doubles the base per attempt: base, 2·base, 4·base.
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	if p.Backoff == BackoffExponential {
		for i := 1; i < attempt && delay < MaxBackoff; i++ {
			delay *= 2
		}
	}
	return min(delay, MaxBackoff)
}

// WaitForBackoff sleeps for delay or returns early if the context is
// cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
