// Package gate guards the public execution endpoint with API keys, a
// monthly usage quota and a per-key token bucket.
package gate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "fp_"

// KeyStore is the part of the store the gate needs.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
	IncrementAPIKeyUsage(ctx context.Context, id, period string) (*store.APIKey, error)
}

// ErrorWriter renders a gate refusal.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Config holds the collaborators of a Gate. Nil fields get defaults.
type Config struct {
	Limiter     *Limiter
	Logger      *slog.Logger
	WriteError  ErrorWriter
	Now         func() time.Time
	WorkflowKey func(r *http.Request) string // workflow targeted by the request
}

// Gate authenticates bearer keys, applies the rate limit and counts usage.
type Gate struct {
	keys        KeyStore
	limiter     *Limiter
	logger      *slog.Logger
	writeError  ErrorWriter
	now         func() time.Time
	workflowKey func(r *http.Request) string
}

// New creates a Gate over keys.
func New(keys KeyStore, cfg Config) *Gate {
	if cfg.Limiter == nil {
		cfg.Limiter = NewLimiter(DefaultRefill, DefaultBurst)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteError == nil {
		cfg.WriteError = writeJSONError
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WorkflowKey == nil {
		cfg.WorkflowKey = func(r *http.Request) string { return r.PathValue("id") }
	}
	return &Gate{
		keys:        keys,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		writeError:  cfg.WriteError,
		now:         cfg.Now,
		workflowKey: cfg.WorkflowKey,
	}
}

type ctxKey struct{}

// KeyFromContext returns the API key admitted by the gate, if any.
func KeyFromContext(ctx context.Context) (*store.APIKey, bool) {
	k, ok := ctx.Value(ctxKey{}).(*store.APIKey)
	return k, ok
}

// Middleware admits a request only with a valid bearer key that is within
// its rate limit and monthly quota. Rate-limited calls are not counted
// against the quota.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := g.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			g.writeError(w, r, err)
			return
		}

		if wf := g.workflowKey(r); key.WorkflowID != "" && wf != "" && wf != key.WorkflowID {
			g.writeError(w, r, schema.NewError(schema.ErrCodeUnauthorized, "api key is not valid for this workflow"))
			return
		}

		d := g.limiter.Allow(key.ID)
		setRateHeaders(w, d, g.now())
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			g.logger.Warn("api key rate limited", "key_id", key.ID, "retry_after", d.RetryAfter)
			g.writeError(w, r, schema.NewError(schema.ErrCodeRateLimited, "rate limit exceeded").
				WithDetails(map[string]any{"retry_after_seconds": max(retry, 1)}))
			return
		}

		updated, err := g.keys.IncrementAPIKeyUsage(r.Context(), key.ID, g.now().UTC().Format("2006-01"))
		if err != nil {
			g.writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, updated)))
	})
}

// Authenticate resolves a raw bearer token to its key. Unknown and revoked
// keys fail with UNAUTHORIZED.
func (g *Gate) Authenticate(ctx context.Context, token string) (*store.APIKey, error) {
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "missing bearer token")
	}
	key, err := g.keys.GetAPIKeyByHash(ctx, HashKey(token))
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewError(schema.ErrCodeUnauthorized, "invalid api key")
		}
		return nil, err
	}
	if key.RevokedAt != nil {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "api key revoked")
	}
	return key, nil
}

// HashKey returns the hex SHA-256 of a raw key, the form stored at rest.
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random key, its hash and its display prefix.
func GenerateKey() (token, hash, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", err
	}
	token = KeyPrefix + hex.EncodeToString(buf)
	return token, HashKey(token), token[:len(KeyPrefix)+6], nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func setRateHeaders(w http.ResponseWriter, d Decision, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(d.Reset).Unix(), 10))
}

// StatusFor maps a gate error to its HTTP status.
func StatusFor(err error) int {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeRateLimited, schema.ErrCodeUsageLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, _ *http.Request, err error) {
	body := map[string]any{"code": schema.ErrorCode(err), "message": err.Error()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}
