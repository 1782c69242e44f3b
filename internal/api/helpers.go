package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/flowpilot/pkg/schema"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 4 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError writes err as a JSON error response with its mapped status.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: schema.ErrorCode(err), Message: err.Error()}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		body.Message = fe.Message
		body.NodeID = fe.NodeID
		body.Details = fe.Details
	}
	if body.Code == "" {
		body.Code = "INTERNAL_ERROR"
	}
	writeJSON(w, StatusFor(err), map[string]any{"error": body})
}

// WriteGateError renders gate refusals in the API error envelope.
func WriteGateError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, err)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidState:
		return http.StatusConflict
	case schema.ErrCodeRateLimited, schema.ErrCodeUsageLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err).WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
