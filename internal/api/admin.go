package api

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/gate"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- API keys ---

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleCreateKey issues a key. The raw token is returned only here.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		WorkflowID   string `json:"workflow_id"`
		MonthlyLimit int    `json:"monthly_limit"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if body.MonthlyLimit < 0 {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "monthly_limit must not be negative"))
		return
	}

	token, hash, prefix, err := gate.GenerateKey()
	if err != nil {
		writeError(w, err)
		return
	}
	key := &store.APIKey{
		ID:           uuid.New().String(),
		Name:         body.Name,
		KeyHash:      hash,
		Prefix:       prefix,
		WorkflowID:   body.WorkflowID,
		MonthlyLimit: body.MonthlyLimit,
		CreatedAt:    s.deps.Now().UTC(),
	}
	if err := s.deps.Store.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "token": token})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.RevokeAPIKey(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

// --- Webhooks ---

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.deps.Store.ListWebhooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hooks == nil {
		hooks = []*store.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL        string             `json:"url"`
		Secret     string             `json:"secret"`
		EventTypes []schema.EventType `json:"event_types"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "url must be an absolute http(s) URL"))
		return
	}
	if body.Secret == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "secret is required"))
		return
	}

	hook := &store.WebhookSubscription{
		ID:         uuid.New().String(),
		URL:        body.URL,
		Secret:     body.Secret,
		EventTypes: body.EventTypes,
		Active:     true,
		CreatedAt:  s.deps.Now().UTC(),
	}
	if err := s.deps.Store.CreateWebhook(r.Context(), hook); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteWebhook(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}
