package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haneul-edu/quiz-ai-gateway/internal/generator"
	"github.com/haneul-edu/quiz-ai-gateway/internal/imagecache"
	"github.com/haneul-edu/quiz-ai-gateway/internal/openai"
	"github.com/haneul-edu/quiz-ai-gateway/internal/quota"
	"github.com/haneul-edu/quiz-ai-gateway/internal/storage"
	"github.com/haneul-edu/quiz-ai-gateway/internal/tokenbudget"
)

// SessionHeader carries the chat session id; the gateway mints one when
// the client sends none and echoes it back on every response.
const SessionHeader = "X-Session-ID"

// Handler bundles the explicitly constructed services the routes need.
type Handler struct {
	Quiz           *generator.Generator
	Character      *generator.Generator
	Quota          *quota.Counter
	Sessions       *tokenbudget.Manager
	Client         *openai.Client
	KV             storage.KV
	Store          *storage.Store
	Caches         []*imagecache.Cache
	ChatModel      string
	CostPer1KMicro int64
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": msg})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GenerateImage serves the image flow. Provider failures degrade to a
// deterministic fallback inside the generator, so this route never
// returns a 5xx for them.
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key    string `json:"key"`
		Prompt string `json:"prompt"`
		Type   string `json:"type"` // "quiz" (default) or "character"
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if body.Key == "" || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "key and prompt are required")
		return
	}

	gen := h.Quiz
	if body.Type == "character" {
		gen = h.Character
	}

	writeJSON(w, http.StatusOK, gen.Generate(r.Context(), body.Key, body.Prompt))
}

func (h *Handler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Quota.Status())
}

// Chat proxies one chat completion, enforcing the session token budget
// before any upstream call. Failures increment nothing, so the caller
// can resubmit its input.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	tracker, sessionID := h.Sessions.Get(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sessionID)

	if err := tracker.CheckAndReserve(); err != nil {
		writeError(w, http.StatusTooManyRequests, "session_limit",
			"Session token budget exhausted; start a new session")
		return
	}

	var body struct {
		Messages    []openai.Message `json:"messages"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "missing_fields", "messages are required")
		return
	}
	// An explicit zero is a valid temperature; default only when omitted.
	temperature := 0.7
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 500
	}

	start := time.Now()
	res, err := h.Client.ChatCompletion(r.Context(), openai.ChatRequest{
		Model:       h.ChatModel,
		Messages:    body.Messages,
		Temperature: temperature,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		writeChatError(w, err)
		return
	}

	tracker.RecordUsage(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	if h.Store != nil {
		tokens := res.Usage.PromptTokens + res.Usage.CompletionTokens
		h.Store.RecordUsage(&storage.UsageRecord{
			Kind:             "chat",
			Model:            res.Model,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			CostMicro:        tokens * h.CostPer1KMicro / 1000,
			DurationMs:       time.Since(start).Milliseconds(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":    res.Content,
		"model":      res.Model,
		"usage":      res.Usage,
		"session_id": sessionID,
	})
}

// writeChatError maps the provider error taxonomy onto user-readable
// responses. Anything unclassified is a retryable upstream failure.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, openai.ErrMissingKey):
		writeError(w, http.StatusUnauthorized, "missing_key",
			"No API key configured; set one via the settings screen")
	case errors.Is(err, openai.ErrInvalidKey):
		writeError(w, http.StatusUnauthorized, "invalid_key", "API key is invalid")
	case errors.Is(err, openai.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited",
			"Provider rate limit reached; try again shortly")
	case errors.Is(err, openai.ErrContentPolicy):
		writeError(w, http.StatusBadRequest, "content_policy",
			"Message was rejected; please rephrase it")
	default:
		writeError(w, http.StatusBadGateway, "upstream_error",
			"Temporary failure; please retry")
	}
}

func (h *Handler) ChatUsage(w http.ResponseWriter, r *http.Request) {
	tracker, sessionID := h.Sessions.Get(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"usage":      tracker.Usage(),
	})
}

// SetAPIKey stores or clears the user-supplied credential.
func (h *Handler) SetAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	if body.Key == "" {
		if err := h.KV.Delete(openai.StoredKeyName); err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", "Failed to clear key")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
		return
	}

	if err := h.KV.Set(openai.StoredKeyName, body.Key); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "Failed to store key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// ClearCaches empties every image cache.
func (h *Handler) ClearCaches(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.Caches {
		c.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AdminUsage(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Store.Usage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "Failed to read usage")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
