package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haneul-edu/quiz-ai-gateway/internal/config"
	"github.com/haneul-edu/quiz-ai-gateway/internal/generator"
	"github.com/haneul-edu/quiz-ai-gateway/internal/imagecache"
	"github.com/haneul-edu/quiz-ai-gateway/internal/openai"
	"github.com/haneul-edu/quiz-ai-gateway/internal/quota"
	"github.com/haneul-edu/quiz-ai-gateway/internal/tokenbudget"
)

type memKV struct {
	data map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key, value string) error {
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	delete(m.data, key)
	return nil
}

// newTestHandler wires a handler against an httptest OpenAI stub.
func newTestHandler(t *testing.T, upstream http.HandlerFunc) (*Handler, *memKV) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	kv := newMemKV()
	client := openai.NewClient(srv.URL, "sk-test", kv, time.Minute)
	counter := quota.NewCounter(kv, "daily_quota", 3)
	quizCache := imagecache.New(kv, "image_cache", 30*24*time.Hour, 100)
	charCache := imagecache.New(kv, "character_image_cache", 30*24*time.Hour, 100)

	h := &Handler{
		Quiz:           generator.New(quizCache, counter, client, nil, "dall-e-3", 40000),
		Character:      generator.New(charCache, counter, client, nil, "dall-e-3", 40000),
		Quota:          counter,
		Sessions:       tokenbudget.NewManager(100000, 600, time.Hour),
		Client:         client,
		KV:             kv,
		Caches:         []*imagecache.Cache{quizCache, charCache},
		ChatModel:      "gpt-4o-mini",
		CostPer1KMicro: 600,
	}
	return h, kv
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("Body = %v", body)
	}
}

func TestGenerateImageEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"url":"https://img/x.png"}]}`))
	})

	payload := `{"key":"quiz_1","prompt":"세종대왕"}`
	rec := httptest.NewRecorder()
	h.GenerateImage(rec, httptest.NewRequest("POST", "/v1/images/generate", bytes.NewBufferString(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res generator.Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.URL != "https://img/x.png" || res.Fallback {
		t.Errorf("Result = %+v", res)
	}
}

func TestGenerateImageValidation(t *testing.T) {
	h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	h.GenerateImage(rec, httptest.NewRequest("POST", "/v1/images/generate", bytes.NewBufferString(`{"key":"quiz_1"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rec.Code)
	}
}

func TestQuotaStatusEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	h.QuotaStatus(rec, httptest.NewRequest("GET", "/v1/images/quota", nil))

	var st quota.Status
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3", st.Remaining)
	}
}

func TestChatRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "반가워요!"}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
		}`))
	})

	payload := `{"messages":[{"role":"user","content":"안녕"}]}`
	rec := httptest.NewRecorder()
	h.Chat(rec, httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
	}
	sessionID := rec.Header().Get(SessionHeader)
	if sessionID == "" {
		t.Fatal("Expected a session id header")
	}

	// The session's usage reflects the completed call.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/chat/usage", nil)
	req.Header.Set(SessionHeader, sessionID)
	h.ChatUsage(rec, req)

	var body struct {
		Usage tokenbudget.Usage `json:"usage"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Usage.TotalTokens != 30 || body.Usage.CallCount != 1 {
		t.Errorf("Usage = %+v", body.Usage)
	}
}

func TestChatSessionLimitBlocksBeforeUpstream(t *testing.T) {
	upstreamCalls := 0
	h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
	})

	tracker, sessionID := h.Sessions.Get("")
	tracker.RecordUsage(90000, 10001) // crosses the 100k ceiling

	payload := `{"messages":[{"role":"user","content":"안녕"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(payload))
	req.Header.Set(SessionHeader, sessionID)
	h.Chat(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "session_limit" {
		t.Errorf("Error code = %q, want session_limit", body["error"])
	}
	if upstreamCalls != 0 {
		t.Errorf("Upstream calls = %d, want 0", upstreamCalls)
	}
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		upstreamCode int
		wantStatus   int
		wantError    string
	}{
		{"invalid key", http.StatusUnauthorized, http.StatusUnauthorized, "invalid_key"},
		{"rate limited", http.StatusTooManyRequests, http.StatusTooManyRequests, "rate_limited"},
		{"content policy", http.StatusBadRequest, http.StatusBadRequest, "content_policy"},
		{"server error", http.StatusInternalServerError, http.StatusBadGateway, "upstream_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.upstreamCode)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			})

			payload := `{"messages":[{"role":"user","content":"안녕"}]}`
			rec := httptest.NewRecorder()
			h.Chat(rec, httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(payload)))

			if rec.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"] != tt.wantError {
				t.Errorf("Error code = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestChatTemperaturePassThrough(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float64
	}{
		{
			name:    "explicit zero is kept",
			payload: `{"messages":[{"role":"user","content":"안녕"}],"temperature":0}`,
			want:    0,
		},
		{
			name:    "omitted defaults",
			payload: `{"messages":[{"role":"user","content":"안녕"}]}`,
			want:    0.7,
		},
		{
			name:    "explicit value is kept",
			payload: `{"messages":[{"role":"user","content":"안녕"}],"temperature":1.2}`,
			want:    1.2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotTemp float64
			h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Temperature float64 `json:"temperature"`
				}
				json.NewDecoder(r.Body).Decode(&req)
				gotTemp = req.Temperature
				w.Write([]byte(`{
					"model": "gpt-4o-mini",
					"choices": [{"message": {"role": "assistant", "content": "네"}}],
					"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
				}`))
			})

			rec := httptest.NewRecorder()
			h.Chat(rec, httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(tt.payload)))
			if rec.Code != http.StatusOK {
				t.Fatalf("Status = %d, body %s", rec.Code, rec.Body.String())
			}
			if gotTemp != tt.want {
				t.Errorf("Upstream temperature = %v, want %v", gotTemp, tt.want)
			}
		})
	}
}

func TestChatFailureRecordsNoUsage(t *testing.T) {
	h, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	payload := `{"messages":[{"role":"user","content":"안녕"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(payload))
	h.Chat(rec, req)

	tracker, _ := h.Sessions.Get(rec.Header().Get(SessionHeader))
	if u := tracker.Usage(); u.TotalTokens != 0 || u.CallCount != 0 {
		t.Errorf("Usage after failure = %+v, want zero", u)
	}
}

func TestSetAPIKey(t *testing.T) {
	h, kv := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	h.SetAPIKey(rec, httptest.NewRequest("PUT", "/admin/key", bytes.NewBufferString(`{"key":"sk-user"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d", rec.Code)
	}
	if kv.data[openai.StoredKeyName] != "sk-user" {
		t.Errorf("Stored key = %q", kv.data[openai.StoredKeyName])
	}

	// Empty key clears the stored credential.
	rec = httptest.NewRecorder()
	h.SetAPIKey(rec, httptest.NewRequest("PUT", "/admin/key", bytes.NewBufferString(`{"key":""}`)))
	if _, ok := kv.data[openai.StoredKeyName]; ok {
		t.Error("Key should be cleared")
	}
}

func TestClearCaches(t *testing.T) {
	h, kv := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"url":"https://img/x.png"}]}`))
	})

	payload := `{"key":"quiz_1","prompt":"조선"}`
	rec := httptest.NewRecorder()
	h.GenerateImage(rec, httptest.NewRequest("POST", "/v1/images/generate", bytes.NewBufferString(payload)))

	rec = httptest.NewRecorder()
	h.ClearCaches(rec, httptest.NewRequest("DELETE", "/admin/cache", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Status = %d, want 204", rec.Code)
	}
	if _, ok := kv.data["image_cache"]; ok {
		t.Error("Image cache should be cleared")
	}
}

func TestAdminAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	guarded := AdminAuth(next)

	// No secret configured: admin surface is disabled.
	config.Cfg.AdminSecret = ""
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/usage", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", rec.Code)
	}

	config.Cfg.AdminSecret = "s3cret"
	defer func() { config.Cfg.AdminSecret = "" }()

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limited := RateLimit(2)(next)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/images/generate", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		limited.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/images/generate", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	limited.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", rec.Code)
	}

	// A different client has its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/images/generate", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	limited.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Other client status = %d, want 200", rec.Code)
	}
}
