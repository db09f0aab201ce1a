package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haneul-edu/quiz-ai-gateway/internal/storage"
)

// StoredKeyName is the KV key holding the user-supplied API credential.
// An environment-configured credential takes precedence over it.
const StoredKeyName = "openai_api_key"

// Provider errors, normalized at the HTTP boundary. Callers check these
// with errors.Is and map them to user-readable responses.
var (
	ErrMissingKey    = errors.New("no API key configured")
	ErrInvalidKey    = errors.New("API key is invalid")
	ErrRateLimited   = errors.New("provider rate limit reached")
	ErrContentPolicy = errors.New("prompt rejected by content policy")
)

type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type ChatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type ChatResult struct {
	Content string
	Model   string
	Usage   ChatUsage
}

type ImageResult struct {
	URL           string
	RevisedPrompt string
}

// Client talks to the OpenAI chat and image endpoints with a bearer
// credential resolved per call.
type Client struct {
	baseURL string
	envKey  string
	kv      storage.KV
	http    *http.Client
}

func NewClient(baseURL, envKey string, kv storage.KV, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		envKey:  envKey,
		kv:      kv,
		http:    &http.Client{Timeout: timeout},
	}
}

// HasCredential reports whether a usable key is available without
// touching the network.
func (c *Client) HasCredential() bool {
	_, err := c.resolveKey()
	return err == nil
}

// resolveKey prefers the environment-configured credential, then the
// one stored in the KV store.
func (c *Client) resolveKey() (string, error) {
	if c.envKey != "" {
		return c.envKey, nil
	}
	if c.kv != nil {
		if v, found, err := c.kv.Get(StoredKeyName); err == nil && found && v != "" {
			return v, nil
		}
	}
	return "", ErrMissingKey
}

func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
		Usage ChatUsage `json:"usage"`
	}
	if err := c.post(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}
	return &ChatResult{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}, nil
}

func (c *Client) GenerateImage(ctx context.Context, model, prompt, size, quality string) (*ImageResult, error) {
	req := struct {
		Model   string `json:"model"`
		Prompt  string `json:"prompt"`
		N       int    `json:"n"`
		Size    string `json:"size"`
		Quality string `json:"quality"`
	}{Model: model, Prompt: prompt, N: 1, Size: size, Quality: quality}

	var resp struct {
		Data []struct {
			URL           string `json:"url"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/v1/images/generations", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, fmt.Errorf("image generation: empty data")
	}
	return &ImageResult{
		URL:           resp.Data[0].URL,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	key, err := c.resolveKey()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

// classifyStatus maps provider HTTP failures onto the error taxonomy.
func classifyStatus(status int, body []byte) error {
	msg := apiErrorMessage(body)
	switch status {
	case http.StatusUnauthorized:
		return wrap(ErrInvalidKey, msg)
	case http.StatusTooManyRequests:
		return wrap(ErrRateLimited, msg)
	case http.StatusBadRequest:
		return wrap(ErrContentPolicy, msg)
	default:
		return fmt.Errorf("upstream status %d: %s", status, msg)
	}
}

func wrap(sentinel error, msg string) error {
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Error.Message
	}
	return ""
}
