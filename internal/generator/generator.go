package generator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/haneul-edu/quiz-ai-gateway/internal/fallback"
	"github.com/haneul-edu/quiz-ai-gateway/internal/imagecache"
	"github.com/haneul-edu/quiz-ai-gateway/internal/openai"
	"github.com/haneul-edu/quiz-ai-gateway/internal/quota"
	"github.com/haneul-edu/quiz-ai-gateway/internal/storage"
)

// Fallback reasons reported alongside a deterministic fallback image.
const (
	ReasonMissingKey     = "missing_key"
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonProviderError  = "provider_error"
)

// promptTemplate biases generations toward a child-friendly educational
// illustration style.
const promptTemplate = "한국 역사 교육용 일러스트: %s. 어린이를 위한 밝고 친근한 수채화 그림체, 폭력적이지 않은 장면."

type Result struct {
	URL      string `json:"url"`
	Cached   bool   `json:"cached"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

// UsageLog receives one record per successful billable generation.
// Logging failures never fail the generation.
type UsageLog interface {
	RecordUsage(rec *storage.UsageRecord) error
}

// Generator is the composite image flow: cache, then quota, then the
// provider, degrading to a deterministic fallback. It never returns an
// error; the UI always gets a usable image reference.
type Generator struct {
	cache     *imagecache.Cache
	quota     *quota.Counter
	client    *openai.Client
	usage     UsageLog
	model     string
	costMicro int64
}

func New(cache *imagecache.Cache, counter *quota.Counter, client *openai.Client, usage UsageLog, model string, costMicro int64) *Generator {
	return &Generator{
		cache:     cache,
		quota:     counter,
		client:    client,
		usage:     usage,
		model:     model,
		costMicro: costMicro,
	}
}

func (g *Generator) Generate(ctx context.Context, key, prompt string) Result {
	if e, ok := g.cache.Lookup(key); ok {
		return Result{URL: e.URL, Cached: true}
	}

	if !g.client.HasCredential() {
		return fallbackResult(prompt, ReasonMissingKey)
	}
	if !g.quota.CanProceed() {
		return fallbackResult(prompt, ReasonQuotaExhausted)
	}

	start := time.Now()
	img, err := g.client.GenerateImage(ctx, g.model, fmt.Sprintf(promptTemplate, prompt), "1024x1024", "standard")
	if err != nil {
		log.Printf("Image generation for %s failed: %v", key, err)
		return fallbackResult(prompt, ReasonProviderError)
	}

	g.cache.Store(key, img.URL, prompt)
	if err := g.quota.Increment(); err != nil {
		log.Printf("Failed to record daily quota: %v", err)
	}
	if g.usage != nil {
		rec := &storage.UsageRecord{
			Kind:       "image",
			Model:      g.model,
			CostMicro:  g.costMicro,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err := g.usage.RecordUsage(rec); err != nil {
			log.Printf("Failed to record usage: %v", err)
		}
	}

	return Result{URL: img.URL}
}

func fallbackResult(prompt, reason string) Result {
	return Result{
		URL:      fallback.Resolve(prompt),
		Fallback: true,
		Reason:   reason,
	}
}
