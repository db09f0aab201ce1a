package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/haneul-edu/quiz-ai-gateway/internal/api"
	"github.com/haneul-edu/quiz-ai-gateway/internal/config"
	"github.com/haneul-edu/quiz-ai-gateway/internal/generator"
	"github.com/haneul-edu/quiz-ai-gateway/internal/imagecache"
	"github.com/haneul-edu/quiz-ai-gateway/internal/openai"
	"github.com/haneul-edu/quiz-ai-gateway/internal/quota"
	"github.com/haneul-edu/quiz-ai-gateway/internal/storage"
	"github.com/haneul-edu/quiz-ai-gateway/internal/tokenbudget"
)

// Persisted storage keys.
const (
	imageCacheKey     = "image_cache"
	characterCacheKey = "character_image_cache"
	dailyQuotaKey     = "daily_quota"
)

func main() {
	config.Load()

	store, err := storage.Open(config.Cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Storage init: %v", err)
	}
	defer store.Close()

	cacheTTL := time.Duration(config.Cfg.CacheTTLDays) * 24 * time.Hour
	quizCache := imagecache.New(store, imageCacheKey, cacheTTL, config.Cfg.CacheMaxEntries)
	charCache := imagecache.New(store, characterCacheKey, cacheTTL, config.Cfg.CacheMaxEntries)
	counter := quota.NewCounter(store, dailyQuotaKey, config.Cfg.DailyImageLimit)
	sessions := tokenbudget.NewManager(config.Cfg.SessionTokenCeiling, config.Cfg.CostPer1KTokensMicro, 6*time.Hour)
	client := openai.NewClient(config.Cfg.OpenAIBaseURL, config.Cfg.OpenAIAPIKey, store,
		time.Duration(config.Cfg.UpstreamTimeoutSec)*time.Second)

	h := &api.Handler{
		Quiz:           generator.New(quizCache, counter, client, store, config.Cfg.ImageModel, config.Cfg.ImageCostMicro),
		Character:      generator.New(charCache, counter, client, store, config.Cfg.ImageModel, config.Cfg.ImageCostMicro),
		Quota:          counter,
		Sessions:       sessions,
		Client:         client,
		KV:             store,
		Store:          store,
		Caches:         []*imagecache.Cache{quizCache, charCache},
		ChatModel:      config.Cfg.ChatModel,
		CostPer1KMicro: config.Cfg.CostPer1KTokensMicro,
	}

	// Nightly maintenance at local midnight: drop expired cache entries
	// and idle chat sessions.
	c := cron.New()
	c.AddFunc("0 0 * * *", func() {
		quizCache.PurgeExpired()
		charCache.PurgeExpired()
		removed := sessions.Sweep()
		log.Printf("Maintenance sweep done, %d idle sessions dropped", removed)
	})
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", api.HealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.With(api.RateLimit(config.Cfg.RequestsPerMinute)).Post("/images/generate", h.GenerateImage)
		r.Get("/images/quota", h.QuotaStatus)
		r.With(api.RateLimit(config.Cfg.RequestsPerMinute)).Post("/chat/completions", h.Chat)
		r.Get("/chat/usage", h.ChatUsage)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(api.AdminAuth)
		r.Put("/key", h.SetAPIKey)
		r.Delete("/cache", h.ClearCaches)
		r.Get("/usage", h.AdminUsage)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Quiz AI gateway starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Quiz AI gateway stopped")
}
