package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/349lolol/Cataloger/internal/app"
	"github.com/349lolol/Cataloger/internal/config"
	"github.com/349lolol/Cataloger/internal/embedding"
	"github.com/349lolol/Cataloger/internal/enrich"
	"github.com/349lolol/Cataloger/internal/ratelimit"
	"github.com/349lolol/Cataloger/internal/search"
	"github.com/349lolol/Cataloger/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var provider embedding.Provider
	var enricher enrich.Enricher
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		provider = embedding.NewGemini(embedding.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			Model:      cfg.EmbeddingModel,
			Timeout:    cfg.EmbedTimeout,
			MaxRetries: cfg.EmbedMaxRetries,
		})
		enricher = enrich.New(enrich.Config{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
			Timeout: cfg.EmbedTimeout,
		})
	} else {
		log.Printf("GEMINI_API_KEY not set; semantic search and enrichment disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(provider, search.NewPgVector(db), meiliClient)

	var limiter *ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		limiter, err = ratelimit.New(cfg.RedisURL, cfg.RateLimitPerMin)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer limiter.Close()
	} else {
		log.Printf("REDIS_URL not set; rate limiting disabled")
	}

	service := app.New(cfg, dataStore, provider, enricher, searchService)
	httpServer := app.NewHTTPServer(service, []byte(cfg.JWTSecret), cfg.CORSOrigin, limiter)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Cataloger API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
