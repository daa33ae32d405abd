// Package main implements the RAG API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dinewise/ragsvc/engine/answercache"
	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/ingest"
	"github.com/dinewise/ragsvc/engine/rag"
	"github.com/dinewise/ragsvc/pkg/bootstrap"
	"github.com/dinewise/ragsvc/pkg/fn"
	"github.com/dinewise/ragsvc/pkg/metrics"
	"github.com/dinewise/ragsvc/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := bootstrap.Load()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg bootstrap.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Connect to Qdrant ---
	vectorStore, err := bootstrap.Qdrant(cfg)
	if err != nil {
		return err
	}
	defer vectorStore.Close()

	// --- Connect to Redis ---
	rdb, err := bootstrap.Redis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	cache := answercache.New(rdb, logger)
	if err := bootstrap.PreloadScript(ctx, cache, rdb, fn.DefaultRetry); err != nil {
		logger.Warn("answer cache script not preloaded", "err", err)
	}

	provider := bootstrap.Ollama(cfg, reg, logger)

	// --- Build services ---
	opts := rag.DefaultOptions()
	opts.TopK = cfg.TopK
	opts.CacheTTL = cfg.CacheTTL
	opts.Recorder = ragMetrics{reg: reg}
	ragSvc := rag.New(provider, provider, vectorStore, cache, opts, logger)

	ingestSvc := ingest.New(ingest.Deps{Embedder: provider, Index: vectorStore, Logger: logger})

	srv := &server{
		collection: cfg.Collection,
		adminKey:   cfg.AdminKey,
		origins:    mid.ParseOrigins(cfg.CORSOrigins),
		query:      ragSvc,
		ingest:     ingestSvc,
		embed:      provider,
		cache:      cache,
		qdrant:     vectorStore,
		redis:      cache,
		metrics:    reg,
		logger:     logger,
	}

	// --- Optional NATS transport for /rag/sync ---
	nc, err := bootstrap.NATS(cfg, "rag-api", logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Drain()
		srv.publish = func(ctx context.Context, req domain.IngestRequest) error {
			if err := ingest.Publish(ctx, nc, req); err != nil {
				return fmt.Errorf("queue ingest: %w", err)
			}
			return nil
		}
	}

	if cfg.AdminKey == "" {
		logger.Warn("RAG_ADMIN_API_KEY is empty, admin routes are open")
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "collection", cfg.Collection, "nats", nc != nil)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
