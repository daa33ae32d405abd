// Command ingest runs the ingestion pipeline outside the API. By default it
// consumes ingest requests from NATS; with -file it ingests one JSON or YAML
// file and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/ingest"
	"github.com/dinewise/ragsvc/pkg/bootstrap"
	"github.com/dinewise/ragsvc/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		file        = flag.String("file", "", "ingest this JSON or YAML file and exit instead of consuming NATS")
		metricsAddr = flag.String("metrics", ":9091", "address for the /metrics listener in worker mode, empty to disable")
		verbose     = flag.Bool("v", false, "log pipeline stages")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := bootstrap.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if *file != "" {
		err = runFile(ctx, cfg, *file, logger)
	} else {
		err = runWorker(ctx, cfg, *metricsAddr, logger)
	}
	if err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func newService(cfg bootstrap.Config, reg *metrics.Registry, logger *slog.Logger) (*ingest.Service, func(), error) {
	vectorStore, err := bootstrap.Qdrant(cfg)
	if err != nil {
		return nil, nil, err
	}
	provider := bootstrap.Ollama(cfg, reg, logger)
	svc := ingest.New(ingest.Deps{Embedder: provider, Index: vectorStore, Logger: logger})
	return svc, func() { vectorStore.Close() }, nil
}

func runFile(ctx context.Context, cfg bootstrap.Config, path string, logger *slog.Logger) error {
	req, err := ingest.ReadRequestFile(path)
	if err != nil {
		return err
	}
	svc, closeFn, err := newService(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := svc.Ingest(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d chunks from %s\n", n, path)
	return nil
}

func runWorker(ctx context.Context, cfg bootstrap.Config, metricsAddr string, logger *slog.Logger) error {
	if cfg.NATSURL == "" {
		return errors.New("NATS_URL is required in worker mode (or pass -file)")
	}
	nc, err := bootstrap.NATS(cfg, "rag-ingest", logger)
	if err != nil {
		return err
	}
	defer nc.Drain()

	reg := metrics.New()
	svc, closeFn, err := newService(cfg, reg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	sub, err := ingest.StartConsumer(nc, countingIngester{svc: svc, reg: reg}, logger)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ingest.Subject, err)
	}
	defer sub.Unsubscribe()

	logger.Info("ingest worker started", "subject", ingest.Subject, "collection", cfg.Collection)

	g, ctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", reg.Handler())
		msrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return msrv.Shutdown(shutCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	})
	return g.Wait()
}

// countingIngester records worker throughput.
type countingIngester struct {
	svc ingest.Ingester
	reg *metrics.Registry
}

func (c countingIngester) Ingest(ctx context.Context, req domain.IngestRequest) (int, error) {
	start := time.Now()
	n, err := c.svc.Ingest(ctx, req)
	c.reg.Histogram("rag_ingest_duration_seconds", "Time to ingest one request", nil).Since(start)
	if err != nil {
		c.reg.Counter("rag_ingest_failures_total", "Ingest attempts that failed").Inc()
		return n, err
	}
	c.reg.Counter("rag_ingested_chunks_total", "Chunks written to the vector index").Add(int64(n))
	return n, nil
}
