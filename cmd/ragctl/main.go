// Command ragctl is the operator CLI for the RAG service: collection resets,
// cache flushes, one-off ingestion and test queries against the live stores.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dinewise/ragsvc/engine/answercache"
	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/ingest"
	"github.com/dinewise/ragsvc/engine/rag"
	"github.com/dinewise/ragsvc/pkg/bootstrap"
	"github.com/spf13/cobra"
)

type collectionAdmin interface {
	Collection() string
	PointCount(ctx context.Context) (uint64, bool, error)
	DeleteCollection(ctx context.Context) error
}

type cacheFlusher interface {
	Flush(ctx context.Context) (int, error)
}

type ingester interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (int, error)
}

type querier interface {
	Query(ctx context.Context, req domain.QueryRequest) (*rag.Answer, error)
}

// deps are built once per invocation by connect.
type deps struct {
	index  collectionAdmin
	cache  cacheFlusher
	ingest ingester
	query  querier
	close  func()
}

// connect is replaced in tests.
var connect = func(cfg bootstrap.Config, logger *slog.Logger) (*deps, error) {
	vectorStore, err := bootstrap.Qdrant(cfg)
	if err != nil {
		return nil, err
	}
	rdb, err := bootstrap.Redis(cfg)
	if err != nil {
		vectorStore.Close()
		return nil, err
	}
	cache := answercache.New(rdb, logger)
	provider := bootstrap.Ollama(cfg, nil, logger)

	opts := rag.DefaultOptions()
	opts.TopK = cfg.TopK
	opts.CacheTTL = cfg.CacheTTL

	return &deps{
		index:  vectorStore,
		cache:  cache,
		ingest: ingest.New(ingest.Deps{Embedder: provider, Index: vectorStore, Logger: logger}),
		query:  rag.New(provider, provider, vectorStore, cache, opts, logger),
		close: func() {
			rdb.Close()
			vectorStore.Close()
		},
	}, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose bool
		d       *deps
	)
	get := func() *deps { return d }

	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the restaurant RAG service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			var err error
			d, err = connect(bootstrap.Load(), logger)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if d != nil && d.close != nil {
				d.close()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		newResetCmd(get),
		newFlushCmd(get),
		newIngestCmd(get),
		newQueryCmd(get),
	)
	return root
}
