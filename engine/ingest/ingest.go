// Package ingest turns documents into vector points: validate, chunk, embed
// in batches, then provision the collection and upsert with deterministic ids.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/semantic"
	"github.com/dinewise/ragsvc/pkg/fn"
)

// EmbedBatchSize is the max chunks per embedding request.
const EmbedBatchSize = 100

// Embedder returns one vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the part of the vector store ingestion writes to.
type Index interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder Embedder
	Index    Index
	Logger   *slog.Logger
}

// chunkedBatch is an ingest request after chunking.
type chunkedBatch struct {
	Chunks []documentChunk
}

// embeddedBatch pairs every chunk with its vector.
type embeddedBatch struct {
	chunkedBatch
	Vectors [][]float32
}

// --- Pipeline Stages ---

// Validate checks chunking parameters.
var Validate fn.Stage[domain.IngestRequest, domain.IngestRequest] = func(_ context.Context, req domain.IngestRequest) fn.Result[domain.IngestRequest] {
	if err := domain.ValidateIngest(req); err != nil {
		return fn.Err[domain.IngestRequest](err)
	}
	return fn.Ok(req)
}

// newChunk flattens every document into chunks, in document order. A
// document without a source id gets random point ids; that is logged once
// per document.
func newChunk(log *slog.Logger) fn.Stage[domain.IngestRequest, chunkedBatch] {
	return func(_ context.Context, req domain.IngestRequest) fn.Result[chunkedBatch] {
		for i, doc := range req.Documents {
			if doc.Metadata.SourceID == "" && strings.TrimSpace(doc.Text) != "" {
				log.Warn("ingest: document has no source_id, re-ingestion will duplicate its chunks", "document", i)
			}
		}
		return fn.Ok(chunkedBatch{Chunks: chunkDocuments(req.Documents, req.Size(), req.Overlap())})
	}
}

// NewEmbed creates a stage that embeds chunks in groups of EmbedBatchSize.
func NewEmbed(e Embedder) fn.Stage[chunkedBatch, embeddedBatch] {
	return func(ctx context.Context, b chunkedBatch) fn.Result[embeddedBatch] {
		vectors := make([][]float32, 0, len(b.Chunks))
		for _, group := range fn.Chunk(b.Chunks, EmbedBatchSize) {
			texts := fn.Map(group, func(c documentChunk) string { return c.Text })
			vecs, err := e.Embed(ctx, texts)
			if err != nil {
				return fn.Err[embeddedBatch](fmt.Errorf("ingest: embed: %w", err))
			}
			if len(vecs) != len(texts) {
				return fn.Err[embeddedBatch](domain.NewProviderError("embedder", "embed",
					fmt.Errorf("expected %d vectors, got %d", len(texts), len(vecs))))
			}
			vectors = append(vectors, vecs...)
		}
		return fn.Ok(embeddedBatch{chunkedBatch: b, Vectors: vectors})
	}
}

// NewStore creates a stage that sizes the collection from the first vector
// and upserts every chunk. It returns the number of points written.
func NewStore(ix Index) fn.Stage[embeddedBatch, int] {
	return func(ctx context.Context, b embeddedBatch) fn.Result[int] {
		if len(b.Vectors) == 0 {
			return fn.Ok(0)
		}
		if err := ix.EnsureCollection(ctx, len(b.Vectors[0])); err != nil {
			return fn.Err[int](fmt.Errorf("ingest: %w", err))
		}

		records := make([]semantic.VectorRecord, len(b.Chunks))
		for i, c := range b.Chunks {
			records[i] = semantic.VectorRecord{
				ID:     PointID(c.SourceID, c.Index),
				Vector: b.Vectors[i],
				Payload: semantic.ChunkPayload{
					ChunkText:    c.Text,
					ChunkIndex:   c.Index,
					SourceID:     c.Metadata.SourceID,
					RestaurantID: c.Metadata.RestaurantID,
					Tags:         domain.UniqueTags(c.Metadata.Tags),
					Extras:       c.Metadata.Extras,
				},
			}
		}
		if err := ix.Upsert(ctx, records); err != nil {
			return fn.Err[int](fmt.Errorf("ingest: %w", err))
		}
		return fn.Ok(len(records))
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[domain.IngestRequest, int] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	// Validate → Chunk → Embed → Store, with logging taps between stages.
	validated := fn.Then(LoggedTap[domain.IngestRequest]("validate", log), Validate)
	chunked := fn.Then(validated, fn.Then(LoggedTap[domain.IngestRequest]("chunk", log), newChunk(log)))
	embedded := fn.Then(chunked, fn.TracedStage("ingest.embed", fn.Then(LoggedTap[chunkedBatch]("embed", log), NewEmbed(deps.Embedder))))
	stored := fn.Then(embedded, fn.TracedStage("ingest.store", fn.Then(LoggedTap[embeddedBatch]("store", log), NewStore(deps.Index))))

	return stored
}

// Service runs ingest requests through the pipeline.
type Service struct {
	pipeline fn.Stage[domain.IngestRequest, int]
	logger   *slog.Logger
}

// New creates a Service.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{pipeline: NewPipeline(deps), logger: deps.Logger}
}

// Ingest chunks, embeds and stores the request's documents and returns the
// number of chunks written. Documents without text contribute nothing.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (int, error) {
	start := time.Now()
	n, err := s.pipeline(ctx, req).Unwrap()
	if err != nil {
		return 0, err
	}
	s.logger.Info("ingest: done",
		"documents", len(req.Documents),
		"chunks", n,
		"duration", time.Since(start),
	)
	return n, nil
}
