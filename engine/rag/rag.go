// Package rag answers questions from retrieved restaurant content. A query
// checks the answer cache, and on a miss embeds the question, searches the
// vector index, generates an answer from the retrieved context and caches it.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dinewise/ragsvc/engine/answercache"
	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/semantic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Embedder returns one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator completes a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Searcher abstracts vector search.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]semantic.SearchResult, error)
}

// AnswerCache reads and writes cached answers.
type AnswerCache interface {
	Get(ctx context.Context, key string) (*answercache.Entry, bool, error)
	Set(ctx context.Context, key string, entry answercache.Entry, ttl time.Duration) error
}

// Recorder is told the cache outcome of every query.
type Recorder interface {
	CacheHit()
	CacheMiss()
	CacheWriteFailed()
}

type nopRecorder struct{}

func (nopRecorder) CacheHit()         {}
func (nopRecorder) CacheMiss()        {}
func (nopRecorder) CacheWriteFailed() {}

// Options configures the query pipeline.
type Options struct {
	TopK              int
	CacheTTL          time.Duration
	CacheWriteTimeout time.Duration
	SystemPrompt      string
	Recorder          Recorder
}

// DefaultOptions returns the service defaults.
func DefaultOptions() Options {
	return Options{
		TopK:              5,
		CacheTTL:          600 * time.Second,
		CacheWriteTimeout: 5 * time.Second,
		SystemPrompt:      DefaultSystemPrompt,
	}
}

const DefaultSystemPrompt = "You are a helpful assistant for a restaurant brand. " +
	"Use ONLY the information provided in the context snippets below to answer customer questions. " +
	"When answering questions about promotions, offers, or deals: " +
	"- If a promotion is listed in the context with a schedule that includes today's date, it IS currently available. " +
	"- Report promotions exactly as they appear in the context without making assumptions about their availability. " +
	"- If no promotion information is in the context, reply that promotion information is unavailable. " +
	"Do not infer, assume, or add information not explicitly stated in the context. " +
	"Be direct and helpful in your responses."

// Service is the answer orchestrator.
type Service struct {
	embed  Embedder
	gen    Generator
	search Searcher
	cache  AnswerCache
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Service. Zero option fields take their defaults.
func New(embed Embedder, gen Generator, search Searcher, cache AnswerCache, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.CacheWriteTimeout <= 0 {
		opts.CacheWriteTimeout = def.CacheWriteTimeout
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = def.SystemPrompt
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Service{
		embed:  embed,
		gen:    gen,
		search: search,
		cache:  cache,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("engine/rag"),
	}
}

// Answer is the result of a query.
type Answer struct {
	Answer  string               `json:"answer"`
	Sources []domain.SourceChunk `json:"sources"`
	Cached  bool                 `json:"cached"`
}

// Query answers one question.
func (s *Service) Query(ctx context.Context, req domain.QueryRequest) (*Answer, error) {
	if err := domain.ValidateQuery(req); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "rag.query", trace.WithAttributes(
		attribute.String("restaurant_id", req.RestaurantID),
		attribute.Int("top_k", req.TopK),
	))
	defer span.End()

	ans, err := s.query(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("cached", ans.Cached))
	return ans, nil
}

func (s *Service) query(ctx context.Context, req domain.QueryRequest) (*Answer, error) {
	key := answercache.Key(req.Question, req.RestaurantID)

	// 1. Cache check. A failing cache is a miss, not a failed request.
	entry, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("rag: cache read failed, treating as miss", "key", key, "err", err)
	}
	if err == nil && hit {
		s.opts.Recorder.CacheHit()
		s.logger.Debug("rag: cache hit", "key", key)
		return &Answer{Answer: entry.Answer, Sources: entry.Sources, Cached: true}, nil
	}
	s.opts.Recorder.CacheMiss()

	// 2. Embed the question.
	embedCtx, embedSpan := s.tracer.Start(ctx, "rag.embed")
	vecs, err := s.embed.Embed(embedCtx, []string{req.Question})
	embedSpan.End()
	if err != nil {
		return nil, fmt.Errorf("rag: embed question: %w", asProviderError("embed", err))
	}
	if len(vecs) != 1 {
		return nil, domain.NewProviderError("embedder", "embed",
			fmt.Errorf("expected 1 embedding, got %d", len(vecs)))
	}

	// 3. Retrieve.
	topK := req.TopK
	if topK == 0 {
		topK = s.opts.TopK
	}
	var filters map[string]string
	if req.RestaurantID != "" {
		filters = map[string]string{semantic.KeyRestaurantID: req.RestaurantID}
	}
	searchCtx, searchSpan := s.tracer.Start(ctx, "rag.retrieve")
	results, err := s.search.Search(searchCtx, vecs[0], topK, filters)
	searchSpan.End()
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w", asIndexError(err))
	}

	// 4. Assemble context.
	contextBlock, sources := assemble(results)
	s.logger.Info("rag: retrieved", "results", len(results), "used", len(sources))

	// 5. Generate.
	genCtx, genSpan := s.tracer.Start(ctx, "rag.generate")
	answer, err := s.gen.Generate(genCtx, BuildPrompt(s.opts.SystemPrompt, contextBlock, req.Question))
	genSpan.End()
	if err != nil {
		return nil, fmt.Errorf("rag: generate: %w", asProviderError("generate", err))
	}

	// 6. Populate the cache. The answer is returned whether or not this works.
	s.populate(ctx, key, answercache.Entry{
		Answer:     answer,
		Sources:    sources,
		TTLSeconds: int(s.opts.CacheTTL / time.Second),
		SessionID:  req.SessionID,
		Question:   req.Question,
	})

	return &Answer{Answer: answer, Sources: sources, Cached: false}, nil
}

// populate writes the entry with a context that outlives a disconnected
// caller but is bounded by CacheWriteTimeout.
func (s *Service) populate(ctx context.Context, key string, entry answercache.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CacheWriteTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "rag.cache_populate")
	defer span.End()

	if err := s.cache.Set(ctx, key, entry, s.opts.CacheTTL); err != nil {
		span.RecordError(err)
		s.opts.Recorder.CacheWriteFailed()
		s.logger.Error("rag: cache write failed, answer not cached", "key", key, "err", err)
	}
}

// assemble joins the non-empty chunk texts in rank order and projects each
// used result into a SourceChunk.
func assemble(results []semantic.SearchResult) (string, []domain.SourceChunk) {
	parts := make([]string, 0, len(results))
	sources := make([]domain.SourceChunk, 0, len(results))
	for _, r := range results {
		if r.Payload.ChunkText == "" {
			continue
		}
		parts = append(parts, r.Payload.ChunkText)
		sources = append(sources, domain.SourceChunk{
			Text:     r.Payload.ChunkText,
			Score:    float64(r.Score),
			Metadata: r.Payload.Metadata(),
		})
	}
	return strings.Join(parts, "\n\n"), sources
}

// BuildPrompt lays out the generation prompt.
func BuildPrompt(system, contextBlock, question string) string {
	return system + "\n\nContext:\n" + contextBlock + "\n\nQuestion: " + question + "\nAnswer:"
}

// asProviderError makes sure a collaborator failure is classified as a
// provider failure.
func asProviderError(op string, err error) error {
	if errors.Is(err, domain.ErrProvider) {
		return err
	}
	return domain.NewProviderError("provider", op, err)
}

func asIndexError(err error) error {
	if errors.Is(err, domain.ErrIndex) {
		return err
	}
	return domain.NewIndexError("search", err)
}
