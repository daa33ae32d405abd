package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/rag"
	"github.com/dinewise/ragsvc/pkg/fn"
	"github.com/dinewise/ragsvc/pkg/metrics"
	"github.com/dinewise/ragsvc/pkg/mid"
)

const (
	maxBodyBytes = 10 << 20
	probeTimeout = 2 * time.Second
)

type querier interface {
	Query(ctx context.Context, req domain.QueryRequest) (*rag.Answer, error)
}

type ingester interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (int, error)
}

type embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type cacheFlusher interface {
	Flush(ctx context.Context) (int, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// server holds the HTTP handlers and what they call into. publish is nil when
// NATS is not configured.
type server struct {
	collection string
	adminKey   string
	origins    []string

	query   querier
	ingest  ingester
	embed   embedder
	cache   cacheFlusher
	qdrant  pinger
	redis   pinger
	publish func(ctx context.Context, req domain.IngestRequest) error

	metrics *metrics.Registry
	logger  *slog.Logger
}

func (s *server) routes() http.Handler {
	admin := mid.AdminKey(s.adminKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /rag/query", s.handleQuery)
	mux.HandleFunc("GET /rag/health", s.handleHealth)
	mux.Handle("POST /rag/ingest", admin(http.HandlerFunc(s.handleIngest)))
	mux.Handle("POST /rag/embed", admin(http.HandlerFunc(s.handleEmbed)))
	mux.Handle("POST /rag/cache/flush", admin(http.HandlerFunc(s.handleFlush)))
	if s.publish != nil {
		mux.Handle("POST /rag/sync", admin(http.HandlerFunc(s.handleSync)))
	}
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mid.Chain(mux,
		mid.Recover(s.logger),
		mid.OTel("rag-api"),
		mid.Logger(s.logger),
		mid.Metrics(s.metrics, "rag"),
		mid.CORS(s.origins),
	)
}

// --- Handlers ---

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "RAG service is running.",
		"collection": s.collection,
	})
}

// HealthResponse is the JSON response for GET /rag/health. A failed
// dependency reports "error: <cause>"; the endpoint itself always answers 200.
type HealthResponse struct {
	Service string `json:"service"`
	Qdrant  string `json:"qdrant"`
	Redis   string `json:"redis"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probe := func(p pinger) func() string {
		return func() string {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				return "error: " + err.Error()
			}
			return "ok"
		}
	}
	status := fn.FanOut(probe(s.qdrant), probe(s.redis))
	writeJSON(w, http.StatusOK, HealthResponse{Service: "ok", Qdrant: status[0], Redis: status[1]})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if !s.decode(w, r, &req) {
		return
	}

	start := time.Now()
	answer, err := s.query.Query(r.Context(), req)
	s.metrics.Histogram("rag_query_duration_seconds", "Query latency including cache hits", nil).Since(start)
	if err != nil {
		s.fail(w, r, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// IngestResponse is the JSON response for POST /rag/ingest.
type IngestResponse struct {
	IngestedChunks int `json:"ingested_chunks"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req domain.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.ingest.Ingest(r.Context(), req)
	if err != nil {
		s.fail(w, r, "ingest", err)
		return
	}
	s.metrics.Counter("rag_ingested_chunks_total", "Chunks written to the vector index").Add(int64(n))
	writeJSON(w, http.StatusOK, IngestResponse{IngestedChunks: n})
}

// EmbedRequest is the JSON body for POST /rag/embed.
type EmbedRequest struct {
	Texts []string `json:"texts"`
}

// EmbedResponse is the JSON response for POST /rag/embed.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req EmbedRequest
	if !s.decode(w, r, &req) {
		return
	}
	vecs, err := s.embed.Embed(r.Context(), req.Texts)
	if err != nil {
		s.fail(w, r, "embed", err)
		return
	}
	if vecs == nil {
		vecs = [][]float32{}
	}
	writeJSON(w, http.StatusOK, EmbedResponse{Embeddings: vecs})
}

func (s *server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Flush(r.Context())
	if err != nil {
		s.fail(w, r, "cache flush", err)
		return
	}
	s.logger.Info("answer cache flushed", "deleted", n)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleSync validates the request and queues it for the ingest worker.
func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req domain.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := domain.ValidateIngest(req); err != nil {
		s.fail(w, r, "sync", err)
		return
	}
	if err := s.publish(r.Context(), req); err != nil {
		s.fail(w, r, "sync", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

// --- Helpers ---

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return false
	}
	return true
}

// fail maps err onto a status and writes the error body.
func (s *server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		s.metrics.Counter(metrics.WithLabels("rag_provider_errors_total", "provider", pe.Provider, "op", pe.Op),
			"Failed calls to the embedding or generation provider").Inc()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "err", err, "path", r.URL.Path, "status", status)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrIndex):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ragMetrics records answer cache outcomes in the registry.
type ragMetrics struct{ reg *metrics.Registry }

func (m ragMetrics) CacheHit() {
	m.reg.Counter("rag_cache_hits_total", "Queries answered from the cache").Inc()
}

func (m ragMetrics) CacheMiss() {
	m.reg.Counter("rag_cache_misses_total", "Queries that ran the full pipeline").Inc()
}

func (m ragMetrics) CacheWriteFailed() {
	m.reg.Counter("rag_cache_write_failures_total", "Answers that could not be cached").Inc()
}
