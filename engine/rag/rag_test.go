package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dinewise/ragsvc/engine/answercache"
	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/semantic"
)

// --- mocks ---

type mockEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = m.vec
	}
	return out, nil
}

type mockGenerator struct {
	reply      string
	err        error
	lastPrompt string
	calls      int
}

func (m *mockGenerator) Generate(_ context.Context, prompt string) (string, error) {
	m.calls++
	m.lastPrompt = prompt
	return m.reply, m.err
}

type mockSearcher struct {
	results     []semantic.SearchResult
	err         error
	lastLimit   int
	lastFilters map[string]string
}

func (m *mockSearcher) Search(_ context.Context, _ []float32, limit int, filters map[string]string) ([]semantic.SearchResult, error) {
	m.lastLimit = limit
	m.lastFilters = filters
	return m.results, m.err
}

type mockCache struct {
	mu       sync.Mutex
	entries  map[string]answercache.Entry
	getErr   error
	setErr   error
	setTTL   time.Duration
	setCtxOK bool
}

func newMockCache() *mockCache { return &mockCache{entries: map[string]answercache.Entry{}} }

func (m *mockCache) Get(_ context.Context, key string) (*answercache.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *mockCache) Set(ctx context.Context, key string, e answercache.Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTL = ttl
	m.setCtxOK = ctx.Err() == nil
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[key] = e
	return nil
}

type countingRecorder struct{ hits, misses, writeFailures int }

func (c *countingRecorder) CacheHit()         { c.hits++ }
func (c *countingRecorder) CacheMiss()        { c.misses++ }
func (c *countingRecorder) CacheWriteFailed() { c.writeFailures++ }

func results() []semantic.SearchResult {
	return []semantic.SearchResult{
		{ID: "p1", Score: 0.9, Payload: semantic.ChunkPayload{ChunkText: "Open 11am to 10pm.", ChunkIndex: 0, SourceID: "hours", RestaurantID: "r1"}},
		{ID: "p2", Score: 0.7, Payload: semantic.ChunkPayload{ChunkText: "", ChunkIndex: 1, SourceID: "hours"}},
		{ID: "p3", Score: 0.5, Payload: semantic.ChunkPayload{ChunkText: "Closed on Mondays.", ChunkIndex: 2, SourceID: "hours"}},
	}
}

type fixture struct {
	embed  *mockEmbedder
	gen    *mockGenerator
	search *mockSearcher
	cache  *mockCache
	rec    *countingRecorder
	svc    *Service
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		embed:  &mockEmbedder{vec: []float32{0.1, 0.2}},
		gen:    &mockGenerator{reply: "We open at 11am."},
		search: &mockSearcher{results: results()},
		cache:  newMockCache(),
		rec:    &countingRecorder{},
	}
	opts.Recorder = f.rec
	f.svc = New(f.embed, f.gen, f.search, f.cache, opts, nil)
	return f
}

// --- tests ---

func TestQuery_MissGeneratesAndCaches(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	ans, err := f.svc.Query(ctx, domain.QueryRequest{Question: "When do you open?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Cached {
		t.Fatal("first answer must not be cached")
	}
	if ans.Answer != "We open at 11am." {
		t.Fatalf("unexpected answer %q", ans.Answer)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("expected empty chunk skipped, got %d sources", len(ans.Sources))
	}
	if ans.Sources[0].Text != "Open 11am to 10pm." || ans.Sources[1].Text != "Closed on Mondays." {
		t.Fatalf("sources out of rank order: %+v", ans.Sources)
	}
	if _, ok := ans.Sources[0].Metadata["chunk_text"]; ok {
		t.Fatal("metadata must not repeat chunk_text")
	}
	if ans.Sources[0].Metadata["source_id"] != "hours" {
		t.Fatalf("unexpected metadata %v", ans.Sources[0].Metadata)
	}
	if f.search.lastLimit != 5 {
		t.Fatalf("expected default top_k 5, got %d", f.search.lastLimit)
	}
	if f.search.lastFilters != nil {
		t.Fatalf("expected no filter without tenant, got %v", f.search.lastFilters)
	}
	if !strings.Contains(f.gen.lastPrompt, "Context:\nOpen 11am to 10pm.\n\nClosed on Mondays.\n\nQuestion: When do you open?\nAnswer:") {
		t.Fatalf("unexpected prompt %q", f.gen.lastPrompt)
	}

	entry, ok := f.cache.entries[answercache.Key("When do you open?", "")]
	if !ok {
		t.Fatal("expected answer cached")
	}
	if entry.SessionID != "s1" || entry.Question != "When do you open?" || entry.TTLSeconds != 600 {
		t.Fatalf("unexpected cache entry %+v", entry)
	}
	if f.cache.setTTL != 600*time.Second {
		t.Fatalf("expected ttl 600s, got %v", f.cache.setTTL)
	}
	if f.rec.misses != 1 || f.rec.hits != 0 {
		t.Fatalf("unexpected recorder counts %+v", f.rec)
	}
}

func TestQuery_HitSkipsDownstream(t *testing.T) {
	f := newFixture(Options{})
	f.cache.entries[answercache.Key("hours?", "")] = answercache.Entry{
		Answer:  "cached answer",
		Sources: []domain.SourceChunk{{Text: "t", Score: 1}},
	}

	ans, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "  HOURS? "})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !ans.Cached || ans.Answer != "cached answer" || len(ans.Sources) != 1 {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if f.embed.calls != 0 || f.gen.calls != 0 {
		t.Fatal("cache hit must skip embedding and generation")
	}
	if f.rec.hits != 1 {
		t.Fatalf("expected one hit, got %+v", f.rec)
	}
}

func TestQuery_SecondCallIsCached(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()
	req := domain.QueryRequest{Question: "When do you open?"}

	if _, err := f.svc.Query(ctx, req); err != nil {
		t.Fatal(err)
	}
	ans, err := f.svc.Query(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !ans.Cached || f.gen.calls != 1 {
		t.Fatalf("expected cached second answer, cached=%v gen calls=%d", ans.Cached, f.gen.calls)
	}
}

func TestQuery_EmptyIndexStillGenerates(t *testing.T) {
	f := newFixture(Options{})
	f.search.results = nil
	f.gen.reply = "I don't have that information."

	ans, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "Do you deliver?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Answer != "I don't have that information." {
		t.Fatalf("expected generator output verbatim, got %q", ans.Answer)
	}
	if ans.Sources == nil || len(ans.Sources) != 0 {
		t.Fatalf("expected empty sources, got %#v", ans.Sources)
	}
	if !strings.Contains(f.gen.lastPrompt, "Context:\n\n\nQuestion: Do you deliver?") {
		t.Fatalf("expected empty context in prompt, got %q", f.gen.lastPrompt)
	}
}

func TestQuery_CacheWriteFailureDegrades(t *testing.T) {
	f := newFixture(Options{})
	f.cache.setErr = &domain.CacheWriteError{Key: "k", Err: errors.New("connection refused")}

	ans, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "When do you open?"})
	if err != nil {
		t.Fatalf("cache write failure must not fail the query: %v", err)
	}
	if ans.Cached || ans.Answer != "We open at 11am." {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if f.rec.writeFailures != 1 {
		t.Fatalf("expected write failure recorded, got %+v", f.rec)
	}
}

func TestQuery_CacheReadFailureIsMiss(t *testing.T) {
	f := newFixture(Options{})
	f.cache.getErr = errors.New("redis down")

	ans, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "When do you open?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Cached || f.gen.calls != 1 {
		t.Fatal("expected a generated answer")
	}
}

func TestQuery_CacheWriteSurvivesCancelledCaller(t *testing.T) {
	f := newFixture(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	f.svc = New(f.embed, cancellingGenerator{cancel: cancel, reply: "ok"}, f.search, f.cache, Options{}, nil)

	if _, err := f.svc.Query(ctx, domain.QueryRequest{Question: "q"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !f.cache.setCtxOK {
		t.Fatal("cache write should not inherit caller cancellation")
	}
}

type cancellingGenerator struct {
	cancel context.CancelFunc
	reply  string
}

func (g cancellingGenerator) Generate(context.Context, string) (string, error) {
	g.cancel()
	return g.reply, nil
}

func TestQuery_EmbedError(t *testing.T) {
	f := newFixture(Options{})
	f.embed.err = errors.New("connection refused")

	_, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "q"})
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if f.gen.calls != 0 {
		t.Fatal("generation must not run after embed failure")
	}
	if len(f.cache.entries) != 0 {
		t.Fatal("nothing may be cached on failure")
	}
}

func TestQuery_SearchError(t *testing.T) {
	f := newFixture(Options{})
	f.search.err = domain.NewIndexError("search", errors.New("collection not found"))

	_, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "q"})
	if !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected index error, got %v", err)
	}
}

func TestQuery_UnclassifiedSearchErrorBecomesIndexError(t *testing.T) {
	f := newFixture(Options{})
	f.search.err = errors.New("rpc error")

	_, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "q"})
	if !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected index error, got %v", err)
	}
}

func TestQuery_GenerateError(t *testing.T) {
	f := newFixture(Options{})
	f.gen.err = domain.NewProviderError("ollama", "generate", errors.New("timeout"))

	_, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "q"})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(f.cache.entries) != 0 {
		t.Fatal("nothing may be cached on failure")
	}
}

func TestQuery_TenantScoping(t *testing.T) {
	f := newFixture(Options{TopK: 3})

	if _, err := f.svc.Query(context.Background(), domain.QueryRequest{Question: "q", RestaurantID: "r1", TopK: 7}); err != nil {
		t.Fatal(err)
	}
	if f.search.lastFilters[semantic.KeyRestaurantID] != "r1" {
		t.Fatalf("expected restaurant filter, got %v", f.search.lastFilters)
	}
	if f.search.lastLimit != 7 {
		t.Fatalf("expected request top_k, got %d", f.search.lastLimit)
	}
	if _, ok := f.cache.entries[answercache.Key("q", "r1")]; !ok {
		t.Fatal("expected tenant-scoped cache key")
	}
	if _, ok := f.cache.entries[answercache.Key("q", "")]; ok {
		t.Fatal("tenant answer must not be cached under the global key")
	}
}

func TestQuery_Validation(t *testing.T) {
	f := newFixture(Options{})
	for _, req := range []domain.QueryRequest{
		{Question: "   "},
		{Question: "q", TopK: 11},
		{Question: "q", TopK: -1},
	} {
		if _, err := f.svc.Query(context.Background(), req); !domain.IsValidation(err) {
			t.Errorf("%+v: expected validation error, got %v", req, err)
		}
	}
	if f.embed.calls != 0 {
		t.Fatal("invalid requests must not reach the embedder")
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("SYS", "ctx", "q?")
	if got != "SYS\n\nContext:\nctx\n\nQuestion: q?\nAnswer:" {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestNew_Defaults(t *testing.T) {
	svc := New(nil, nil, nil, nil, Options{}, nil)
	if svc.opts.TopK != 5 || svc.opts.CacheTTL != 600*time.Second || svc.opts.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("unexpected defaults %+v", svc.opts)
	}
}
