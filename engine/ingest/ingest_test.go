package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/engine/semantic"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   [][]string
	dims    int
	err     error
	dropOne bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	dims := f.dims
	if dims == 0 {
		dims = 4
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, dims)
		out[i][0] = float32(len(texts[i]))
	}
	if f.dropOne && len(out) > 0 {
		out = out[1:]
	}
	return out, nil
}

// fakeIndex stores points by id, like the real index.
type fakeIndex struct {
	mu        sync.Mutex
	points    map[string]semantic.VectorRecord
	ensured   []int
	ensureErr error
	upsertErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: map[string]semantic.VectorRecord{}}
}

func (f *fakeIndex) EnsureCollection(_ context.Context, dims int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, dims)
	return f.ensureErr
}

func (f *fakeIndex) Upsert(_ context.Context, records []semantic.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, r := range records {
		f.points[r.ID] = r
	}
	return nil
}

func intPtr(v int) *int { return &v }

func words(n int, w string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = w
	}
	return strings.Join(parts, " ")
}

func TestIngest_WritesChunksWithPayload(t *testing.T) {
	emb := &fakeEmbedder{dims: 8}
	ix := newFakeIndex()
	svc := New(Deps{Embedder: emb, Index: ix})

	req := domain.IngestRequest{
		ChunkSize:    100,
		ChunkOverlap: intPtr(0),
		Documents: []domain.Document{{
			Text: words(150, "pho"),
			Metadata: domain.DocumentMetadata{
				RestaurantID: "r1",
				SourceID:     "menu",
				Tags:         []string{"menu", "menu", "noodles"},
				Extras:       map[string]any{"lang": "en"},
			},
		}},
	}
	n, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}
	if len(ix.ensured) != 1 || ix.ensured[0] != 8 {
		t.Fatalf("expected collection sized from the first vector, got %v", ix.ensured)
	}

	rec, ok := ix.points[PointID("menu", 1)]
	if !ok {
		t.Fatal("expected point for menu:1")
	}
	p := rec.Payload
	if p.ChunkIndex != 1 || p.SourceID != "menu" || p.RestaurantID != "r1" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if len(strings.Fields(p.ChunkText)) != 50 {
		t.Fatalf("expected 50 tokens in second chunk, got %d", len(strings.Fields(p.ChunkText)))
	}
	if len(p.Tags) != 2 || p.Tags[0] != "menu" || p.Tags[1] != "noodles" {
		t.Fatalf("expected deduplicated tags, got %v", p.Tags)
	}
	if p.Extras["lang"] != "en" {
		t.Fatalf("expected extras carried, got %v", p.Extras)
	}
}

func TestIngest_Idempotent(t *testing.T) {
	ix := newFakeIndex()
	svc := New(Deps{Embedder: &fakeEmbedder{}, Index: ix})
	ctx := context.Background()

	doc := func(text string) domain.IngestRequest {
		return domain.IngestRequest{
			ChunkSize: 100,
			Documents: []domain.Document{{Text: text, Metadata: domain.DocumentMetadata{SourceID: "faq:hours"}}},
		}
	}
	if _, err := svc.Ingest(ctx, doc("We open at 10am")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, doc("We open at 11am")); err != nil {
		t.Fatal(err)
	}

	if len(ix.points) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(ix.points))
	}
	if got := ix.points[PointID("faq:hours", 0)].Payload.ChunkText; got != "We open at 11am" {
		t.Fatalf("expected second text to win, got %q", got)
	}
}

func TestIngest_NoSourceIDDuplicates(t *testing.T) {
	ix := newFakeIndex()
	svc := New(Deps{Embedder: &fakeEmbedder{}, Index: ix})
	req := domain.IngestRequest{ChunkSize: 100, Documents: []domain.Document{{Text: "same text"}}}

	for i := 0; i < 2; i++ {
		if _, err := svc.Ingest(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if len(ix.points) != 2 {
		t.Fatalf("expected duplicates without source_id, got %d", len(ix.points))
	}
}

func TestIngest_NothingToWrite(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newFakeIndex()
	svc := New(Deps{Embedder: emb, Index: ix})

	n, err := svc.Ingest(context.Background(), domain.IngestRequest{Documents: []domain.Document{{Text: "  "}}})
	if err != nil || n != 0 {
		t.Fatalf("expected 0 chunks, got %d %v", n, err)
	}
	if len(emb.calls) != 0 || len(ix.ensured) != 0 {
		t.Fatal("expected no collaborator calls")
	}
}

func TestIngest_BatchesEmbeddings(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newFakeIndex()
	svc := New(Deps{Embedder: emb, Index: ix})

	docs := make([]domain.Document, 250)
	for i := range docs {
		docs[i] = domain.Document{Text: "chunk", Metadata: domain.DocumentMetadata{SourceID: "doc" + strings.Repeat("x", i)}}
	}
	n, err := svc.Ingest(context.Background(), domain.IngestRequest{ChunkSize: 100, Documents: docs})
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Fatalf("expected 250 chunks, got %d", n)
	}
	if len(emb.calls) != 3 || len(emb.calls[0]) != 100 || len(emb.calls[2]) != 50 {
		sizes := make([]int, len(emb.calls))
		for i, c := range emb.calls {
			sizes[i] = len(c)
		}
		t.Fatalf("expected batches of 100,100,50, got %v", sizes)
	}
}

func TestIngest_ValidationError(t *testing.T) {
	emb := &fakeEmbedder{}
	svc := New(Deps{Embedder: emb, Index: newFakeIndex()})

	_, err := svc.Ingest(context.Background(), domain.IngestRequest{ChunkSize: 50})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(emb.calls) != 0 {
		t.Fatal("validation failure must not call the embedder")
	}
}

func TestIngest_EmbedError(t *testing.T) {
	cause := domain.NewProviderError("ollama", "embed", errors.New("connection refused"))
	ix := newFakeIndex()
	svc := New(Deps{Embedder: &fakeEmbedder{err: cause}, Index: ix})

	_, err := svc.Ingest(context.Background(), domain.IngestRequest{Documents: []domain.Document{{Text: "a"}}})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(ix.ensured) != 0 {
		t.Fatal("nothing should reach the index")
	}
}

func TestIngest_VectorCountMismatch(t *testing.T) {
	svc := New(Deps{Embedder: &fakeEmbedder{dropOne: true}, Index: newFakeIndex()})
	_, err := svc.Ingest(context.Background(), domain.IngestRequest{Documents: []domain.Document{{Text: "a"}}})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestIngest_IndexErrors(t *testing.T) {
	for name, ix := range map[string]*fakeIndex{
		"ensure": {points: map[string]semantic.VectorRecord{}, ensureErr: domain.NewIndexError("list collections", errors.New("unavailable"))},
		"upsert": {points: map[string]semantic.VectorRecord{}, upsertErr: domain.NewIndexError("upsert", domain.ErrDimensionMismatch)},
	} {
		t.Run(name, func(t *testing.T) {
			svc := New(Deps{Embedder: &fakeEmbedder{}, Index: ix})
			_, err := svc.Ingest(context.Background(), domain.IngestRequest{Documents: []domain.Document{{Text: "a"}}})
			if !errors.Is(err, domain.ErrIndex) {
				t.Fatalf("expected index error, got %v", err)
			}
		})
	}
}

func TestIngest_OverlapAtOrAboveSize(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		overlap *int
		tokens  int
		want    int
	}{
		// Each window advances one token once overlap reaches the size.
		{"default overlap equals size", 100, nil, 105, 6},
		{"explicit overlap equals size", 100, intPtr(100), 103, 4},
		{"overlap above size", 200, intPtr(300), 205, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ix := newFakeIndex()
			svc := New(Deps{Embedder: &fakeEmbedder{}, Index: ix})
			req := domain.IngestRequest{
				ChunkSize:    tc.size,
				ChunkOverlap: tc.overlap,
				Documents:    []domain.Document{{Text: words(tc.tokens, "ramen"), Metadata: domain.DocumentMetadata{SourceID: "menu"}}},
			}
			n, err := svc.Ingest(context.Background(), req)
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if n != tc.want || len(ix.points) != tc.want {
				t.Fatalf("expected %d chunks, got n=%d points=%d", tc.want, n, len(ix.points))
			}
		})
	}
}
