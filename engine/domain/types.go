// Package domain defines the core types shared by the ingestion and query
// paths, the error taxonomy, and request validation. It acts as the
// validation gate at the service entry points.
package domain

// Ingestion bounds and defaults, in whitespace tokens.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
	MinChunkSize        = 100
	MaxChunkSize        = 2000
	MaxChunkOverlap     = 500

	MinTopK = 1
	MaxTopK = 10
)

// DocumentMetadata describes where a document came from. SourceID is the
// stable logical identity used to derive idempotent chunk ids; without it
// re-ingestion duplicates records.
type DocumentMetadata struct {
	RestaurantID string         `json:"restaurant_id,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	Tags         []string       `json:"tags"`
	Extras       map[string]any `json:"extras"`
}

// Document is a unit of raw text submitted for ingestion.
type Document struct {
	Text     string           `json:"text"`
	Metadata DocumentMetadata `json:"metadata"`
}

// Chunk is a contiguous token window of exactly one Document.
type Chunk struct {
	Text     string
	Index    int
	SourceID string
}

// SourceChunk is a retrieved chunk as returned to the caller and stored in
// the answer cache.
type SourceChunk struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// IngestRequest is the ingestion entry point payload. Zero ChunkSize means
// DefaultChunkSize; a nil ChunkOverlap means DefaultChunkOverlap.
type IngestRequest struct {
	Documents    []Document `json:"documents"`
	ChunkSize    int        `json:"chunk_size,omitempty"`
	ChunkOverlap *int       `json:"chunk_overlap,omitempty"`
}

// Overlap returns the effective chunk overlap.
func (r IngestRequest) Overlap() int {
	if r.ChunkOverlap == nil {
		return DefaultChunkOverlap
	}
	return *r.ChunkOverlap
}

// Size returns the effective chunk size.
func (r IngestRequest) Size() int {
	if r.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return r.ChunkSize
}

// QueryRequest is the query entry point payload. Zero TopK means the
// configured default.
type QueryRequest struct {
	Question     string `json:"question"`
	SessionID    string `json:"session_id,omitempty"`
	RestaurantID string `json:"restaurant_id,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
}

// UniqueTags returns tags with duplicates and empty strings removed,
// preserving first occurrence order.
func UniqueTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
