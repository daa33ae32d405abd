package semantic

// Payload keys written for every chunk point.
const (
	KeyChunkText    = "chunk_text"
	KeyChunkIndex   = "chunk_index"
	KeySourceID     = "source_id"
	KeyRestaurantID = "restaurant_id"
	KeyTags         = "tags"
	KeyExtras       = "extras"
)

// ChunkPayload is the typed payload stored alongside each vector. Extras
// carries free-form document attributes.
type ChunkPayload struct {
	ChunkText    string
	ChunkIndex   int
	SourceID     string
	RestaurantID string
	Tags         []string
	Extras       map[string]any
}

// Metadata projects the payload into the map returned with a source chunk:
// everything except the chunk text itself.
func (p ChunkPayload) Metadata() map[string]any {
	meta := map[string]any{
		KeyChunkIndex: p.ChunkIndex,
	}
	if p.SourceID != "" {
		meta[KeySourceID] = p.SourceID
	}
	if p.RestaurantID != "" {
		meta[KeyRestaurantID] = p.RestaurantID
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	meta[KeyTags] = tags
	extras := p.Extras
	if extras == nil {
		extras = map[string]any{}
	}
	meta[KeyExtras] = extras
	return meta
}

// VectorRecord represents a single point to store in Qdrant.
type VectorRecord struct {
	ID      string
	Vector  []float32
	Payload ChunkPayload
}

// SearchResult represents a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload ChunkPayload
}
