package domain

import (
	"strconv"
	"strings"
)

// ValidateIngest checks chunking parameters against the accepted ranges.
// An overlap at or above the chunk size is accepted; the chunker still
// advances at least one token per window.
// An empty document list is valid and ingests nothing.
func ValidateIngest(r IngestRequest) error {
	size := r.Size()
	if size < MinChunkSize || size > MaxChunkSize {
		return NewValidationError("chunk_size", strconv.Itoa(size), ErrOutOfRange)
	}
	overlap := r.Overlap()
	if overlap < 0 || overlap > MaxChunkOverlap {
		return NewValidationError("chunk_overlap", strconv.Itoa(overlap), ErrOutOfRange)
	}
	return nil
}

// ValidateQuery checks a query request. TopK of zero selects the default.
func ValidateQuery(q QueryRequest) error {
	if strings.TrimSpace(q.Question) == "" {
		return NewValidationError("question", q.Question, ErrEmptyQuestion)
	}
	if q.TopK != 0 && (q.TopK < MinTopK || q.TopK > MaxTopK) {
		return NewValidationError("top_k", strconv.Itoa(q.TopK), ErrOutOfRange)
	}
	return nil
}
