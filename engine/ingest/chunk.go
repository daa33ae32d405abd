package ingest

import (
	"strings"

	"github.com/dinewise/ragsvc/engine/domain"
)

// SlidingWindow splits text into whitespace-delimited tokens and returns
// windows of chunkSize tokens, each starting chunkSize-chunkOverlap tokens
// after the previous one and never less than one token after it. The window
// that reaches the last token is the final one. A chunkSize of zero or less
// returns the whole text as one chunk.
func SlidingWindow(text string, chunkSize, chunkOverlap int) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		return []string{strings.Join(tokens, " ")}
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}

	var chunks []string
	n := len(tokens)
	for start := 0; start < n; {
		end := min(start+chunkSize, n)
		if w := strings.TrimSpace(strings.Join(tokens[start:end], " ")); w != "" {
			chunks = append(chunks, w)
		}
		if end == n {
			break
		}
		start = max(end-chunkOverlap, start+1)
	}
	return chunks
}

// documentChunk is a chunk together with the metadata of the document it
// came from.
type documentChunk struct {
	domain.Chunk
	Metadata domain.DocumentMetadata
}

// ChunkDocuments chunks each document in turn. Chunk indexes restart at zero
// for every document so a document's ids depend only on its own content.
func ChunkDocuments(docs []domain.Document, chunkSize, chunkOverlap int) []domain.Chunk {
	items := chunkDocuments(docs, chunkSize, chunkOverlap)
	out := make([]domain.Chunk, len(items))
	for i, it := range items {
		out[i] = it.Chunk
	}
	return out
}

func chunkDocuments(docs []domain.Document, chunkSize, chunkOverlap int) []documentChunk {
	var out []documentChunk
	for _, doc := range docs {
		for i, text := range SlidingWindow(doc.Text, chunkSize, chunkOverlap) {
			out = append(out, documentChunk{
				Chunk: domain.Chunk{
					Text:     text,
					Index:    i,
					SourceID: doc.Metadata.SourceID,
				},
				Metadata: doc.Metadata,
			})
		}
	}
	return out
}
