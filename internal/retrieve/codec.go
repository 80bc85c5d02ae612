package retrieve

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/ragcore/internal/vectorstore"
)

// chunkRef is the cached representation of a retrieval result: every
// field needed to format context and cite a source, but never the
// embedding. Cached result sets are read far more often than written,
// so leaving the embedding out keeps the cache entry small and keeps
// callers from ever being tempted to treat a cached result as a fresh
// MMR candidate.
type chunkRef struct {
	ID                uuid.UUID             `json:"id"`
	Text              string                `json:"text"`
	Source            string                `json:"source"`
	ContentHash       string                `json:"content_hash"`
	PDFHash           string                `json:"pdf_hash"`
	ContentHashGlobal string                `json:"content_hash_global"`
	PageNumber        int                   `json:"page_number"`
	ChunkType         vectorstore.ChunkType `json:"chunk_type"`
	WordCount         int                   `json:"word_count"`
	CreatedAt         time.Time             `json:"created_at"`
}

func encodeChunkRefs(chunks []vectorstore.Chunk) (string, error) {
	refs := make([]chunkRef, len(chunks))
	for i, c := range chunks {
		refs[i] = chunkRef{
			ID:                c.ID,
			Text:              c.Text,
			Source:            c.Source,
			ContentHash:       c.ContentHash,
			PDFHash:           c.PDFHash,
			ContentHashGlobal: c.ContentHashGlobal,
			PageNumber:        c.PageNumber,
			ChunkType:         c.ChunkType,
			WordCount:         c.WordCount,
			CreatedAt:         c.CreatedAt,
		}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeChunkRefs(s string) ([]vectorstore.Chunk, error) {
	var refs []chunkRef
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil, err
	}
	chunks := make([]vectorstore.Chunk, len(refs))
	for i, r := range refs {
		chunks[i] = vectorstore.Chunk{
			ID:                r.ID,
			Text:              r.Text,
			Source:            r.Source,
			ContentHash:       r.ContentHash,
			PDFHash:           r.PDFHash,
			ContentHashGlobal: r.ContentHashGlobal,
			PageNumber:        r.PageNumber,
			ChunkType:         r.ChunkType,
			WordCount:         r.WordCount,
			CreatedAt:         r.CreatedAt,
		}
	}
	return chunks, nil
}
