// Package vectorstore persists document chunks and their embeddings and
// implements similarity and MMR retrieval over them. The concrete
// implementation is Postgres + pgvector, generalized from the teacher's
// per-conversation document store into a corpus-wide chunk store keyed by
// (source, content_hash).
package vectorstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChunkType mirrors chunk.Type without importing the chunker package,
// keeping vectorstore's dependency graph shallow (it is a storage
// concern, not a chunking one).
type ChunkType string

// Chunk is the unit of storage and retrieval.
type Chunk struct {
	ID                uuid.UUID `json:"id"`
	Text              string    `json:"text"`
	Embedding         []float32 `json:"-"`
	Source            string    `json:"source"`
	ContentHash       string    `json:"content_hash"`
	PDFHash           string    `json:"pdf_hash,omitempty"`
	ContentHashGlobal string    `json:"content_hash_global,omitempty"`
	PageNumber        int       `json:"page_number,omitempty"`
	ChunkType         ChunkType `json:"chunk_type,omitempty"`
	WordCount         int       `json:"word_count,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Scored pairs a chunk with a similarity score (1 - cosine distance).
type Scored struct {
	Chunk Chunk
	Score float32
}

// Filter selects chunks matching all of its non-empty fields (ANDed);
// it is used both by Delete (full removal) and as an optional
// restriction on SimilaritySearch/MMRSearch.
type Filter struct {
	Source            string
	PDFHash           string
	ContentHashGlobal string
}

// Empty reports whether the filter selects nothing in particular (i.e.
// every chunk in the store).
func (f Filter) Empty() bool {
	return f.Source == "" && f.PDFHash == "" && f.ContentHashGlobal == ""
}

// Key returns a stable string identifying this filter, used as part of
// the retrieval cache key.
func (f Filter) Key() string {
	return "source=" + f.Source + "&pdf_hash=" + f.PDFHash + "&content_hash_global=" + f.ContentHashGlobal
}

// Store is the vector store contract from spec.md §4.2.
type Store interface {
	// Upsert persists chunks atomically per-chunk; idempotent on
	// (source, content_hash).
	Upsert(ctx context.Context, chunks []Chunk) error
	// SimilaritySearch returns the k nearest chunks to queryVector by
	// cosine distance, ascending by distance (i.e. descending by the
	// returned similarity score), optionally restricted by filter.
	// Returned chunks carry their embeddings so callers never need to
	// recompute them (e.g. for MMR).
	SimilaritySearch(ctx context.Context, queryVector []float32, k int, filter Filter) ([]Scored, error)
	// MMRSearch selects k of the top fetchK candidates by the standard
	// MMR objective.
	MMRSearch(ctx context.Context, queryVector []float32, k, fetchK int, lambda float32, filter Filter) ([]Chunk, error)
	// Delete removes every chunk matching filter. filter must not be
	// empty.
	Delete(ctx context.Context, filter Filter) (int64, error)
	// DeleteAll wipes every chunk in the store, the one operation
	// allowed to remove everything without a filter (spec.md §6
	// "POST /clear").
	DeleteAll(ctx context.Context) (int64, error)
	// Count returns the number of distinct chunks currently stored.
	Count(ctx context.Context) (int, error)
	// IterEmbeddings streams every (id, embedding) pair currently
	// stored, used only for centroid recomputation.
	IterEmbeddings(ctx context.Context, fn func(id uuid.UUID, embedding []float32) error) error
	// HasFilter reports whether any chunk matches filter, used by the
	// ingestor's duplicate-file/duplicate-content checks without paying
	// for a full fetch.
	HasFilter(ctx context.Context, filter Filter) (bool, error)
	// LoadCentroid returns the durably persisted gating centroid and the
	// corpus size it was computed from, if one has ever been saved
	// (spec.md §4.4/§6: "Centroid and its corpus_size are persisted to
	// durable storage (not only cache) so that cache flush does not
	// cause a retrieval storm"). ok is false when none has been saved.
	LoadCentroid(ctx context.Context) (vector []float32, corpusSize int, ok bool, err error)
	// SaveCentroid persists the recomputed centroid and the corpus size
	// it was computed from, replacing any previous value.
	SaveCentroid(ctx context.Context, vector []float32, corpusSize int) error
	Close()
}
