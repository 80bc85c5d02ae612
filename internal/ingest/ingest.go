// Package ingest implements the PDF ingestion pipeline from spec.md
// §4.2: load, normalize, hash, chunk, embed, and persist a document's
// chunks, with duplicate-file and duplicate-content short-circuits and
// cache invalidation on any change to the corpus.
package ingest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/fabfab/ragcore/internal/apperr"
	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/chunk"
	"github.com/fabfab/ragcore/internal/embed"
	"github.com/fabfab/ragcore/internal/normalize"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

// CentroidInvalidator is implemented by internal/retrieve.Retriever;
// kept as a narrow interface here so ingest does not import retrieve
// (retrieve already imports vectorstore and embed, and a cycle back
// through ingest would need ingest->retrieve->(nothing)->ok, but
// cmd/server wires both, so this keeps the dependency direction
// explicit and one-way).
type CentroidInvalidator interface {
	InvalidateCentroid()
}

// Result summarizes one ingestion call.
type Result struct {
	Source      string
	PDFHash     string
	ChunkCount  int
	Duplicate   bool
	DuplicateOf string
}

// Ingestor wires the vector store, embedding service, and cache
// together into the ingestion pipeline.
type Ingestor struct {
	store     vectorstore.Store
	embedder  *embed.Service
	cache     cache.Cache
	centroid  CentroidInvalidator
	chunkOpts chunk.Options
}

// New constructs an Ingestor.
func New(store vectorstore.Store, embedder *embed.Service, c cache.Cache, centroid CentroidInvalidator, chunkOpts chunk.Options) *Ingestor {
	if chunkOpts.ChunkSize <= 0 {
		chunkOpts = chunk.DefaultOptions()
	}
	return &Ingestor{store: store, embedder: embedder, cache: c, centroid: centroid, chunkOpts: chunkOpts}
}

// Ingest parses raw as a PDF, chunks and embeds its text, and persists
// the result under source. If the exact same file (by content hash)
// has already been ingested under any source, Ingest short-circuits
// without re-embedding. force re-ingests even when source already has
// chunks, replacing them.
func (ing *Ingestor) Ingest(ctx context.Context, source string, raw []byte, force bool) (Result, error) {
	if source == "" {
		return Result{}, apperr.New(apperr.KindInvalidInput, "ingest.Ingest", fmt.Errorf("source must not be empty"))
	}

	pdfHash := normalize.HashBytes(raw)

	if !force {
		exists, err := ing.store.HasFilter(ctx, vectorstore.Filter{PDFHash: pdfHash})
		if err != nil {
			return Result{}, fmt.Errorf("ingest: check duplicate file: %w", err)
		}
		if exists {
			return Result{Source: source, PDFHash: pdfHash, Duplicate: true, DuplicateOf: pdfHash}, nil
		}
	}

	text, err := extractText(raw)
	if err != nil {
		return Result{}, apperr.New(apperr.KindInvalidInput, "ingest.Ingest", fmt.Errorf("extract pdf text: %w", err))
	}
	normalized := normalize.Text(text)
	if normalized == "" {
		return Result{}, apperr.New(apperr.KindInvalidInput, "ingest.Ingest", fmt.Errorf("pdf contains no extractable text"))
	}
	contentHashGlobal := normalize.Hash(normalized)

	if !force {
		exists, err := ing.store.HasFilter(ctx, vectorstore.Filter{ContentHashGlobal: contentHashGlobal})
		if err != nil {
			return Result{}, fmt.Errorf("ingest: check duplicate content: %w", err)
		}
		if exists {
			return Result{Source: source, PDFHash: pdfHash, Duplicate: true, DuplicateOf: contentHashGlobal}, nil
		}
	}

	pieces := chunk.Split(normalized, ing.chunkOpts)
	if len(pieces) == 0 {
		return Result{}, apperr.New(apperr.KindInvalidInput, "ingest.Ingest", fmt.Errorf("no chunks produced from pdf text"))
	}

	deduped := dedupeLocal(pieces)

	texts := make([]string, len(deduped))
	for i, p := range deduped {
		texts[i] = p.Text
	}
	vectors, err := ing.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if force {
			// Best-effort cleanup: don't leave the old chunks in place if
			// the reindex attempt fails partway through embedding.
			_, _ = ing.store.Delete(ctx, vectorstore.Filter{PDFHash: pdfHash})
		}
		return Result{}, fmt.Errorf("ingest: embed chunks: %w", err)
	}

	storeChunks := make([]vectorstore.Chunk, len(deduped))
	for i, p := range deduped {
		storeChunks[i] = vectorstore.Chunk{
			Text:              p.Text,
			Embedding:         vectors[i],
			Source:            source,
			ContentHash:       normalize.Hash(p.Text),
			PDFHash:           pdfHash,
			ContentHashGlobal: contentHashGlobal,
			ChunkType:         vectorstore.ChunkType(p.Type),
			WordCount:         p.WordCount,
		}
	}

	if force {
		if _, err := ing.store.Delete(ctx, vectorstore.Filter{Source: source}); err != nil {
			return Result{}, fmt.Errorf("ingest: clear existing chunks for reindex: %w", err)
		}
	}

	if err := ing.store.Upsert(ctx, storeChunks); err != nil {
		return Result{}, fmt.Errorf("ingest: persist chunks: %w", err)
	}

	ing.invalidateDownstream(ctx)

	return Result{Source: source, PDFHash: pdfHash, ChunkCount: len(storeChunks)}, nil
}

// Delete removes every chunk belonging to source and invalidates
// dependent caches and the retrieval centroid.
func (ing *Ingestor) Delete(ctx context.Context, source string) (int64, error) {
	n, err := ing.store.Delete(ctx, vectorstore.Filter{Source: source})
	if err != nil {
		return 0, fmt.Errorf("ingest: delete source: %w", err)
	}
	ing.invalidateDownstream(ctx)
	return n, nil
}

// Reindex re-runs ingestion for source against raw, replacing any
// existing chunks for that source unconditionally.
func (ing *Ingestor) Reindex(ctx context.Context, source string, raw []byte) (Result, error) {
	return ing.Ingest(ctx, source, raw, true)
}

// ClearAll wipes every chunk in the vector store and every derived
// cache/centroid (spec.md §6 "POST /clear"). Unlike Delete, which
// requires a non-empty filter, this is the one operation allowed to
// remove the entire corpus, and it does so explicitly rather than via
// an empty/sentinel filter.
func (ing *Ingestor) ClearAll(ctx context.Context) (int64, error) {
	n, err := ing.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ingest: clear corpus: %w", err)
	}
	ing.invalidateDownstream(ctx)
	return n, nil
}

func (ing *Ingestor) invalidateDownstream(ctx context.Context) {
	if ing.cache != nil {
		ing.cache.InvalidatePrefix(ctx, cache.PrefixRetrieval)
		ing.cache.InvalidatePrefix(ctx, cache.PrefixResponse)
		ing.cache.InvalidatePrefix(ctx, cache.PrefixVectorStore)
	}
	if ing.centroid != nil {
		ing.centroid.InvalidateCentroid()
	}
}

// dedupeLocal drops chunks whose normalized text already appeared
// earlier in the same document, a cheap exact-match dedup pass before
// the more expensive embedding step.
func dedupeLocal(pieces []chunk.Chunk) []chunk.Chunk {
	seen := make(map[string]bool, len(pieces))
	out := make([]chunk.Chunk, 0, len(pieces))
	for _, p := range pieces {
		h := normalize.Hash(p.Text)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, p)
	}
	return out
}

// extractText pulls plain text out of a PDF page by page, grounded on
// bbiangul-go-reason's parser.PDFParser (simplified to plain per-page
// text; this corpus has no need for its image-extraction or
// running-header logic).
func extractText(raw []byte) (string, error) {
	reader := bytes.NewReader(raw)
	r, err := pdf.NewReader(reader, int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var buf bytes.Buffer
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}
	return buf.String(), nil
}
