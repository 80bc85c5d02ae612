package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore connects to Postgres and ensures the document_chunks
// schema exists, generalized from the teacher's per-conversation table
// into a corpus-wide one.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewPostgresStore connects to Postgres and ensures the necessary schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int, dimension int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	store := &PostgresStore{
		pool:      pool,
		dimension: dimension,
	}

	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const statements = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
	id UUID PRIMARY KEY,
	source TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	pdf_hash TEXT NOT NULL,
	content_hash_global TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding vector(%[1]d) NOT NULL,
	page_number INT NOT NULL DEFAULT 0,
	chunk_type TEXT NOT NULL DEFAULT 'text',
	word_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (source, content_hash)
);

CREATE INDEX IF NOT EXISTS document_chunks_source_idx
	ON document_chunks (source);

CREATE INDEX IF NOT EXISTS document_chunks_pdf_hash_idx
	ON document_chunks (pdf_hash);

CREATE INDEX IF NOT EXISTS document_chunks_content_hash_global_idx
	ON document_chunks (content_hash_global);

CREATE TABLE IF NOT EXISTS gating_centroid (
	id BOOLEAN PRIMARY KEY DEFAULT true CHECK (id),
	embedding vector(%[1]d) NOT NULL,
	corpus_size INT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Create the IVF index if it is missing. This is idempotent because we guard it.
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = 'document_chunks_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX document_chunks_embedding_idx ON document_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`

	_, err := s.pool.Exec(ctx, fmt.Sprintf(statements, s.dimension))
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// IVF requires an approximate index; if it fails (e.g. insufficient rows),
		// we ignore and continue.
		err = nil
	}
	return err
}

// Upsert persists chunks atomically per-chunk; idempotent on
// (source, content_hash).
func (s *PostgresStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("vector dimension mismatch: expected %d got %d", s.dimension, len(c.Embedding))
		}

		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO document_chunks
	(id, source, content_hash, pdf_hash, content_hash_global, content, embedding, page_number, chunk_type, word_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (source, content_hash) DO UPDATE SET
	pdf_hash = EXCLUDED.pdf_hash,
	content_hash_global = EXCLUDED.content_hash_global,
	content = EXCLUDED.content,
	embedding = EXCLUDED.embedding,
	page_number = EXCLUDED.page_number,
	chunk_type = EXCLUDED.chunk_type,
	word_count = EXCLUDED.word_count`,
			id, c.Source, c.ContentHash, c.PDFHash, c.ContentHashGlobal, c.Text,
			pgvector.NewVector(c.Embedding), c.PageNumber, string(c.ChunkType), c.WordCount,
		); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// SimilaritySearch returns the k nearest chunks to queryVector by cosine
// distance, ascending by distance, restricted by filter when non-empty.
// Embeddings are returned on every chunk so MMR never needs to
// recompute them.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, queryVector []float32, k int, filter Filter) ([]Scored, error) {
	if len(queryVector) != s.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d got %d", s.dimension, len(queryVector))
	}
	if k <= 0 {
		return nil, nil
	}

	where, args := filterClause(filter, 2)
	query := fmt.Sprintf(`
SELECT id, source, content_hash, pdf_hash, content_hash_global, content, embedding,
	page_number, chunk_type, word_count, created_at,
	1 - (embedding <=> $1) AS score
FROM document_chunks
%s
ORDER BY embedding <=> $1
LIMIT $2`, where)

	queryArgs := append([]any{pgvector.NewVector(queryVector), k}, args...)

	rows, err := s.pool.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	return scanScored(rows)
}

// MMRSearch selects k of the top fetchK candidates by the standard MMR
// objective: lambda*rel(d,q) - (1-lambda)*max_sim(d, selected).
func (s *PostgresStore) MMRSearch(ctx context.Context, queryVector []float32, k, fetchK int, lambda float32, filter Filter) ([]Chunk, error) {
	candidates, err := s.SimilaritySearch(ctx, queryVector, fetchK, filter)
	if err != nil {
		return nil, err
	}
	return SelectMMR(candidates, k, lambda), nil
}

// Delete removes every chunk matching filter. filter must not be empty
// (the store never deletes its entire contents implicitly).
func (s *PostgresStore) Delete(ctx context.Context, filter Filter) (int64, error) {
	if filter.Empty() {
		return 0, fmt.Errorf("delete requires a non-empty filter")
	}

	where, args := filterClause(filter, 1)
	tag, err := s.pool.Exec(ctx, "DELETE FROM document_chunks "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAll wipes every chunk in the store.
func (s *PostgresStore) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM document_chunks")
	if err != nil {
		return 0, fmt.Errorf("delete all chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of distinct chunks currently stored.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM document_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// IterEmbeddings streams every (id, embedding) pair currently stored.
func (s *PostgresStore) IterEmbeddings(ctx context.Context, fn func(id uuid.UUID, embedding []float32) error) error {
	rows, err := s.pool.Query(ctx, "SELECT id, embedding FROM document_chunks")
	if err != nil {
		return fmt.Errorf("iterate embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return fmt.Errorf("scan embedding: %w", err)
		}
		if err := fn(id, vec.Slice()); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadCentroid returns the persisted gating centroid, if any (spec.md
// §4.4/§6). A cold start or a never-yet-computed centroid reports
// ok=false rather than an error.
func (s *PostgresStore) LoadCentroid(ctx context.Context) ([]float32, int, bool, error) {
	var vec pgvector.Vector
	var corpusSize int
	err := s.pool.QueryRow(ctx, "SELECT embedding, corpus_size FROM gating_centroid WHERE id = true").Scan(&vec, &corpusSize)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("load centroid: %w", err)
	}
	return vec.Slice(), corpusSize, true, nil
}

// SaveCentroid persists the recomputed centroid, replacing any previous
// value in a single row (mirrors botconfig's single-row upsert idiom).
func (s *PostgresStore) SaveCentroid(ctx context.Context, vector []float32, corpusSize int) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO gating_centroid (id, embedding, corpus_size, computed_at)
VALUES (true, $1, $2, NOW())
ON CONFLICT (id) DO UPDATE SET
	embedding = EXCLUDED.embedding,
	corpus_size = EXCLUDED.corpus_size,
	computed_at = EXCLUDED.computed_at`,
		pgvector.NewVector(vector), corpusSize)
	if err != nil {
		return fmt.Errorf("save centroid: %w", err)
	}
	return nil
}

// HasFilter reports whether any chunk matches filter.
func (s *PostgresStore) HasFilter(ctx context.Context, filter Filter) (bool, error) {
	if filter.Empty() {
		return false, fmt.Errorf("HasFilter requires a non-empty filter")
	}
	where, args := filterClause(filter, 1)
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM document_chunks %s)", where)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check filter existence: %w", err)
	}
	return exists, nil
}

// filterClause builds a WHERE clause for the non-empty fields of filter,
// starting parameter numbering at startIdx (the first index not already
// used by the caller, e.g. 2 when $1 is the query vector).
func filterClause(filter Filter, startIdx int) (string, []any) {
	var clauses []string
	var args []any
	idx := startIdx

	if filter.Source != "" {
		clauses = append(clauses, fmt.Sprintf("source = $%d", idx))
		args = append(args, filter.Source)
		idx++
	}
	if filter.PDFHash != "" {
		clauses = append(clauses, fmt.Sprintf("pdf_hash = $%d", idx))
		args = append(args, filter.PDFHash)
		idx++
	}
	if filter.ContentHashGlobal != "" {
		clauses = append(clauses, fmt.Sprintf("content_hash_global = $%d", idx))
		args = append(args, filter.ContentHashGlobal)
		idx++
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanScored(rows pgx.Rows) ([]Scored, error) {
	var out []Scored
	for rows.Next() {
		var c Chunk
		var vec pgvector.Vector
		var chunkType string
		var score float32
		if err := rows.Scan(
			&c.ID, &c.Source, &c.ContentHash, &c.PDFHash, &c.ContentHashGlobal, &c.Text, &vec,
			&c.PageNumber, &chunkType, &c.WordCount, &c.CreatedAt, &score,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		c.ChunkType = ChunkType(chunkType)
		out = append(out, Scored{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// SelectMMR implements Maximal Marginal Relevance over candidates,
// already ordered by descending similarity score. Selection uses real
// cosine similarity between candidate embeddings (never recomputed —
// they travel with the candidates from SimilaritySearch). This is the
// one MMR reranking loop in the module; both Store.MMRSearch and
// internal/retrieve's threshold-aware Search call it.
func SelectMMR(candidates []Scored, k int, lambda float32) []Chunk {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= k {
		out := make([]Chunk, len(candidates))
		for i, c := range candidates {
			out[i] = c.Chunk
		}
		return out
	}

	remaining := make([]Scored, len(candidates))
	copy(remaining, candidates)

	selected := make([]Chunk, 0, k)
	selected = append(selected, remaining[0].Chunk)
	remaining = remaining[1:]

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		var bestScore float32 = -math.MaxFloat32

		for i, cand := range remaining {
			var maxSim float32
			for _, sel := range selected {
				sim := cosineSimilarity(cand.Chunk.Embedding, sel.Embedding)
				if sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := lambda*cand.Score - (1-lambda)*maxSim
			if mmrScore > bestScore {
				bestScore = mmrScore
				bestIdx = i
			}
		}

		selected = append(selected, remaining[bestIdx].Chunk)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// CosineSimilarity computes cosine similarity between two vectors of
// equal length, exported for callers comparing a query embedding
// against a corpus centroid (see internal/retrieve).
func CosineSimilarity(a, b []float32) float32 {
	return cosineSimilarity(a, b)
}

// cosineSimilarity computes cosine similarity between two vectors of
// equal length. Vectors need not be unit-normalized.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
