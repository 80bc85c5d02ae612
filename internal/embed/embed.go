// Package embed implements the embedding service from spec.md §4.1: a
// content-addressed, cache-through wrapper around a pluggable embedding
// Backend. Generalized from the teacher's internal/embeddings.Embedder
// (a single Ollama-backed implementation with no cache).
package embed

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/ragcore/internal/apperr"
	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/normalize"
)

// Backend is the external embedding collaborator of spec.md §6: batch
// embedding of texts, deterministic output, identified by a stable model
// id string.
type Backend interface {
	// ModelID returns the stable identifier used to scope cache keys, so
	// changing models never mixes embeddings from different models.
	ModelID() string
	// Dimension returns D, the fixed vector length this backend produces.
	Dimension() int
	// EmbedBatch embeds a single batch of texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service is the cache-through embedding service.
type Service struct {
	backend   Backend
	cache     cache.Cache
	batchSize int
	cacheTTL  int
	fanout    int
}

// NewService constructs a Service. batchSize bounds how many texts are
// sent to the backend per call (EmbeddingBatchSize in spec.md §4.1);
// fanout bounds how many batches run concurrently.
func NewService(backend Backend, c cache.Cache, batchSize, fanout, cacheTTLSeconds int) *Service {
	if batchSize <= 0 {
		batchSize = 16
	}
	if fanout <= 0 {
		fanout = 4
	}
	return &Service{backend: backend, cache: c, batchSize: batchSize, cacheTTL: cacheTTLSeconds, fanout: fanout}
}

// Dimension returns D.
func (s *Service) Dimension() int { return s.backend.Dimension() }

// EmbedQuery embeds a single query string, read-through the cache.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments embeds texts, preserving order, read-through the cache
// and batched/dispatched concurrently per s.batchSize/s.fanout. A
// dimension mismatch from the backend is fatal and propagated; it is
// never papered over with a zero vector (spec.md §4.1, §9).
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	normalized := make([]string, len(texts))
	for i, t := range texts {
		normalized[i] = normalize.Text(t)
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range normalized {
		key := s.cacheKey(t)
		if s.cache != nil {
			if cached, ok := s.cache.Get(ctx, key); ok {
				vec, err := decodeVector(cached)
				if err == nil {
					results[i] = vec
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	type batch struct {
		offset int
		texts  []string
	}
	var batches []batch
	for start := 0; start < len(missTexts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batches = append(batches, batch{offset: start, texts: missTexts[start:end]})
	}

	batchResults := make([][][]float32, len(batches))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for bi, b := range batches {
		bi, b := bi, b
		g.Go(func() error {
			vecs, err := s.backend.EmbedBatch(gCtx, b.texts)
			if err != nil {
				return apperr.New(apperr.KindBackendUnavailable, "embed.EmbedDocuments", err)
			}
			if len(vecs) != len(b.texts) {
				return apperr.New(apperr.KindBackendUnavailable, "embed.EmbedDocuments",
					fmt.Errorf("backend returned %d vectors for %d texts", len(vecs), len(b.texts)))
			}
			d := s.Dimension()
			for _, v := range vecs {
				if d > 0 && len(v) != d {
					return apperr.New(apperr.KindDimensionMismatch, "embed.EmbedDocuments",
						fmt.Errorf("expected dimension %d, got %d", d, len(v)))
				}
			}
			batchResults[bi] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for bi, b := range batches {
		for j, vec := range batchResults[bi] {
			idx := missIdx[b.offset+j]
			results[idx] = vec
			if s.cache != nil {
				s.cache.Set(ctx, s.cacheKey(normalized[idx]), encodeVector(vec), s.cacheTTL)
			}
		}
	}

	for i, v := range results {
		if v == nil {
			log.Printf("embed: missing vector for text index %d after batch embedding", i)
			return nil, apperr.New(apperr.KindBackendUnavailable, "embed.EmbedDocuments", fmt.Errorf("incomplete embedding result"))
		}
	}

	return results, nil
}

func (s *Service) cacheKey(normalizedText string) string {
	return cache.PrefixEmbedding + s.backend.ModelID() + ":" + normalize.Hash(normalizedText)
}
