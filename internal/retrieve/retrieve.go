// Package retrieve implements the retrieval gate and search pipeline
// from spec.md §4.4: deciding whether a query warrants retrieval at
// all, then fetching, filtering, and reranking candidate chunks.
package retrieve

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/embed"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

// Options configures gating and search thresholds.
type Options struct {
	// MinQueryWords below which a query is declined as too_short and
	// never retrieved against, regardless of centroid distance.
	MinQueryWords int
	// SmallCorpusBypass: corpora at or below this chunk count always
	// retrieve, skipping the centroid check entirely (too few chunks
	// for a centroid to be meaningful).
	SmallCorpusBypass int
	// CentroidThreshold is the minimum cosine similarity between the
	// query embedding and the corpus centroid required to retrieve.
	CentroidThreshold float32
	// SimilarityThreshold discards candidates below this raw
	// similarity score before MMR reranking.
	SimilarityThreshold float32
	// FetchMultiplier controls over-fetch: fetch_k = min(k*Multiplier, count).
	FetchMultiplier int
	// MMRLambda trades relevance against diversity in reranking.
	MMRLambda float32
	// CacheTTLSeconds for retrieval results.
	CacheTTLSeconds int
}

// DefaultOptions mirrors spec.md §4.4's stated defaults.
func DefaultOptions() Options {
	return Options{
		MinQueryWords:       3,
		SmallCorpusBypass:   50,
		CentroidThreshold:   0.15,
		SimilarityThreshold: 0.2,
		FetchMultiplier:     4,
		MMRLambda:           0.5,
		CacheTTLSeconds:     300,
	}
}

// Decision records why retrieval did or did not run, surfaced to the
// orchestrator's debug/verification path.
type Decision struct {
	Retrieved bool
	Reason    string
}

// smallTalkPhrases is the small-talk pattern set from spec.md §4.4 step
// 1: greetings, thanks, farewells, and short affirmations the corpus
// can never meaningfully answer. Matched against the whole trimmed,
// lower-cased query (punctuation stripped) rather than substrings, so
// a real question that merely starts with "hi" is not gated out.
var smallTalkPhrases = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hola": true, "yo": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"thanks": true, "thank you": true, "thx": true, "ty": true,
	"bye": true, "goodbye": true, "see you": true, "farewell": true, "later": true,
	"ok": true, "okay": true, "yes": true, "no": true, "sure": true,
	"cool": true, "nice": true, "great": true, "got it": true,
}

// isSmallTalk reports whether trimmed (already non-empty) matches the
// small-talk pattern set.
func isSmallTalk(trimmed string) bool {
	normalized := strings.Trim(strings.ToLower(trimmed), " !.?,;")
	return smallTalkPhrases[normalized]
}

// hasAlpha reports whether s contains at least one alphabetic rune,
// used to gate out punctuation-only/numeric-only queries as too_short
// (spec.md §8: "Query with zero alphabetic characters: gates out as
// too_short").
func hasAlpha(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

// Retriever is the gate+search collaborator described in spec.md §6.
type Retriever struct {
	store    vectorstore.Store
	embedder *embed.Service
	cache    cache.Cache
	opts     Options

	centroidMu  sync.RWMutex
	centroid    []float32
	corpusSize  int
	recomputeMu sync.Mutex
}

// New constructs a Retriever.
func New(store vectorstore.Store, embedder *embed.Service, c cache.Cache, opts Options) *Retriever {
	return &Retriever{store: store, embedder: embedder, cache: c, opts: opts}
}

// Gate decides whether query warrants a retrieval pass against filter.
// A missing or stale centroid is recomputed first. Fail-closed: if the
// corpus is non-trivial and no centroid can be computed, Gate declines
// retrieval rather than guessing (spec.md §4.4, §9).
func (r *Retriever) Gate(ctx context.Context, query string, filter vectorstore.Filter) (Decision, []float32, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Decision{Retrieved: false, Reason: "empty_query"}, nil, nil
	}
	if !hasAlpha(trimmed) || len(strings.Fields(trimmed)) < r.opts.MinQueryWords {
		return Decision{Retrieved: false, Reason: "too_short"}, nil, nil
	}
	if isSmallTalk(trimmed) {
		return Decision{Retrieved: false, Reason: "small_talk"}, nil, nil
	}

	count, err := r.store.Count(ctx)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("gate: count corpus: %w", err)
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, trimmed)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("gate: embed query: %w", err)
	}

	// An empty or sub-threshold corpus always gates in: there are too
	// few chunks for a centroid to mean anything, and Search harmlessly
	// returns no results against an empty store (spec.md §4.4, §8).
	if count <= r.opts.SmallCorpusBypass {
		return Decision{Retrieved: true, Reason: "small_corpus"}, queryVec, nil
	}

	centroid, ok, err := r.ensureCentroid(ctx, count)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("gate: centroid: %w", err)
	}
	if !ok {
		// Fail closed: a non-trivial corpus with no usable centroid
		// means we cannot judge topicality, so we decline rather than
		// retrieve blind.
		return Decision{Retrieved: false, Reason: "centroid_unavailable"}, queryVec, nil
	}

	sim := vectorstore.CosineSimilarity(queryVec, centroid)
	if sim < r.opts.CentroidThreshold {
		return Decision{Retrieved: false, Reason: "below_centroid_threshold"}, queryVec, nil
	}
	return Decision{Retrieved: true, Reason: "centroid_match"}, queryVec, nil
}

// Search runs the fetch->filter->rerank pipeline for an already-gated
// query, given its precomputed embedding (so callers never re-embed
// between Gate and Search).
func (r *Retriever) Search(ctx context.Context, query string, queryVec []float32, k int, filter vectorstore.Filter) ([]vectorstore.Chunk, error) {
	if k <= 0 {
		k = 5
	}

	cacheKey := r.searchCacheKey(query, k, filter)
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, cacheKey); ok {
			if chunks, err := decodeChunkRefs(cached); err == nil {
				return chunks, nil
			}
		}
	}

	count, err := r.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: count: %w", err)
	}
	fetchK := k * r.opts.FetchMultiplier
	if fetchK > count {
		fetchK = count
	}
	if fetchK <= 0 {
		return nil, nil
	}

	// SimilaritySearch first so the similarity threshold filters out weak
	// candidates before they can crowd out better ones during MMR
	// reranking.
	candidates, err := r.store.SimilaritySearch(ctx, queryVec, fetchK, filter)
	if err != nil {
		return nil, fmt.Errorf("search: similarity search: %w", err)
	}

	var filtered []vectorstore.Scored
	for _, c := range candidates {
		if c.Score >= r.opts.SimilarityThreshold {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	selected := vectorstore.SelectMMR(filtered, k, r.opts.MMRLambda)

	if r.cache != nil {
		if encoded, err := encodeChunkRefs(selected); err == nil {
			r.cache.Set(ctx, cacheKey, encoded, r.opts.CacheTTLSeconds)
		}
	}
	return selected, nil
}

// InvalidateCentroid forces the next Gate call to recompute the
// centroid from the store, bypassing the persisted copy. Called by the
// ingestor after corpus changes (spec.md §4.2, §9: centroid staleness
// must never silently persist).
func (r *Retriever) InvalidateCentroid() {
	r.centroidMu.Lock()
	r.centroid = nil
	r.corpusSize = -1 // marks the persisted centroid as stale too
	r.centroidMu.Unlock()
}

// ensureCentroid returns a cached in-memory centroid if it still
// matches corpusSize, otherwise checks durable storage before paying
// for a full recomputation, otherwise recomputes it. Recomputation is
// serialized by recomputeMu so concurrent gate checks during a cold
// cache don't all hit the store at once; chat latency never blocks on
// this beyond the first caller after an invalidation (spec.md §9).
func (r *Retriever) ensureCentroid(ctx context.Context, count int) ([]float32, bool, error) {
	r.centroidMu.RLock()
	if r.centroid != nil && r.corpusSize == count {
		c := r.centroid
		r.centroidMu.RUnlock()
		return c, true, nil
	}
	r.centroidMu.RUnlock()

	r.recomputeMu.Lock()
	defer r.recomputeMu.Unlock()

	r.centroidMu.RLock()
	if r.centroid != nil && r.corpusSize == count {
		c := r.centroid
		r.centroidMu.RUnlock()
		return c, true, nil
	}
	invalidated := r.corpusSize < 0
	r.centroidMu.RUnlock()

	// A persisted centroid from a prior process (or a cache flush, since
	// this lives in durable storage rather than the cache.Cache
	// collaborator) saves a full IterEmbeddings pass whenever its
	// corpus_size still matches the store (spec.md §4.4/§6). After
	// InvalidateCentroid it is skipped until a fresh one is computed.
	if !invalidated {
		if vec, size, ok, err := r.store.LoadCentroid(ctx); err == nil && ok && size == count {
			r.centroidMu.Lock()
			r.centroid = vec
			r.corpusSize = size
			r.centroidMu.Unlock()
			return vec, true, nil
		}
	}

	var sum []float32
	var n int
	err := r.store.IterEmbeddings(ctx, func(id uuid.UUID, vec []float32) error {
		if sum == nil {
			sum = make([]float32, len(vec))
		}
		for i, v := range vec {
			sum[i] += v
		}
		n++
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	for i := range sum {
		sum[i] /= float32(n)
	}

	r.centroidMu.Lock()
	r.centroid = sum
	r.corpusSize = count
	r.centroidMu.Unlock()

	if err := r.store.SaveCentroid(ctx, sum, count); err != nil {
		// Best-effort: an un-persisted centroid only costs a future
		// cold-start recomputation, never correctness.
		log.Printf("retrieve: persist centroid: %v", err)
	}

	return sum, true, nil
}

func (r *Retriever) searchCacheKey(query string, k int, filter vectorstore.Filter) string {
	return fmt.Sprintf("%s%s:%d:%s", cache.PrefixRetrieval, normalizedCacheQuery(query), k, filter.Key())
}

func normalizedCacheQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
