package retrieve

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/embed"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

// fakeStore is a minimal in-memory vectorstore.Store for gate/search tests.
type fakeStore struct {
	chunks []vectorstore.Chunk
}

func (f *fakeStore) Upsert(ctx context.Context, chunks []vectorstore.Chunk) error {
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeStore) SimilaritySearch(ctx context.Context, queryVector []float32, k int, filter vectorstore.Filter) ([]vectorstore.Scored, error) {
	out := make([]vectorstore.Scored, 0, len(f.chunks))
	for _, c := range f.chunks {
		out = append(out, vectorstore.Scored{Chunk: c, Score: vectorstore.CosineSimilarity(queryVector, c.Embedding)})
	}
	if k < len(out) {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeStore) MMRSearch(ctx context.Context, queryVector []float32, k, fetchK int, lambda float32, filter vectorstore.Filter) ([]vectorstore.Chunk, error) {
	return nil, nil
}

func (f *fakeStore) Delete(ctx context.Context, filter vectorstore.Filter) (int64, error) {
	return 0, nil
}

func (f *fakeStore) DeleteAll(ctx context.Context) (int64, error) {
	n := len(f.chunks)
	f.chunks = nil
	return int64(n), nil
}

func (f *fakeStore) Count(ctx context.Context) (int, error) {
	return len(f.chunks), nil
}

func (f *fakeStore) IterEmbeddings(ctx context.Context, fn func(id uuid.UUID, embedding []float32) error) error {
	for _, c := range f.chunks {
		if err := fn(c.ID, c.Embedding); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) HasFilter(ctx context.Context, filter vectorstore.Filter) (bool, error) {
	return false, nil
}

func (f *fakeStore) LoadCentroid(ctx context.Context) ([]float32, int, bool, error) {
	return nil, 0, false, nil
}

func (f *fakeStore) SaveCentroid(ctx context.Context, vector []float32, corpusSize int) error {
	return nil
}

func (f *fakeStore) Close() {}

// fakeBackend is a deterministic embed.Backend: it embeds a string to a
// vector based on the first rune, so similarity comparisons are stable.
type fakeBackend struct{ dim int }

func (f *fakeBackend) ModelID() string { return "fake" }
func (f *fakeBackend) Dimension() int  { return f.dim }
func (f *fakeBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		if len(t) > 0 {
			v[int(t[0])%f.dim] = 1
		}
		out[i] = v
	}
	return out, nil
}

func newTestRetriever(store vectorstore.Store, opts Options) *Retriever {
	backend := &fakeBackend{dim: 8}
	embedder := embed.NewService(backend, cache.NewLocalCache(), 16, 4, 60)
	return New(store, embedder, cache.NewLocalCache(), opts)
}

func TestGateEmptyQuery(t *testing.T) {
	r := newTestRetriever(&fakeStore{}, DefaultOptions())
	decision, vec, err := r.Gate(context.Background(), "   ", vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Retrieved || decision.Reason != "empty_query" {
		t.Errorf("expected empty_query decline, got %+v", decision)
	}
	if vec != nil {
		t.Errorf("expected nil query vector, got %v", vec)
	}
}

func TestGateTooShortBelowMinWords(t *testing.T) {
	opts := DefaultOptions()
	opts.MinQueryWords = 4
	r := newTestRetriever(&fakeStore{}, opts)
	decision, _, err := r.Gate(context.Background(), "what is this", vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Retrieved || decision.Reason != "too_short" {
		t.Errorf("expected too_short decline, got %+v", decision)
	}
}

func TestGateTooShortNoAlphaCharacters(t *testing.T) {
	r := newTestRetriever(&fakeStore{}, DefaultOptions())
	decision, _, err := r.Gate(context.Background(), "12345 ?!?", vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Retrieved || decision.Reason != "too_short" {
		t.Errorf("expected too_short decline for a query with no alphabetic characters, got %+v", decision)
	}
}

func TestGateSmallTalkPattern(t *testing.T) {
	store := &fakeStore{chunks: make([]vectorstore.Chunk, 0)}
	for i := 0; i < 51; i++ {
		store.chunks = append(store.chunks, vectorstore.Chunk{ID: uuid.New(), Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}})
	}
	opts := DefaultOptions()
	opts.SmallCorpusBypass = 10
	opts.MinQueryWords = 1
	r := newTestRetriever(store, opts)

	decision, _, err := r.Gate(context.Background(), "  Thank You!  ", vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Retrieved || decision.Reason != "small_talk" {
		t.Errorf("expected small_talk decline, got %+v", decision)
	}
}

func TestGateEmptyCorpusRetrievesAsSmallCorpus(t *testing.T) {
	r := newTestRetriever(&fakeStore{}, DefaultOptions())
	decision, vec, err := r.Gate(context.Background(), "what is the refund policy", vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if !decision.Retrieved || decision.Reason != "small_corpus" {
		t.Errorf("expected small_corpus gate-in on an empty store, got %+v", decision)
	}
	if vec == nil {
		t.Error("expected a non-nil query vector even against an empty store")
	}
}

func TestGateSmallCorpusBypass(t *testing.T) {
	store := &fakeStore{chunks: []vectorstore.Chunk{
		{ID: uuid.New(), Text: "a", Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}},
	}}
	opts := DefaultOptions()
	opts.SmallCorpusBypass = 10
	r := newTestRetriever(store, opts)

	decision, vec, err := r.Gate(context.Background(), "what is the refund policy", vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if !decision.Retrieved || decision.Reason != "small_corpus" {
		t.Errorf("expected small_corpus, got %+v", decision)
	}
	if vec == nil {
		t.Error("expected a non-nil query vector")
	}
}

func TestGateCentroidUnavailableFailsClosed(t *testing.T) {
	// A corpus with chunks carrying no embeddings at all means the
	// centroid sum is computed from zero-length vectors; with a non-nil
	// IterEmbeddings that yields n==0 only when there are zero chunks,
	// so instead we exercise fail-closed via an errored IterEmbeddings.
	store := &erroringIterStore{fakeStore: fakeStore{chunks: make([]vectorstore.Chunk, 0)}}
	for i := 0; i < 51; i++ {
		store.chunks = append(store.chunks, vectorstore.Chunk{ID: uuid.New(), Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}})
	}
	opts := DefaultOptions()
	opts.SmallCorpusBypass = 50
	r := newTestRetriever(store, opts)

	_, _, err := r.Gate(context.Background(), "what is the refund policy", vectorstore.Filter{})
	if err == nil {
		t.Fatal("expected an error from a failing centroid computation")
	}
}

type erroringIterStore struct {
	fakeStore
}

func (s *erroringIterStore) IterEmbeddings(ctx context.Context, fn func(id uuid.UUID, embedding []float32) error) error {
	return errIterFailed
}

var errIterFailed = &testError{"iteration failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestSearchFiltersBySimilarityThreshold(t *testing.T) {
	store := &fakeStore{chunks: []vectorstore.Chunk{
		{ID: uuid.New(), Text: "relevant", Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}},
		{ID: uuid.New(), Text: "unrelated", Embedding: []float32{0, 0, 0, 0, 0, 0, 0, 1}},
	}}
	opts := DefaultOptions()
	opts.SimilarityThreshold = 0.9
	r := newTestRetriever(store, opts)

	queryVec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	out, err := r.Search(context.Background(), "query", queryVec, 5, vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, c := range out {
		if c.Text == "unrelated" {
			t.Errorf("expected the orthogonal chunk to be filtered by the similarity threshold, got %+v", out)
		}
	}
}

func TestSearchCachesResults(t *testing.T) {
	store := &fakeStore{chunks: []vectorstore.Chunk{
		{ID: uuid.New(), Text: "a", Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}},
	}}
	r := newTestRetriever(store, DefaultOptions())
	queryVec := []float32{1, 0, 0, 0, 0, 0, 0, 0}

	first, err := r.Search(context.Background(), "query", queryVec, 5, vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	store.chunks = nil // prove the second call is served from cache, not the store
	second, err := r.Search(context.Background(), "query", queryVec, 5, vectorstore.Filter{})
	if err != nil {
		t.Fatalf("Search (cached): %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("expected cached result to match first call, got %d vs %d chunks", len(second), len(first))
	}
}
