package vectorstore

import (
	"testing"

	"github.com/google/uuid"
)

func scoredChunk(id string, score float32, embedding []float32) Scored {
	return Scored{
		Chunk: Chunk{ID: uuid.MustParse(id), Text: id, Embedding: embedding},
		Score: score,
	}
}

var (
	id1 = "00000000-0000-0000-0000-000000000001"
	id2 = "00000000-0000-0000-0000-000000000002"
	id3 = "00000000-0000-0000-0000-000000000003"
)

func TestSelectMMRReturnsAllWhenFewerThanK(t *testing.T) {
	candidates := []Scored{
		scoredChunk(id1, 0.9, []float32{1, 0}),
		scoredChunk(id2, 0.8, []float32{0, 1}),
	}
	out := SelectMMR(candidates, 5, 0.5)
	if len(out) != 2 {
		t.Fatalf("expected all %d candidates returned, got %d", len(candidates), len(out))
	}
}

func TestSelectMMRPrefersDiverseCandidate(t *testing.T) {
	// id2 is nearly identical to id1 (high redundancy); id3 is orthogonal
	// but scores lower. With lambda favoring diversity, id3 should win
	// the second slot over the near-duplicate id2.
	candidates := []Scored{
		scoredChunk(id1, 0.95, []float32{1, 0}),
		scoredChunk(id2, 0.90, []float32{0.99, 0.01}),
		scoredChunk(id3, 0.70, []float32{0, 1}),
	}
	out := SelectMMR(candidates, 2, 0.3)
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].ID.String() != id1 {
		t.Errorf("expected top candidate %s first, got %s", id1, out[0].ID)
	}
	if out[1].ID.String() != id3 {
		t.Errorf("expected diverse candidate %s second, got %s", id3, out[1].ID)
	}
}

func TestSelectMMRZeroKReturnsNil(t *testing.T) {
	candidates := []Scored{scoredChunk(id1, 0.9, []float32{1, 0})}
	if out := SelectMMR(candidates, 0, 0.5); out != nil {
		t.Errorf("expected nil for k=0, got %v", out)
	}
}

func TestSelectMMREmptyCandidates(t *testing.T) {
	if out := SelectMMR(nil, 3, 0.5); out != nil {
		t.Errorf("expected nil for empty candidates, got %v", out)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	if sim := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); sim != 0 {
		t.Errorf("expected orthogonal vectors to score 0, got %v", sim)
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	sim := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if sim < 0.999 || sim > 1.001 {
		t.Errorf("expected identical vectors to score ~1, got %v", sim)
	}
}
