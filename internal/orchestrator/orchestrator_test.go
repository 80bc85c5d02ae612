package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/embed"
	"github.com/fabfab/ragcore/internal/messagelog"
	"github.com/fabfab/ragcore/internal/retrieve"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

// fakeEmbedBackend embeds a string to a vector of rune counts (each rune
// bucketed by its code point modulo dim), so two near-identical strings
// score high cosine similarity and two unrelated ones score low, without
// needing a real model.
type fakeEmbedBackend struct{ dim int }

func (f *fakeEmbedBackend) ModelID() string { return "fake" }
func (f *fakeEmbedBackend) Dimension() int  { return f.dim }
func (f *fakeEmbedBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		for _, r := range t {
			v[int(r)%f.dim]++
		}
		out[i] = v
	}
	return out, nil
}

func newTestOrchestrator() *Orchestrator {
	backend := &fakeEmbedBackend{dim: 32}
	embedder := embed.NewService(backend, cache.NewLocalCache(), 16, 4, 60)
	opts := DefaultOptions()
	opts.GroundingThreshold = 0.5
	return &Orchestrator{embedder: embedder, opts: opts}
}

func TestFormatContextEmptyChunks(t *testing.T) {
	if got := formatContext(nil, 1000); got != "" {
		t.Errorf("expected empty string for no chunks, got %q", got)
	}
}

func TestFormatContextJoinsChunksWithCitations(t *testing.T) {
	chunks := []vectorstore.Chunk{
		{Text: "first chunk", Source: "doc-a.pdf"},
		{Text: "second chunk", Source: "doc-b.pdf"},
	}
	got := formatContext(chunks, 10000)
	if !strings.Contains(got, "[1] (doc-a.pdf)") || !strings.Contains(got, "first chunk") {
		t.Errorf("missing first chunk citation in %q", got)
	}
	if !strings.Contains(got, "[2] (doc-b.pdf)") || !strings.Contains(got, "second chunk") {
		t.Errorf("missing second chunk citation in %q", got)
	}
}

func TestFormatContextStopsAtBudgetWithoutTruncatingMidChunk(t *testing.T) {
	chunks := []vectorstore.Chunk{
		{Text: "short", Source: "a"},
		{Text: strings.Repeat("x", 500), Source: "b"},
	}
	got := formatContext(chunks, 20)
	if strings.Contains(got, "xxx") {
		t.Errorf("expected the oversized second chunk to be dropped whole, not truncated: %q", got)
	}
	if !strings.Contains(got, "short") {
		t.Errorf("expected the first chunk to still fit: %q", got)
	}
}

func TestRenderPromptOrdersSystemHistoryThenUser(t *testing.T) {
	history := []messagelog.Message{
		{Role: messagelog.RoleUser, Content: "earlier question"},
		{Role: messagelog.RoleAssistant, Content: "earlier answer"},
	}
	msgs := renderPrompt("be helpful", "", history, "current question")

	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (system + 2 history + user), got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("expected system message first with no context appended, got %+v", msgs[0])
	}
	if msgs[len(msgs)-1].Role != "user" || msgs[len(msgs)-1].Content != "current question" {
		t.Errorf("expected the current user turn last, got %+v", msgs[len(msgs)-1])
	}
}

func TestRenderPromptAppendsContextToSystemMessage(t *testing.T) {
	msgs := renderPrompt("be helpful", "[1] some retrieved text", nil, "question")
	if !strings.Contains(msgs[0].Content, "some retrieved text") {
		t.Errorf("expected retrieved context folded into the system message, got %q", msgs[0].Content)
	}
}

func TestBuildDebugSkipsGroundingWhenVerificationNotRequested(t *testing.T) {
	o := newTestOrchestrator()
	decision := retrieve.Decision{Retrieved: true, Reason: "centroid_match"}
	chunks := []vectorstore.Chunk{{Text: "paris is the capital of france"}}

	d := o.buildDebug(context.Background(), decision, chunks, "paris is the capital of france", "completely unrelated nonsense about spacecraft", false)
	if d.LowGrounding {
		t.Error("expected LowGrounding to stay false when verification was not requested")
	}
}

func TestBuildDebugSkipsGroundingWhenNoContext(t *testing.T) {
	o := newTestOrchestrator()
	decision := retrieve.Decision{Retrieved: false, Reason: "small_talk"}

	d := o.buildDebug(context.Background(), decision, nil, "", "some answer", true)
	if d.LowGrounding {
		t.Error("expected LowGrounding to stay false when no context was retrieved")
	}
}

func TestBuildDebugFlagsLowGroundingForUnrelatedAnswer(t *testing.T) {
	o := newTestOrchestrator()
	decision := retrieve.Decision{Retrieved: true, Reason: "centroid_match"}
	chunks := []vectorstore.Chunk{{Text: "paris is the capital of france"}}

	d := o.buildDebug(context.Background(), decision, chunks, "paris is the capital of france", "zzz qqq xyz", true)
	if !d.LowGrounding {
		t.Error("expected LowGrounding for an answer dissimilar to its context")
	}
}

func TestBuildDebugClearForGroundedAnswer(t *testing.T) {
	o := newTestOrchestrator()
	decision := retrieve.Decision{Retrieved: true, Reason: "centroid_match"}
	chunks := []vectorstore.Chunk{{Text: "paris is the capital of france"}}

	d := o.buildDebug(context.Background(), decision, chunks, "paris is the capital of france", "paris is the capital of france", true)
	if d.LowGrounding {
		t.Error("expected an answer matching its context to not be flagged low-grounding")
	}
}
