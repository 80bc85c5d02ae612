package ingest

import (
	"testing"

	"github.com/fabfab/ragcore/internal/chunk"
)

func TestDedupeLocalDropsExactRepeats(t *testing.T) {
	pieces := []chunk.Chunk{
		{Text: "alpha"},
		{Text: "beta"},
		{Text: "alpha"},
		{Text: "gamma"},
		{Text: "beta"},
	}
	out := dedupeLocal(pieces)
	if len(out) != 3 {
		t.Fatalf("expected 3 unique chunks, got %d: %+v", len(out), out)
	}
	seen := map[string]bool{}
	for _, p := range out {
		if seen[p.Text] {
			t.Errorf("duplicate %q survived dedupeLocal", p.Text)
		}
		seen[p.Text] = true
	}
}

func TestDedupeLocalPreservesOrder(t *testing.T) {
	pieces := []chunk.Chunk{{Text: "first"}, {Text: "second"}, {Text: "first"}}
	out := dedupeLocal(pieces)
	if len(out) != 2 || out[0].Text != "first" || out[1].Text != "second" {
		t.Errorf("expected order [first second], got %+v", out)
	}
}

func TestDedupeLocalEmptyInput(t *testing.T) {
	out := dedupeLocal(nil)
	if len(out) != 0 {
		t.Errorf("expected empty output for empty input, got %+v", out)
	}
}
