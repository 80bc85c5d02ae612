package chunk

import (
	"strings"
	"testing"
)

func TestSplitRespectsParagraphBoundaries(t *testing.T) {
	text := "First paragraph about onboarding.\n\nSecond paragraph about billing."
	out := Split(text, DefaultOptions())
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(out), out)
	}
	if !strings.Contains(out[0].Text, "onboarding") || !strings.Contains(out[1].Text, "billing") {
		t.Errorf("unexpected chunk contents: %+v", out)
	}
}

func TestSplitDropsChunksBelowMinLength(t *testing.T) {
	text := "ok\n\nThis paragraph is definitely long enough to survive the minimum length filter."
	out := Split(text, Options{ChunkSize: 1000, ChunkOverlap: 100, MinChunkLength: 20})
	for _, c := range out {
		if len(strings.TrimSpace(c.Text)) < 20 {
			t.Errorf("chunk shorter than MinChunkLength survived: %q", c.Text)
		}
	}
	if len(out) != 1 {
		t.Fatalf("expected the short paragraph dropped, leaving 1 chunk, got %d: %+v", len(out), out)
	}
}

func TestSplitForcesWindowOnOversizedSentence(t *testing.T) {
	long := strings.Repeat("a", 500)
	out := Split(long, Options{ChunkSize: 100, ChunkOverlap: 10, MinChunkLength: 1})
	if len(out) < 5 {
		t.Fatalf("expected the forced window to split a 500-char run into multiple chunks, got %d", len(out))
	}
	for _, c := range out {
		if len(c.Text) > 100 {
			t.Errorf("forced window produced an oversized chunk: %d chars", len(c.Text))
		}
	}
}

func TestSplitZeroOptionsUsesDefaults(t *testing.T) {
	out := Split("hello world, this is a reasonably long sentence for testing defaults.", Options{})
	if len(out) == 0 {
		t.Fatal("expected at least one chunk using default options")
	}
}

func TestClassifyDetectsHeading(t *testing.T) {
	c := classify("Quarterly Report Summary")
	if c.Type != TypeHeading {
		t.Errorf("expected TypeHeading, got %s", c.Type)
	}
}

func TestClassifyDetectsListItem(t *testing.T) {
	c := classify("- first bullet point in a list")
	if c.Type != TypeList {
		t.Errorf("expected TypeList, got %s", c.Type)
	}
	c2 := classify("1. numbered list item here")
	if c2.Type != TypeList {
		t.Errorf("expected TypeList for numbered item, got %s", c2.Type)
	}
}

func TestClassifyDetectsTable(t *testing.T) {
	c := classify("1,2,3;4,5,6;7,8,9;10,11,12")
	if c.Type != TypeTable {
		t.Errorf("expected TypeTable, got %s", c.Type)
	}
}

func TestClassifyFallsBackToText(t *testing.T) {
	c := classify("This is a perfectly ordinary sentence describing something mundane in lowercase.")
	if c.Type != TypeText {
		t.Errorf("expected TypeText, got %s", c.Type)
	}
}
