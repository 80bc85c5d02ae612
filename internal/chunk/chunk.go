// Package chunk implements the recursive, structure-aware text splitter
// described by the ingestor: paragraph breaks first, then sentence
// boundaries, then a forced character window with overlap as the last
// resort. It also classifies each resulting chunk into a coarse
// chunk_type used for diagnostics.
package chunk

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/sentences"
)

// Type is the heuristic classification of a chunk's structural role.
type Type string

const (
	TypeText    Type = "text"
	TypeList    Type = "list"
	TypeTable   Type = "table"
	TypeHeading Type = "heading"
)

// Options bounds the splitter.
type Options struct {
	ChunkSize      int // target maximum characters per chunk
	ChunkOverlap   int // overlap (characters) applied at the forced tier only
	MinChunkLength int // chunks shorter than this (after trimming) are dropped
}

// DefaultOptions mirrors the defaults implied by spec.md's examples
// (~1000 character chunks, short overlap).
func DefaultOptions() Options {
	return Options{
		ChunkSize:      1000,
		ChunkOverlap:   150,
		MinChunkLength: 20,
	}
}

// Chunk is one split segment with its heuristic classification and a
// word count for diagnostics.
type Chunk struct {
	Text      string
	Type      Type
	WordCount int
}

// Split breaks text into chunks respecting structure in priority order:
// paragraph breaks, then sentence boundaries, then a forced window.
// Chunks shorter than opts.MinChunkLength after trimming are dropped.
func Split(text string, opts Options) []Chunk {
	if opts.ChunkSize <= 0 {
		opts = DefaultOptions()
	}

	var out []Chunk
	for _, paragraph := range splitParagraphs(text) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if len(paragraph) <= opts.ChunkSize {
			out = append(out, classify(paragraph))
			continue
		}
		for _, piece := range splitBySentences(paragraph, opts) {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			out = append(out, classify(piece))
		}
	}

	filtered := out[:0]
	for _, c := range out {
		if len(strings.TrimSpace(c.Text)) < opts.MinChunkLength {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// splitParagraphs splits on blank lines (one or more consecutive empty
// lines), the structural boundary of highest priority.
func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(normalized, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// splitBySentences groups sentences (via uax29's sentence segmenter) into
// windows no larger than opts.ChunkSize, falling back to a forced
// character window with overlap when a single sentence already exceeds
// the chunk size.
func splitBySentences(paragraph string, opts Options) []string {
	var sentenceList []string
	seg := sentences.FromString(paragraph)
	for seg.Next() {
		s := strings.TrimSpace(seg.Value())
		if s != "" {
			sentenceList = append(sentenceList, s)
		}
	}
	if len(sentenceList) == 0 {
		return forcedWindow(paragraph, opts)
	}

	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, s := range sentenceList {
		if len(s) > opts.ChunkSize {
			flush()
			out = append(out, forcedWindow(s, opts)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(s) > opts.ChunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(s)
	}
	flush()
	return out
}

// forcedWindow is the last-resort tier: a fixed character window with
// overlap, used only when structure alone can't bound a piece.
func forcedWindow(text string, opts Options) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	overlap := opts.ChunkOverlap
	if overlap >= opts.ChunkSize {
		overlap = opts.ChunkSize / 2
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + opts.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end >= len(runes) {
			break
		}
		start = end - overlap
		if start <= 0 {
			start = end
		}
	}
	return out
}

// classify applies the chunk-type heuristics from spec.md §4.3: heading
// (short + title-case), list (starts with bullet/number marker), table
// (high digit+delimiter density), else text.
func classify(text string) Chunk {
	wc := wordCount(text)
	return Chunk{Text: text, Type: classifyType(text, wc), WordCount: wc}
}

func classifyType(text string, wordCount int) Type {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return TypeText
	}

	if looksLikeListItem(trimmed) {
		return TypeList
	}
	if wordCount <= 12 && len(strings.Split(trimmed, "\n")) == 1 && isTitleCase(trimmed) {
		return TypeHeading
	}
	if looksLikeTable(trimmed) {
		return TypeTable
	}
	return TypeText
}

func looksLikeListItem(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	bullets := []string{"- ", "* ", "• ", "– "}
	for _, b := range bullets {
		if strings.HasPrefix(s, b) {
			return true
		}
	}
	// "1. ", "2) ", etc.
	i := 0
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return true
	}
	return false
}

func isTitleCase(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	capitalized := 0
	for _, f := range fields {
		r := []rune(f)
		if len(r) > 0 && unicode.IsUpper(r[0]) {
			capitalized++
		}
	}
	return capitalized*2 >= len(fields)
}

func looksLikeTable(s string) bool {
	digits, delimiters, total := 0, 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsDigit(r) {
			digits++
		}
		switch r {
		case '|', '\t', ';', ',':
			delimiters++
		}
	}
	if total == 0 {
		return false
	}
	density := float64(digits+delimiters) / float64(total)
	return density > 0.3 && delimiters > 0
}

// wordCount returns an approximate word count used for chunk
// diagnostics.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
