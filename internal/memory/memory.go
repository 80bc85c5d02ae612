// Package memory provides a bounded rolling view over the single
// message log (internal/messagelog), as described by spec.md §4.5.
// There is no separate memory store: memory is a read-time window over
// messagelog.Store, bounded by both turn count and an estimated token
// budget.
package memory

import (
	"context"
	"fmt"

	"github.com/clipperhouse/uax29/v2/words"

	"github.com/fabfab/ragcore/internal/messagelog"
)

// Options bounds how much history a Window returns.
type Options struct {
	// MaxTurns caps the number of (user, assistant) pairs returned,
	// counting from the most recent.
	MaxTurns int
	// MaxTokens caps the estimated total token count of the returned
	// window; older turns are dropped first once the budget is spent.
	MaxTokens int
}

// DefaultOptions mirrors spec.md §4.5's stated defaults.
func DefaultOptions() Options {
	return Options{MaxTurns: 10, MaxTokens: 2000}
}

// Memory reads a bounded window of the conversation history.
type Memory struct {
	log  messagelog.Store
	opts Options
}

// New constructs a Memory backed by log.
func New(log messagelog.Store, opts Options) *Memory {
	return &Memory{log: log, opts: opts}
}

// Window returns the most recent messages for conversationID, newest
// last, trimmed to at most MaxTurns turns and MaxTokens estimated
// tokens. A "turn" is one user/assistant pair, so MaxTurns*2 messages
// is the hard ceiling before the token budget is applied.
func (m *Memory) Window(ctx context.Context, conversationID string) ([]messagelog.Message, error) {
	all, err := m.log.Fetch(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("memory: fetch history: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	maxMessages := m.opts.MaxTurns * 2
	if maxMessages > 0 && len(all) > maxMessages {
		all = all[len(all)-maxMessages:]
	}

	if m.opts.MaxTokens <= 0 {
		return all, nil
	}

	// Walk backward from the most recent message, accumulating token
	// estimates, and stop including older turns once the budget is
	// spent. This keeps the most recent context intact even when the
	// full trimmed window would exceed MaxTokens.
	total := 0
	cut := 0
	for i := len(all) - 1; i >= 0; i-- {
		total += estimateTokens(all[i].Content)
		if total > m.opts.MaxTokens {
			cut = i + 1
			break
		}
	}
	return all[cut:], nil
}

// estimateTokens approximates a token count from word-boundary
// segmentation. This is an estimate, not a tokenizer match for any
// particular model; it exists only to bound prompt size.
func estimateTokens(s string) int {
	count := 0
	seg := words.FromString(s)
	for seg.Next() {
		if isWordlike(seg.Value()) {
			count++
		}
	}
	return count
}

func isWordlike(tok string) bool {
	for _, r := range tok {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}
