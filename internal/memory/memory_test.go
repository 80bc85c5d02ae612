package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/fabfab/ragcore/internal/messagelog"
)

type fakeLog struct {
	messages []messagelog.Message
}

func (f *fakeLog) Append(ctx context.Context, msg messagelog.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeLog) Fetch(ctx context.Context, conversationID string) ([]messagelog.Message, error) {
	var out []messagelog.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeLog) DeleteConversation(ctx context.Context, conversationID string) error {
	var kept []messagelog.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID {
			kept = append(kept, m)
		}
	}
	f.messages = kept
	return nil
}

func (f *fakeLog) DeleteAll(ctx context.Context) error {
	f.messages = nil
	return nil
}

func seedMessages(n int) *fakeLog {
	log := &fakeLog{}
	for i := 0; i < n; i++ {
		role := messagelog.RoleUser
		if i%2 == 1 {
			role = messagelog.RoleAssistant
		}
		log.messages = append(log.messages, messagelog.Message{
			ConversationID: "conv-1",
			Role:           role,
			Content:        fmt.Sprintf("message number %d", i),
		})
	}
	return log
}

func TestWindowEmptyHistory(t *testing.T) {
	mem := New(&fakeLog{}, DefaultOptions())
	out, err := mem.Window(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil for empty history, got %v", out)
	}
}

func TestWindowTrimsByTurnCount(t *testing.T) {
	log := seedMessages(30)
	mem := New(log, Options{MaxTurns: 5, MaxTokens: 0})
	out, err := mem.Window(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(out) != 10 {
		t.Fatalf("expected MaxTurns*2=10 messages, got %d", len(out))
	}
	if out[len(out)-1].Content != "message number 29" {
		t.Errorf("expected the window to keep the most recent message, got %q", out[len(out)-1].Content)
	}
}

func TestWindowTrimsByTokenBudget(t *testing.T) {
	log := &fakeLog{}
	for i := 0; i < 5; i++ {
		log.messages = append(log.messages, messagelog.Message{
			ConversationID: "conv-1",
			Role:           messagelog.RoleUser,
			Content:        "one two three four five",
		})
	}
	// Each message is ~5 tokens; budget for 2 full messages only.
	mem := New(log, Options{MaxTurns: 100, MaxTokens: 10})
	out, err := mem.Window(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(out) == 0 || len(out) >= 5 {
		t.Errorf("expected the token budget to drop older messages, got %d of 5", len(out))
	}
}

func TestWindowKeepsMostRecentUnderTightBudget(t *testing.T) {
	log := &fakeLog{}
	log.messages = append(log.messages,
		messagelog.Message{ConversationID: "conv-1", Role: messagelog.RoleUser, Content: "old message one"},
		messagelog.Message{ConversationID: "conv-1", Role: messagelog.RoleAssistant, Content: "newest message"},
	)
	mem := New(log, Options{MaxTurns: 100, MaxTokens: 2})
	out, err := mem.Window(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(out) != 1 || out[0].Content != "newest message" {
		t.Errorf("expected only the newest message to survive a tight token budget, got %v", out)
	}
}

func TestEstimateTokensCountsWordlikeTokens(t *testing.T) {
	got := estimateTokens("hello, world! 123")
	if got != 3 {
		t.Errorf("estimateTokens() = %d, want 3", got)
	}
}

func TestEstimateTokensIgnoresPunctuationOnly(t *testing.T) {
	got := estimateTokens("... !!! ,,,")
	if got != 0 {
		t.Errorf("estimateTokens() = %d, want 0", got)
	}
}
