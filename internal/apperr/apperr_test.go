package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(KindTimeout, "orchestrator.Stream", errors.New("no response"))
	wrapped := fmt.Errorf("stream turn: %w", base)

	if !Is(wrapped, KindTimeout) {
		t.Error("Is() should find KindTimeout through fmt.Errorf wrapping")
	}
	if Is(wrapped, KindInvalidInput) {
		t.Error("Is() should not match an unrelated Kind")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindTimeout) {
		t.Error("Is() should return false for an error with no apperr.Error in its chain")
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindDuplicate, "ingest.Ingest", nil)
	kind, ok := KindOf(err)
	if !ok || kind != KindDuplicate {
		t.Errorf("KindOf() = (%v, %v), want (%v, true)", kind, ok, KindDuplicate)
	}

	_, ok = KindOf(errors.New("plain"))
	if ok {
		t.Error("KindOf() should report false for a non-apperr error")
	}
}

func TestErrorStringIncludesOpAndKind(t *testing.T) {
	err := New(KindInvalidInput, "ingest.Ingest", errors.New("empty source"))
	got := err.Error()
	if got != "ingest.Ingest: invalid_input: empty source" {
		t.Errorf("Error() = %q, unexpected format", got)
	}
}

func TestErrorStringWithoutWrappedCause(t *testing.T) {
	err := New(KindInvalidConfig, "botconfig.Update", nil)
	got := err.Error()
	if got != "botconfig.Update: invalid_config" {
		t.Errorf("Error() = %q, unexpected format", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindBackendUnavailable, "llm.Stream", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through Unwrap to the wrapped cause")
	}
}
