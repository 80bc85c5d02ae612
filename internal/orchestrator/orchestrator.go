// Package orchestrator implements the chat turn pipeline from spec.md
// §4.6: validate, gate on pause state, persist, check the response
// cache, assemble bounded memory and retrieved context, stream a
// completion, and persist the result — generalized from the teacher's
// single-shot internal/server.handlePostMessage/buildPrompt into a
// streaming pipeline with caching and retrieval layered in.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fabfab/ragcore/internal/apperr"
	"github.com/fabfab/ragcore/internal/botconfig"
	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/embed"
	"github.com/fabfab/ragcore/internal/llm"
	"github.com/fabfab/ragcore/internal/memory"
	"github.com/fabfab/ragcore/internal/messagelog"
	"github.com/fabfab/ragcore/internal/normalize"
	"github.com/fabfab/ragcore/internal/retrieve"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

// Options bounds the orchestrator's timeouts. The LLM model name,
// temperature, and max tokens all live on botconfig.Config instead
// (spec.md §4.7: hot reload "re-binds LLM parameters"), so every turn
// started after a config update uses the new model/temperature without
// disturbing a turn already in flight.
type Options struct {
	// FirstChunkTimeout bounds how long Stream waits for the first LLM
	// chunk before cancelling the call and yielding the fixed apology.
	FirstChunkTimeout time.Duration
	// ResponseCacheTTLSeconds for whole-answer caching.
	ResponseCacheTTLSeconds int
	// GroundingThreshold is the minimum cosine similarity between the
	// generated answer and its retrieved context for the optional
	// grounding check (spec.md §7 "Optional grounding verification") to
	// consider the answer well-grounded. Below it, Debug.LowGrounding is
	// raised.
	GroundingThreshold float32
}

// DefaultOptions mirrors spec.md §4.6's stated defaults.
func DefaultOptions() Options {
	return Options{
		FirstChunkTimeout:       20 * time.Second,
		ResponseCacheTTLSeconds: 120,
		GroundingThreshold:      0.55,
	}
}

// Fixed user-visible strings for the degraded paths spec.md §4.6/§7
// require never to surface as a transport-level error: a paused bot
// (§4.7) and an LLM outage/first-chunk timeout (§7 "LLM outage yields a
// fixed apology").
const (
	pausedMessage  = "This assistant is currently paused. Please try again later."
	apologyMessage = "Sorry, I'm having trouble generating a response right now. Please try again in a moment."
)

// Debug carries the retrieval decision and a coarse grounding signal,
// surfaced only when the caller asks for it (the §4.6 debug event).
type Debug struct {
	Retrieved    bool
	Reason       string
	ChunksUsed   int
	LowGrounding bool
}

// EventKind discriminates the events Stream emits.
type EventKind string

const (
	EventChunk EventKind = "chunk"
	EventDebug EventKind = "debug"
)

// Event is one item on the Stream output channel.
type Event struct {
	Kind  EventKind
	Chunk string
	Debug *Debug
}

// Orchestrator wires every collaborator of the chat pipeline together.
type Orchestrator struct {
	messages  messagelog.Store
	memory    *memory.Memory
	retriever *retrieve.Retriever
	llmClient llm.Client
	config    *botconfig.Store
	cache     cache.Cache
	embedder  *embed.Service
	opts      Options
}

// New constructs an Orchestrator. embedder powers the optional grounding
// check (spec.md §7): it is the same embedding service the retriever
// uses, so the answer/context comparison lives in the same vector space
// as retrieval.
func New(messages messagelog.Store, mem *memory.Memory, retriever *retrieve.Retriever, llmClient llm.Client, config *botconfig.Store, c cache.Cache, embedder *embed.Service, opts Options) *Orchestrator {
	return &Orchestrator{
		messages:  messages,
		memory:    mem,
		retriever: retriever,
		llmClient: llmClient,
		config:    config,
		cache:     c,
		embedder:  embedder,
		opts:      opts,
	}
}

// Stream runs one full chat turn and streams the assistant's response.
// The returned error channel only fires for boundary/input-validation
// failures and message-log outages (spec.md §7), none of which persist
// an assistant turn. Every other degraded path (a paused bot, a
// retrieval-backend outage, an LLM outage or first-chunk timeout) is
// absorbed into a fixed chunk on the event channel instead, per §6
// "Never returns an error mid-stream".
func (o *Orchestrator) Stream(ctx context.Context, conversationID, input string, filter vectorstore.Filter, debug, enableVerification bool) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			errc <- apperr.New(apperr.KindInvalidInput, "orchestrator.Stream", fmt.Errorf("message must not be empty"))
			return
		}

		cfg := o.config.Current()
		if !cfg.Active {
			// spec.md §4.7: paused is a fixed reply, not a transport
			// error, and nothing is persisted for this turn.
			select {
			case events <- Event{Kind: EventChunk, Chunk: pausedMessage}:
			case <-ctx.Done():
			}
			return
		}

		if err := o.messages.Append(ctx, messagelog.Message{
			ConversationID: conversationID,
			Role:           messagelog.RoleUser,
			Content:        trimmed,
		}); err != nil {
			errc <- fmt.Errorf("persist user turn: %w", err)
			return
		}

		responseCacheKey := o.responseCacheKey(conversationID, trimmed)
		if o.cache != nil {
			if cached, ok := o.cache.Get(ctx, responseCacheKey); ok {
				select {
				case events <- Event{Kind: EventChunk, Chunk: cached}:
				case <-ctx.Done():
					return
				}
				if err := o.persistAssistantTurn(ctx, conversationID, cached, ""); err != nil {
					errc <- err
				}
				return
			}
		}

		history, err := o.memory.Window(ctx, conversationID)
		if err != nil {
			errc <- fmt.Errorf("fetch memory window: %w", err)
			return
		}
		// Drop the user turn just appended; it is added back explicitly
		// below so its position in the prompt is unambiguous.
		if n := len(history); n > 0 && history[n-1].Role == messagelog.RoleUser && history[n-1].Content == trimmed {
			history = history[:n-1]
		}

		// spec.md §7: "vector-store outage disables retrieval but the LLM
		// is still called without context" — a gate/search failure never
		// fails the turn, it only drops retrieved context.
		decision, queryVec, err := o.retriever.Gate(ctx, trimmed, filter)
		if err != nil {
			log.Printf("orchestrator: retrieval gate unavailable, continuing without context: %v", err)
			decision = retrieve.Decision{Retrieved: false, Reason: "retrieval_unavailable"}
		}

		var chunks []vectorstore.Chunk
		if decision.Retrieved {
			chunks, err = o.retriever.Search(ctx, trimmed, queryVec, cfg.RetrievalK, filter)
			if err != nil {
				log.Printf("orchestrator: retrieval search unavailable, continuing without context: %v", err)
				decision = retrieve.Decision{Retrieved: false, Reason: "retrieval_unavailable"}
				chunks = nil
			}
		}

		contextBlock := formatContext(chunks, cfg.MaxContextChars)
		systemPrompt := cfg.SystemPrompt
		if cfg.UIPromptExtra != "" {
			systemPrompt += "\n\n" + cfg.UIPromptExtra
		}
		prompt := renderPrompt(systemPrompt, contextBlock, history, trimmed)

		llmCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunkCh, llmErrc := o.llmClient.Stream(llmCtx, prompt, llm.Params{
			Model:       cfg.ModelName,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxResponseTokens,
		})

		var sb strings.Builder
		firstChunkTimer := time.NewTimer(o.opts.FirstChunkTimeout)
		defer firstChunkTimer.Stop()
		gotFirstChunk := false

		for {
			select {
			case chunk, ok := <-chunkCh:
				if !ok {
					chunkCh = nil
					break
				}
				if !gotFirstChunk {
					gotFirstChunk = true
					firstChunkTimer.Stop()
				}
				sb.WriteString(chunk)
				select {
				case events <- Event{Kind: EventChunk, Chunk: chunk}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-llmErrc:
				if !ok {
					llmErrc = nil
					break
				}
				if err != nil {
					log.Printf("orchestrator: llm backend unavailable: %v", err)
					o.yieldApology(ctx, conversationID, events, debug, decision)
					return
				}
			case <-firstChunkTimer.C:
				if !gotFirstChunk {
					log.Printf("orchestrator: no llm response within %s", o.opts.FirstChunkTimeout)
					cancel()
					o.yieldApology(ctx, conversationID, events, debug, decision)
					return
				}
			case <-ctx.Done():
				// Caller abandoned the stream: spec.md §5 — cancel the
				// in-flight call and skip the assistant-turn append
				// entirely, including the apology.
				return
			}

			if chunkCh == nil && llmErrc == nil {
				break
			}
		}

		answer := sb.String()
		if debug {
			// spec.md §4.6 step 12: the debug diagnostic is the terminal
			// event, emitted only after the last content chunk, since the
			// grounding check below needs the completed answer text.
			select {
			case events <- Event{Kind: EventDebug, Debug: o.buildDebug(ctx, decision, chunks, contextBlock, answer, enableVerification)}:
			case <-ctx.Done():
				return
			}
		}

		if err := o.persistAssistantTurn(ctx, conversationID, answer, responseCacheKey); err != nil {
			errc <- err
		}
	}()

	return events, errc
}

// buildDebug assembles the terminal diagnostic event. LowGrounding is
// spec.md §7's optional grounding verification: the cosine similarity
// between the generated answer's embedding and the concatenated
// retrieved context's embedding, computed only when a caller asked for
// verification and there was context to check the answer against — an
// answer grounded in no context is not "ungrounded", it's unverifiable.
func (o *Orchestrator) buildDebug(ctx context.Context, decision retrieve.Decision, chunks []vectorstore.Chunk, contextBlock, answer string, enableVerification bool) *Debug {
	d := &Debug{
		Retrieved:  decision.Retrieved,
		Reason:     decision.Reason,
		ChunksUsed: len(chunks),
	}
	if !enableVerification || len(chunks) == 0 || strings.TrimSpace(answer) == "" || o.embedder == nil {
		return d
	}

	vecs, err := o.embedder.EmbedDocuments(ctx, []string{answer, contextBlock})
	if err != nil {
		log.Printf("orchestrator: grounding check embed failed: %v", err)
		return d
	}

	sim := vectorstore.CosineSimilarity(vecs[0], vecs[1])
	d.LowGrounding = sim < o.opts.GroundingThreshold
	return d
}

// yieldApology sends the fixed apology string as a final chunk and
// persists it as the assistant's turn, matching spec.md §7 "LLM outage
// yields a fixed apology" / §6 "failures produce a final apology token
// and end" — never a transport-level error. The apology is not cached
// as a response: the next identical input should retry the LLM, not
// replay the apology forever.
func (o *Orchestrator) yieldApology(ctx context.Context, conversationID string, events chan<- Event, debug bool, decision retrieve.Decision) {
	select {
	case events <- Event{Kind: EventChunk, Chunk: apologyMessage}:
	case <-ctx.Done():
		return
	}
	if debug {
		// No answer was generated, so there is nothing to run the
		// grounding check against; the diagnostic still reports the
		// retrieval decision.
		select {
		case events <- Event{Kind: EventDebug, Debug: &Debug{
			Retrieved:  decision.Retrieved,
			Reason:     decision.Reason,
			ChunksUsed: 0,
		}}:
		case <-ctx.Done():
			return
		}
	}
	if err := o.persistAssistantTurn(ctx, conversationID, apologyMessage, ""); err != nil {
		log.Printf("orchestrator: persist apology turn: %v", err)
	}
}

// persistAssistantTurn appends the assistant's turn to the message log
// and, when responseCacheKey is non-empty, caches the response for
// repeat identical queries. Called both on a cache hit (key empty, the
// answer is already cached) and after a fresh generation (key set so
// the new answer is cached for the next repeat).
func (o *Orchestrator) persistAssistantTurn(ctx context.Context, conversationID, content, responseCacheKey string) error {
	if err := o.messages.Append(ctx, messagelog.Message{
		ConversationID: conversationID,
		Role:           messagelog.RoleAssistant,
		Content:        content,
	}); err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}

	if o.cache != nil && responseCacheKey != "" && content != "" {
		o.cache.Set(ctx, responseCacheKey, content, o.opts.ResponseCacheTTLSeconds)
	}
	return nil
}

func (o *Orchestrator) responseCacheKey(conversationID, query string) string {
	return cache.PrefixResponse + conversationID + ":" + normalize.Hash(normalize.Text(query))
}

// formatContext joins chunk text into one block bounded by maxChars,
// dropping chunks once the budget is spent rather than truncating mid
// chunk so citations stay whole.
func formatContext(chunks []vectorstore.Chunk, maxChars int) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	total := 0
	for i, c := range chunks {
		piece := fmt.Sprintf("[%d] (%s)\n%s\n\n", i+1, c.Source, c.Text)
		if total+len(piece) > maxChars {
			break
		}
		sb.WriteString(piece)
		total += len(piece)
	}
	return sb.String()
}

// renderPrompt assembles the full message list sent to the LLM:
// system prompt (with retrieved context appended when present), the
// bounded history window, then the current user turn.
func renderPrompt(systemPrompt, contextBlock string, history []messagelog.Message, userInput string) []llm.Message {
	system := systemPrompt
	if contextBlock != "" {
		system += "\n\nUse the following context if it helps answer the question:\n\n" + contextBlock
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userInput})
	return messages
}
