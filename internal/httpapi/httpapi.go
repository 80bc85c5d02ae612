// Package httpapi implements the external HTTP surface from spec.md
// §6: streaming chat over SSE, history management, ingestion admin
// endpoints, and live bot configuration — generalized from the
// teacher's internal/server.Server (chi router, middleware stack,
// JSON helpers) onto the new collaborator graph.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fabfab/ragcore/internal/apperr"
	"github.com/fabfab/ragcore/internal/botconfig"
	"github.com/fabfab/ragcore/internal/ingest"
	"github.com/fabfab/ragcore/internal/messagelog"
	"github.com/fabfab/ragcore/internal/orchestrator"
	"github.com/fabfab/ragcore/internal/retrieve"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

// Server wires HTTP handlers to the RAG core's collaborators.
type Server struct {
	router       http.Handler
	orchestrator *orchestrator.Orchestrator
	messages     messagelog.Store
	ingestor     *ingest.Ingestor
	retriever    *retrieve.Retriever
	config       *botconfig.Store
}

// New constructs a Server with the provided dependencies.
func New(orch *orchestrator.Orchestrator, messages messagelog.Store, ingestor *ingest.Ingestor, retriever *retrieve.Retriever, cfg *botconfig.Store) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		router:       mux,
		orchestrator: orch,
		messages:     messages,
		ingestor:     ingestor,
		retriever:    retriever,
		config:       cfg,
	}

	mux.Get("/api/health", s.handleHealth)
	mux.Post("/api/chat", s.handleChat)
	mux.Get("/api/chat/history/{id}", s.handleGetHistory)
	mux.Delete("/api/chat/history/{id}", s.handleDeleteHistory)
	mux.Post("/api/admin/clear", s.handleClearAll)
	mux.Post("/api/retrieve-debug", s.handleRetrieveDebug)
	mux.Post("/api/ingest", s.handleIngest)
	mux.Delete("/api/ingest/{source}", s.handleDeleteSource)
	mux.Post("/api/reindex/{source}", s.handleReindex)
	mux.Get("/api/config", s.handleGetConfig)
	mux.Put("/api/config", s.handlePutConfig)
	mux.Post("/api/toggle", s.handleToggle)
	mux.Get("/api/runtime", s.handleRuntime)
	mux.Post("/api/clear", s.handleClearCorpus)

	return s
}

// ServeHTTP exposes the router so Server satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Source         string `json:"source,omitempty"`
	Debug          bool   `json:"debug,omitempty"`
	// EnableVerification asks the orchestrator to run the optional
	// grounding check (spec.md §7) and report it on the debug event.
	// It has no effect unless Debug is also set.
	EnableVerification bool `json:"enable_verification,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, errors.New("conversation_id must not be empty"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	filter := vectorstore.Filter{Source: req.Source}
	events, errc := s.orchestrator.Stream(r.Context(), req.ConversationID, req.Message, filter, req.Debug, req.EnableVerification)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for events != nil || errc != nil {
		select {
		case ev, chOk := <-events:
			if !chOk {
				events = nil
				continue
			}
			writeSSE(w, flusher, ev)
		case err, chOk := <-errc:
			if !chOk {
				errc = nil
				continue
			}
			if err != nil {
				writeSSEError(w, flusher, err)
				return
			}
		}
	}
	writeSSEDone(w, flusher)
}

func writeSSE(w http.ResponseWriter, f http.Flusher, ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventChunk:
		fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", jsonString(map[string]string{"content": ev.Chunk}))
	case orchestrator.EventDebug:
		fmt.Fprintf(w, "event: debug\ndata: %s\n\n", jsonString(ev.Debug))
	}
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	kind, _ := apperr.KindOf(err)
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", jsonString(map[string]string{"error": err.Error(), "kind": string(kind)}))
	f.Flush()
}

func writeSSEDone(w http.ResponseWriter, f http.Flusher) {
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	f.Flush()
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing conversation id"))
		return
	}
	history, err := s.messages.Fetch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("fetch history: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing conversation id"))
		return
	}
	if err := s.messages.DeleteConversation(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("delete history: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.messages.DeleteAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("clear all history: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retrieveDebugRequest struct {
	Query  string `json:"query"`
	Source string `json:"source,omitempty"`
	K      int    `json:"k,omitempty"`
}

func (s *Server) handleRetrieveDebug(w http.ResponseWriter, r *http.Request) {
	var req retrieveDebugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	filter := vectorstore.Filter{Source: req.Source}

	decision, queryVec, err := s.retriever.Gate(r.Context(), req.Query, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("gate: %w", err))
		return
	}

	resp := map[string]any{"retrieved": decision.Retrieved, "reason": decision.Reason}
	if decision.Retrieved {
		k := req.K
		if k <= 0 {
			k = s.config.Current().RetrievalK
		}
		chunks, err := s.retriever.Search(r.Context(), req.Query, queryVec, k, filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("search: %w", err))
			return
		}
		resp["chunks"] = chunks
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read upload: %w", err))
		return
	}

	source := r.FormValue("source")
	if source == "" {
		source = header.Filename
	}
	force, _ := strconv.ParseBool(r.FormValue("force"))

	result, err := s.ingestor.Ingest(r.Context(), source, data, force)
	if err != nil {
		writeError(w, statusFor(err), fmt.Errorf("ingest: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	n, err := s.ingestor.Delete(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("delete source: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read upload: %w", err))
		return
	}

	result, err := s.ingestor.Reindex(r.Context(), source, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("reindex: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Current())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg botconfig.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	// Update validates cfg itself (temperature range, model presence,
	// positive k/chars/tokens) and leaves the live config untouched on
	// failure, per spec.md §7.
	if err := s.config.Update(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("update config: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, s.config.Current())
}

// handleRuntime reports the effective live values an operator would
// want to confirm a hot reload took effect, without exposing the full
// prompt/extras text (spec.md §6: "GET /runtime: effective live values
// (model name, temperature, prompt length, extras length)").
func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"bot_name":            cfg.BotName,
		"model_name":          cfg.ModelName,
		"temperature":         cfg.Temperature,
		"active":              cfg.Active,
		"retrieval_k":         cfg.RetrievalK,
		"max_context_chars":   cfg.MaxContextChars,
		"max_response_tokens": cfg.MaxResponseTokens,
		"system_prompt_len":   len(cfg.SystemPrompt),
		"ui_prompt_extra_len": len(cfg.UIPromptExtra),
	})
}

// handleClearCorpus wipes the vector store and every derived cache
// (spec.md §6: "POST /clear: wipes the vector store and all derived
// caches"), distinct from /api/admin/clear which wipes the message log.
func (s *Server) handleClearCorpus(w http.ResponseWriter, r *http.Request) {
	n, err := s.ingestor.ClearAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("clear corpus: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

type toggleRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.config.SetActive(r.Context(), req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("toggle: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, s.config.Current())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Printf("failed to write JSON response: %v\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

// statusFor maps an apperr Kind to its HTTP status; unclassified errors
// default to 500.
func statusFor(err error) int {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apperr.KindInvalidInput, apperr.KindInvalidConfig:
		return http.StatusBadRequest
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindBackendUnavailable:
		return http.StatusBadGateway
	case apperr.KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
