package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaBackend generates embeddings via Ollama's /api/embeddings
// endpoint, ported directly from the teacher's internal/embeddings.
// ollamaEmbedder. Ollama's embedding API takes one prompt per call, so
// EmbedBatch issues one request per text, preserving order.
type OllamaBackend struct {
	host      string
	model     string
	dimension int
	client    *http.Client
}

// NewOllamaBackend constructs a Backend backed by Ollama's embedding API.
func NewOllamaBackend(host, model string, dimension int, timeout time.Duration) *OllamaBackend {
	return &OllamaBackend{
		host:      strings.TrimRight(host, "/"),
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
	}
}

func (e *OllamaBackend) ModelID() string { return "ollama:" + e.model }
func (e *OllamaBackend) Dimension() int  { return e.dimension }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *OllamaBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	url := fmt.Sprintf("%s/api/embeddings", e.host)

	for _, text := range texts {
		reqBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
		if err != nil {
			return nil, fmt.Errorf("marshal ollama request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("create ollama request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call ollama embeddings API: %w", err)
		}

		var payload ollamaEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode ollama response: %w", err)
		}
		resp.Body.Close()

		vec := make([]float32, len(payload.Embedding))
		for i, value := range payload.Embedding {
			vec[i] = float32(value)
		}

		results = append(results, vec)
	}

	return results, nil
}
