package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIBackend generates embeddings via OpenAI's batch embeddings
// endpoint, generalized from niski84-the-hive's internal/embeddings.
// OpenAIEmbedder: unlike Ollama, a single call embeds the whole batch.
type OpenAIBackend struct {
	apiKey string
	model  string
	dim    int
	client *http.Client
}

// knownOpenAIDimensions mirrors the lookup the-hive's embedder uses to
// avoid a roundtrip just to learn D.
var knownOpenAIDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// NewOpenAIBackend constructs an OpenAI-backed Backend. dimension
// overrides the built-in lookup table when non-zero.
func NewOpenAIBackend(apiKey, model string, dimension int) *OpenAIBackend {
	dim := dimension
	if dim == 0 {
		dim = knownOpenAIDimensions[model]
		if dim == 0 {
			dim = 1536
		}
	}
	return &OpenAIBackend{
		apiKey: apiKey,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIBackend) ModelID() string { return "openai:" + e.model }
func (e *OpenAIBackend) Dimension() int  { return e.dim }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (e *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload := openAIEmbedRequest{Input: texts, Model: e.model}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, string(data))
	}

	var response openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	result := make([][]float32, len(response.Data))
	for i, d := range response.Data {
		result[i] = make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			result[i][j] = float32(v)
		}
	}

	return result, nil
}
