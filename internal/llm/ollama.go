package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OllamaClient streams chat completions from Ollama's /api/chat endpoint,
// generalized from the teacher's internal/ollama.client (which always set
// Stream: false and decoded one JSON object). Ollama's streaming wire
// format is one JSON object per line; the last carries Done: true.
type OllamaClient struct {
	host   string
	client *http.Client
}

// NewOllamaClient constructs a Client backed by Ollama's /api/chat
// endpoint.
func NewOllamaClient(host string) *OllamaClient {
	return &OllamaClient{
		host: strings.TrimRight(host, "/"),
		client: &http.Client{
			// No overall timeout: streaming reads are unbounded between
			// chunks per spec.md §5; the caller's context governs the
			// first-chunk deadline and cancellation.
		},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  chatOpts  `json:"options,omitempty"`
}

type chatOpts struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatStreamLine struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
	Done    bool    `json:"done"`
}

// Stream implements Client.
func (c *OllamaClient) Stream(ctx context.Context, messages []Message, params Params) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		if c.host == "" {
			errc <- fmt.Errorf("ollama host must be configured")
			return
		}
		if params.Model == "" {
			errc <- fmt.Errorf("model must be configured")
			return
		}

		payload := chatRequest{
			Model:    params.Model,
			Messages: messages,
			Stream:   true,
			Options: chatOpts{
				Temperature: params.Temperature,
				NumPredict:  params.MaxTokens,
			},
		}

		body, err := json.Marshal(payload)
		if err != nil {
			errc <- fmt.Errorf("marshal request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errc <- fmt.Errorf("create request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			errc <- fmt.Errorf("execute request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errc <- fmt.Errorf("ollama chat API returned status %s", resp.Status)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var parsed chatStreamLine
			if err := json.Unmarshal(line, &parsed); err != nil {
				errc <- fmt.Errorf("decode stream line: %w", err)
				return
			}

			if parsed.Error != "" {
				errc <- fmt.Errorf("ollama error: %s", parsed.Error)
				return
			}

			if parsed.Message.Content != "" {
				select {
				case chunks <- parsed.Message.Content:
				case <-ctx.Done():
					return
				}
			}

			if parsed.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("read stream: %w", err)
		}
	}()

	return chunks, errc
}
