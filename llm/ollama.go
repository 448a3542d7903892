package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaHost = "http://localhost:11434"

// StatusError is a non-2xx reply from an HTTP model API that has no SDK
// error type of its own.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s error %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code to error classifiers.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type ollamaClient struct {
	endpoint string
	model    string
	params   *ollamaParams
	http     *http.Client
}

// ollamaParams are the generation knobs Ollama reads from "options".
type ollamaParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *ollamaParams `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

// NewOllamaClient talks to the /api/chat endpoint of an Ollama server.
// BaseURL, when set, takes precedence over the shared Ollama host.
func NewOllamaClient(opts Options) Client {
	host := opts.BaseURL
	if host == "" {
		host = opts.OllamaHost
	}
	host = strings.TrimRight(host, "/")
	if host == "" {
		host = defaultOllamaHost
	}

	c := &ollamaClient{
		endpoint: host + "/api/chat",
		model:    opts.Model,
		http:     &http.Client{Timeout: 120 * time.Second},
	}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		c.params = &ollamaParams{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	return c
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Options:  c.params,
	})
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call ollama chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", ollamaStatusError(resp)
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// ollamaStatusError prefers the {"error": "..."} body Ollama sends over
// the raw response text.
func ollamaStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Provider: "ollama", StatusCode: resp.StatusCode, Message: msg}
}
