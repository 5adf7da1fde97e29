package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey         string
	ChatModel      string        // default: gpt-4o-mini
	EmbeddingModel string        // default: text-embedding-3-small
	BaseURL        string        // default: https://api.openai.com/v1
	Timeout        time.Duration // default: 60s
}

// OpenAIClient implements Client against an OpenAI-compatible chat +
// embeddings API. Every call is routed through a circuit breaker so a
// failing endpoint degrades the pipeline (jobs retry) instead of cascading.
type OpenAIClient struct {
	cfg            OpenAIConfig
	httpClient     *http.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIClient creates a client with the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker(),
	}
}

var _ Client = (*OpenAIClient)(nil)

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *responseFormat     `json:"response_format,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaBody `json:"json_schema"`
}

type jsonSchemaBody struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends messages and returns the assistant's free-form reply.
func (c *OpenAIClient) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.chat(ctx, messages, nil)
	})
	if err != nil {
		return "", wrapCircuitErr(err, "chat")
	}
	return result.(string), nil
}

// GenerateStructured sends messages constrained to schema and unmarshals
// the reply into out.
func (c *OpenAIClient) GenerateStructured(ctx context.Context, messages []ChatMessage, schemaName string, schema map[string]interface{}, out interface{}) error {
	format := &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaBody{
			Name:   schemaName,
			Strict: true,
			Schema: StrictSchema(schema),
		},
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.chat(ctx, messages, format)
	})
	if err != nil {
		return wrapCircuitErr(err, "structured generation")
	}

	raw := result.(string)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("llm: unmarshal structured response for %s: %w", schemaName, err)
	}
	return nil
}

func (c *OpenAIClient) chat(ctx context.Context, messages []ChatMessage, format *responseFormat) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqMessages := make([]openAIChatMessage, len(messages))
	for i, m := range messages {
		reqMessages[i] = openAIChatMessage{Role: m.Role, Content: m.Content}
	}

	reqBody := chatRequest{
		Model:          c.cfg.ChatModel,
		Messages:       reqMessages,
		Temperature:    0,
		ResponseFormat: format,
	}

	respData, err := doJSONPost[chatResponse](ctx, c.httpClient, c.cfg.BaseURL+"/chat/completions", c.cfg.APIKey, reqBody)
	if err != nil {
		return "", err
	}
	if len(respData.Choices) == 0 {
		return "", fmt.Errorf("llm: chat completion returned no choices")
	}
	return respData.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns a single embedding vector for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one embedding per entry in texts, in order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embedBatch(ctx, texts)
	})
	if err != nil {
		return nil, wrapCircuitErr(err, "embedding")
	}
	return result.([][]float32), nil
}

func (c *OpenAIClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody := embeddingRequest{Model: c.cfg.EmbeddingModel, Input: texts}

	respData, err := doJSONPost[embeddingResponse](ctx, c.httpClient, c.cfg.BaseURL+"/embeddings", c.cfg.APIKey, reqBody)
	if err != nil {
		return nil, err
	}
	if len(respData.Data) != len(texts) {
		return nil, fmt.Errorf("llm: embedding response has %d vectors for %d inputs", len(respData.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range respData.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("llm: embedding response index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func doJSONPost[T any](ctx context.Context, httpClient *http.Client, url, apiKey string, body interface{}) (*T, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm: endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	return &out, nil
}

func wrapCircuitErr(err error, op string) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("llm: %s circuit breaker open: %w", op, err)
	}
	return err
}
