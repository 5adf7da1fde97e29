package llm

import "github.com/nemosyne/nemosyne/internal/config"

// NewClient constructs the OpenAI-compatible Client from LLM configuration.
func NewClient(cfg config.LLMConfig) Client {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:         cfg.APIKey,
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
		BaseURL:        cfg.BaseURL,
	})
}
