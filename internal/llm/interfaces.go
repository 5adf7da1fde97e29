// Package llm provides the single LLM client surface the memory pipeline
// depends on: chat completion, structured (schema-validated) output, and
// embeddings, all against one OpenAI-compatible endpoint.
package llm

import "context"

// ChatMessage is a single turn sent to the chat completion endpoint.
type ChatMessage struct {
	Role    string
	Content string
}

// Client is the uniform surface consumed by segmentation, consolidation,
// and review. Every structured call is schema-validated by the adapter
// before a caller sees the result.
type Client interface {
	// Chat sends messages and returns the assistant's free-form reply.
	Chat(ctx context.Context, messages []ChatMessage) (string, error)

	// GenerateStructured sends messages constrained to schema (an
	// OpenAI-strict-compatible JSON Schema object built by StrictSchema)
	// and unmarshals the model's JSON reply into out. schemaName
	// identifies the schema in the request.
	GenerateStructured(ctx context.Context, messages []ChatMessage, schemaName string, schema map[string]interface{}, out interface{}) error

	// Embed returns a single dense embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per entry in texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
