// Package huggingface wires the HuggingFace Inference backend through
// its OpenAI-compatible chat-completions router. Thin preset over
// internal/providers/openai — the last link in the spec's
// Together -> Cerebras -> HuggingFace failover chain.
package huggingface

import "github.com/llmhive/llmhive/internal/providers/openai"

// DefaultBaseURL is HuggingFace's OpenAI-compatible router endpoint.
const DefaultBaseURL = "https://router.huggingface.co"

// New returns an adapter for the "huggingface" backend.
func New(apiKey, baseURL string) *openai.Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New("huggingface", apiKey, baseURL)
}
