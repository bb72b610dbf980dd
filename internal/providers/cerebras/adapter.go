// Package cerebras wires the Cerebras backend, an OpenAI-compatible
// chat API. Thin preset over internal/providers/openai — the middle
// link in the spec's Together -> Cerebras -> HuggingFace failover chain.
package cerebras

import "github.com/llmhive/llmhive/internal/providers/openai"

// DefaultBaseURL is Cerebras's OpenAI-compatible API root.
const DefaultBaseURL = "https://api.cerebras.ai"

// New returns an adapter for the "cerebras" backend.
func New(apiKey, baseURL string) *openai.Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New("cerebras", apiKey, baseURL)
}
