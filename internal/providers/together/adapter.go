// Package together wires the Together AI backend, an OpenAI-compatible
// chat API. Thin preset over internal/providers/openai — together is
// also the first link in the spec's failover chain
// (Together -> Cerebras -> HuggingFace), so its native-id translation
// table lives in internal/router alongside the other two links.
package together

import "github.com/llmhive/llmhive/internal/providers/openai"

// DefaultBaseURL is Together's OpenAI-compatible API root.
const DefaultBaseURL = "https://api.together.xyz"

// New returns an adapter for the "together" backend.
func New(apiKey, baseURL string) *openai.Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New("together", apiKey, baseURL)
}
