// Package deepseek wires the DeepSeek backend. DeepSeek's chat API is
// wire-compatible with OpenAI's, so this is a thin preset over
// internal/providers/openai rather than a second HTTP client.
package deepseek

import "github.com/llmhive/llmhive/internal/providers/openai"

// DefaultBaseURL is DeepSeek's OpenAI-compatible API root.
const DefaultBaseURL = "https://api.deepseek.com"

// New returns an adapter for the "deepseek" backend. baseURL overrides
// DefaultBaseURL when non-empty (self-hosted gateways, test servers).
func New(apiKey, baseURL string) *openai.Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New("deepseek", apiKey, baseURL)
}
