// Package groq wires the Groq backend, an OpenAI-compatible chat API
// fronting Groq's LPU inference hardware. Thin preset over
// internal/providers/openai; the second link in the failover chain
// (Together -> Cerebras -> HuggingFace) skips past this backend by
// design, per spec.md's ordered chain.
package groq

import "github.com/llmhive/llmhive/internal/providers/openai"

// DefaultBaseURL is Groq's OpenAI-compatible API root.
const DefaultBaseURL = "https://api.groq.com/openai"

// New returns an adapter for the "groq" backend.
func New(apiKey, baseURL string) *openai.Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New("groq", apiKey, baseURL)
}
