// Package google implements router.Sender for Google's Gemini models via
// the official google.golang.org/genai client, the one Gemini backend
// requiring a request/response shape incompatible with the OpenAI wire
// format the rest of internal/providers's backends share.
package google

import (
	"context"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/llmhive/llmhive/internal/router"
)

// Adapter implements router.Sender for the "google" backend.
type Adapter struct {
	id     string
	client *genai.Client
}

// New creates a Google adapter backed by the Gemini Developer API.
// baseURL, when set, points the client at a proxy/gateway instead of
// Google's default endpoint.
func New(ctx context.Context, id, apiKey, baseURL string) (*Adapter, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{id: id, client: client}, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (router.ProviderResponse, error) {
	var parts []*genai.Part
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue
		}
		parts = append(parts, genai.NewPartFromText(msg.Content))
	}

	var cfg *genai.GenerateContentConfig
	if sys := systemInstruction(req.Messages); sys != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(sys, genai.RoleUser),
		}
	}

	result, err := a.client.Models.GenerateContent(ctx, model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, err
	}
	return []byte(jsonEnvelope(result.Text())), nil
}

func systemInstruction(msgs []router.Message) string {
	for _, m := range msgs {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// jsonEnvelope wraps a plain text response in the same {"content":[{"text":...}]}
// shape router.ExtractContent already knows how to parse for Anthropic-style
// responses, so Gemini results flow through the rest of the system unchanged.
func jsonEnvelope(text string) string {
	var b strings.Builder
	b.WriteString(`{"content":[{"type":"text","text":`)
	b.WriteString(strconv.Quote(text))
	b.WriteString(`}]}`)
	return b.String()
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted"):
		return &router.ClassifiedError{Err: err, Class: router.ErrRateLimited}
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "deadline"):
		return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
	case strings.Contains(msg, "token count") || strings.Contains(msg, "too long") || strings.Contains(msg, "context"):
		return &router.ClassifiedError{Err: err, Class: router.ErrContextOverflow}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrFatal}
}
