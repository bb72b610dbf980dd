package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/llmhive/llmhive/internal/router"
)

// Adapter implements router.Sender for OpenAI using the official SDK.
type Adapter struct {
	id     string
	client *openaisdk.Client
}

// New creates a new OpenAI adapter. A zero timeout defaults to 30s. baseURL
// is the host root (e.g. "https://api.openai.com"); New appends the "/v1"
// API version prefix to it.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	cfg := openaisdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	}
	cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}

	for _, o := range opts {
		o(&cfg)
	}
	return &Adapter{id: id, client: openaisdk.NewClientWithConfig(cfg)}
}

// Option configures the SDK client config used by New.
type Option func(*openaisdk.ClientConfig)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(cfg *openaisdk.ClientConfig) {
		if d > 0 {
			cfg.HTTPClient = &http.Client{Timeout: d}
		}
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Send(ctx context.Context, model string, req router.Request) (router.ProviderResponse, error) {
	messages := make([]openaisdk.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openaisdk.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := a.client.CreateChatCompletion(ctx, openaisdk.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return body, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var apiErr *openaisdk.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &router.ClassifiedError{Err: err, Class: router.ErrRateLimited}
		case apiErr.HTTPStatusCode >= 500:
			return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
		case fmt.Sprintf("%v", apiErr.Code) == "context_length_exceeded" || strings.Contains(apiErr.Message, "maximum context length"):
			return &router.ClassifiedError{Err: err, Class: router.ErrContextOverflow}
		}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrFatal}
}
