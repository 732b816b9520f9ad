// Package provider implements the language-model clients behind the provider-backed
// plan generator. Only non-streaming completion is needed: the planner sends one
// system prompt and one user prompt and expects a single JSON document back.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client is the interface every model provider implements.
type Client interface {
	// Generate sends a prompt and returns a complete response.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// Name returns the provider identifier ("openai", "anthropic").
	Name() string

	// Health performs a health check on the provider.
	// Returns nil if healthy, error describing the problem otherwise.
	Health(ctx context.Context) error
}

// Provider names accepted by New
const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
)

const defaultRequestTimeout = 120 * time.Second

// New builds the client named by cfg.Name.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", cfg.Name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	switch cfg.Name {
	case "", NameOpenAI:
		return newOpenAI(cfg, httpClient), nil
	case NameAnthropic:
		return newAnthropic(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
