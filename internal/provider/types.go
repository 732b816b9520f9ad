package provider

import (
	"net/http"
	"time"
)

// Config selects and configures a provider client.
type Config struct {
	// Name is the provider identifier: "openai" (default) or "anthropic"
	Name string

	// BaseURL overrides the provider endpoint. OpenAI-compatible gateways work here too.
	BaseURL string

	// Model is the default model for requests that do not set one
	Model string

	// APIKey authenticates against the provider
	APIKey string

	// MaxTokens is the default response budget. Set to 0 to use provider default
	MaxTokens int

	// Timeout bounds a single HTTP request when HTTPClient is nil
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client
}

// GenerateRequest contains all parameters for generating a response
type GenerateRequest struct {
	// Prompt is the main input text for the model
	Prompt string `json:"prompt"`

	// SystemPrompt sets the system-level instructions
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model overrides the client default
	Model string `json:"model,omitempty"`

	// MaxTokens limits the maximum response length
	// Set to 0 to use provider default
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic, 1.0+ = creative)
	Temperature float64 `json:"temperature,omitempty"`

	// JSONMode asks the provider to constrain output to a single JSON object
	JSONMode bool `json:"json_mode,omitempty"`
}

// GenerateResponse contains the model's response
type GenerateResponse struct {
	// Content is the generated text
	Content string `json:"content"`

	// TokensUsed is the total tokens consumed (input + output)
	TokensUsed int `json:"tokens_used"`

	// InputTokens is tokens in the prompt
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is tokens in the response
	OutputTokens int `json:"output_tokens,omitempty"`

	// Model is the actual model that generated the response
	Model string `json:"model"`

	// Latency is how long the generation took
	Latency time.Duration `json:"latency"`

	// FinishReason explains why generation stopped
	FinishReason string `json:"finish_reason"`

	// Provider is the name of the provider that handled this request
	Provider string `json:"provider"`
}
