// Package llm provides a provider-agnostic text-generation surface for the
// orchestrator. A Dispatcher fronts registered providers, applies rate
// limiting, and converts provider failures into structured errors.
package llm

import (
	"context"
	"fmt"
)

// Client is the capability every LLM handler implements.
type Client interface {
	GenerateText(ctx context.Context, prompt string, opts *Options) (string, error)
}

// StreamingClient is an optional capability. Providers that do not stream
// simply return the full final response from GenerateText.
type StreamingClient interface {
	Client
	StreamText(ctx context.Context, prompt string, opts *Options, emit func(chunk string)) error
}

// Options normalizes generation parameters across providers.
type Options struct {
	Model        string
	MaxTokens    int
	Temperature  float32
	JSONMode     bool
	Stop         []string
	SystemPrompt string
}

// Error is the standardized failure value surfaced to callers.
type Error struct {
	Message string `json:"error"`
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Error type vocabulary.
const (
	ErrTypeConnection    = "connection_error"
	ErrTypeAuth          = "authentication_error"
	ErrTypeRateLimit     = "rate_limit_error"
	ErrTypeModelNotFound = "model_not_found"
	ErrTypeBadResponse   = "bad_response"
	ErrTypeProvider      = "provider_error"
)
