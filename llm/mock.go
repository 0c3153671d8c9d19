package llm

import (
	"context"
	"sync"
)

func init() {
	MustRegister(&mockFactory{})
}

type mockFactory struct{}

func (f *mockFactory) Name() string        { return "mock" }
func (f *mockFactory) Description() string { return "Scripted client for tests" }

func (f *mockFactory) Create(config *ProviderConfig) Client {
	return NewMockClient()
}

// DetectEnvironment never auto-detects mock in production.
func (f *mockFactory) DetectEnvironment() (int, bool) {
	return 0, false
}

// MockClient returns scripted responses in order, then repeats the last one.
// It records every call for assertions.
type MockClient struct {
	mu sync.Mutex

	Responses   []string
	Err         error
	CallCount   int
	LastPrompt  string
	LastOptions *Options
	Prompts     []string

	// Script, when set, takes precedence over Responses and computes the
	// reply from the prompt.
	Script func(prompt string, opts *Options) (string, error)
}

// NewMockClient creates a mock client with a single default response.
func NewMockClient() *MockClient {
	return &MockClient{Responses: []string{"mock response"}}
}

func (c *MockClient) GenerateText(ctx context.Context, prompt string, opts *Options) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.CallCount
	c.CallCount++
	c.LastPrompt = prompt
	c.LastOptions = opts
	c.Prompts = append(c.Prompts, prompt)

	if c.Script != nil {
		return c.Script(prompt, opts)
	}
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Responses) == 0 {
		return "", nil
	}
	if idx >= len(c.Responses) {
		idx = len(c.Responses) - 1
	}
	return c.Responses[idx], nil
}
