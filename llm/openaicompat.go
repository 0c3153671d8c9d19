package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/ratelimit"
)

func init() {
	MustRegister(&openAICompatFactory{})
}

type openAICompatFactory struct{}

func (f *openAICompatFactory) Name() string { return "openaicompat" }

func (f *openAICompatFactory) Description() string {
	return "Any OpenAI-compatible chat-completions endpoint"
}

func (f *openAICompatFactory) Create(config *ProviderConfig) Client {
	return NewOpenAICompatClient(config)
}

func (f *openAICompatFactory) DetectEnvironment() (int, bool) {
	if os.Getenv("MINDFORGE_LLM_API_KEY") != "" || os.Getenv("OPENAI_API_KEY") != "" {
		return 100, true
	}
	// Keyless local endpoints (e.g. Ollama's compatibility mode)
	if os.Getenv("MINDFORGE_LLM_BASE_URL") != "" {
		return 50, true
	}
	return 0, false
}

// OpenAICompatClient speaks the chat-completions wire shape over net/http.
type OpenAICompatClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// NewOpenAICompatClient creates a client from config, falling back to the
// environment for credentials.
func NewOpenAICompatClient(config *ProviderConfig) *OpenAICompatClient {
	if config == nil {
		config = &ProviderConfig{}
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = firstNonEmpty(os.Getenv("MINDFORGE_LLM_API_KEY"), os.Getenv("OPENAI_API_KEY"))
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = firstNonEmpty(os.Getenv("MINDFORGE_LLM_BASE_URL"), "https://api.openai.com/v1")
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &OpenAICompatClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      config.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     core.ComponentLogger(logger, "llm"),
	}
}

// GenerateText issues a chat-completions request and returns the first
// choice's content.
func (c *OpenAICompatClient) GenerateText(ctx context.Context, prompt string, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}

	model := opts.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return "", &Error{Message: "no model configured", Type: ErrTypeModelNotFound}
	}

	messages := []map[string]string{}
	if opts.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": opts.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	reqBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if opts.MaxTokens > 0 {
		reqBody["max_tokens"] = opts.MaxTokens
	}
	reqBody["temperature"] = opts.Temperature
	if len(opts.Stop) > 0 {
		reqBody["stop"] = opts.Stop
	}
	if opts.JSONMode {
		reqBody["response_format"] = map[string]string{"type": "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ratelimit.ErrTransient, &Error{
				Message: "request failed", Type: ErrTypeConnection, Details: err.Error(),
			})
		}
		return "", &Error{Message: "request failed", Type: ErrTypeConnection, Details: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Message: "failed to read response", Type: ErrTypeConnection, Details: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, body)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Message: "failed to parse response", Type: ErrTypeBadResponse, Details: err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Message: "no choices in response", Type: ErrTypeBadResponse}
	}

	return parsed.Choices[0].Message.Content, nil
}

// classifyHTTPError maps status codes to structured errors; 429 and 5xx are
// transient and retried by the rate limiter.
func classifyHTTPError(status int, body []byte) error {
	detail := string(body)
	if len(detail) > 500 {
		detail = detail[:500]
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ratelimit.ErrTransient, &Error{
			Message: "rate limited by provider", Type: ErrTypeRateLimit, Details: detail,
		})
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ratelimit.ErrPermanent, &Error{
			Message: "authentication failed", Type: ErrTypeAuth, Details: detail,
		})
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ratelimit.ErrPermanent, &Error{
			Message: "model not found", Type: ErrTypeModelNotFound, Details: detail,
		})
	case status >= 500:
		return fmt.Errorf("%w: %v", ratelimit.ErrTransient, &Error{
			Message: fmt.Sprintf("provider error (status %d)", status), Type: ErrTypeProvider, Details: detail,
		})
	default:
		return fmt.Errorf("%w: %v", ratelimit.ErrPermanent, &Error{
			Message: fmt.Sprintf("provider error (status %d)", status), Type: ErrTypeProvider, Details: detail,
		})
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
