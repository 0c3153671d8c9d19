package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/ratelimit"
)

// Dispatcher fronts a provider client with rate limiting, JSON-mode
// post-validation and structured error conversion. It implements Client, so
// it can be layered or swapped freely.
type Dispatcher struct {
	client  Client
	limiter *ratelimit.Limiter
	logger  core.Logger
	model   string
}

// NewDispatcher wires a provider client behind a rate limiter.
func NewDispatcher(client Client, limiter *ratelimit.Limiter, defaultModel string, logger core.Logger) *Dispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Dispatcher{
		client:  client,
		limiter: limiter,
		logger:  core.ComponentLogger(logger, "llm"),
		model:   defaultModel,
	}
}

// NewDispatcherFromConfig resolves the configured provider (or the best
// available one when the configured name is unknown) and builds a Dispatcher.
func NewDispatcherFromConfig(cfg *core.Config, logger core.Logger) (*Dispatcher, error) {
	name := cfg.LLM.Provider
	factory, ok := GetProvider(name)
	if !ok {
		detected, err := DetectBestProvider(logger)
		if err != nil {
			return nil, err
		}
		factory, _ = GetProvider(detected)
		name = detected
	}

	client := factory.Create(&ProviderConfig{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		Logger:         logger,
	})

	limiter := ratelimit.New(&ratelimit.Config{
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		MaxRetries:        cfg.LLM.MaxRetries,
		Logger:            logger,
	})

	if logger != nil {
		logger.Info("LLM dispatcher initialized", map[string]interface{}{
			"operation": "llm_dispatch_init",
			"provider":  name,
			"model":     cfg.LLM.Model,
			"rpm":       cfg.LLM.RequestsPerMinute,
		})
	}

	return NewDispatcher(client, limiter, cfg.LLM.Model, logger), nil
}

// GenerateText paces the provider call, retries transient failures and
// returns either the content string or a structured error.
func (d *Dispatcher) GenerateText(ctx context.Context, prompt string, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Model == "" {
		opts.Model = d.model
	}

	var content string
	call := func(ctx context.Context) error {
		var err error
		content, err = d.client.GenerateText(ctx, prompt, opts)
		return err
	}

	if callErr := d.limiter.Call(ctx, call); callErr != nil {
		d.logger.ErrorWithContext(ctx, "LLM call failed", map[string]interface{}{
			"operation":  "llm_generate",
			"model":      opts.Model,
			"error":      Redact(callErr.Error()),
			"error_type": errTypeOf(callErr),
		})
		if errors.Is(callErr, core.ErrRateLimited) {
			return "", callErr
		}
		return "", core.NewKernelError("llm.GenerateText", core.KindLLMError, callErr)
	}

	if opts.JSONMode && !looksLikeJSON(content) {
		d.logger.WarnWithContext(ctx, "json_mode requested but output is not a JSON document", map[string]interface{}{
			"operation": "llm_generate",
			"model":     opts.Model,
			"prefix":    prefix(content, 80),
		})
	}

	return content, nil
}

func errTypeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Type
	}
	return "unknown"
}

func looksLikeJSON(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if json.Valid([]byte(trimmed)) {
		return true
	}
	_, err := ExtractJSON(trimmed)
	return err == nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Redact masks API-key-shaped substrings before they reach logs.
func Redact(s string) string {
	for _, marker := range []string{"sk-", "Bearer "} {
		for {
			idx := strings.Index(s, marker)
			if idx < 0 {
				break
			}
			end := idx + len(marker)
			for end < len(s) && isKeyChar(s[end]) {
				end++
			}
			if end == idx+len(marker) {
				break
			}
			s = s[:idx] + marker + "***" + s[end:]
		}
	}
	return s
}

func isKeyChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}
