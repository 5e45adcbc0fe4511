package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CompletionRequest is the normalized request sent to the generation service.
type CompletionRequest struct {
	UserID       string   `json:"user_id"`
	SessionID    string   `json:"session_id"`
	TurnID       string   `json:"turn_id"`
	SystemPrompt string   `json:"system_prompt"`
	InputText    string   `json:"input_text"`
	History      []string `json:"history,omitempty"`
	// ForceJSON constrains the reply to a single JSON document; used by the
	// fact extractor's structured mode.
	ForceJSON bool `json:"force_json,omitempty"`
}

// CompletionResponse is the generation service's reply.
type CompletionResponse struct {
	Text string `json:"text"`
}

// Adapter bridges the assistant with a text generation backend.
type Adapter interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// NewAdapter builds an adapter for the configured mode. "auto" picks OpenAI
// when a key is present and falls back to the offline mock otherwise.
func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIAdapter(cfg), nil
		}
		return NewMockAdapter(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}
