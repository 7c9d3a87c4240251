package llm

import (
	"context"
	"fmt"

	"github.com/voocel/litellm"
)

// LiteLLMClient is the default Client over the litellm multi-provider
// gateway.
type LiteLLMClient struct {
	client *litellm.Client
	model  string
}

// LiteLLMConfig selects provider and model.
type LiteLLMConfig struct {
	Provider    string // openai | anthropic
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewLiteLLMClient builds the client for the configured provider.
func NewLiteLLMClient(cfg LiteLLMConfig) (*LiteLLMClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: missing model")
	}
	var client *litellm.Client
	switch cfg.Provider {
	case "anthropic":
		if cfg.BaseURL != "" {
			client = litellm.New(
				litellm.WithAnthropic(cfg.APIKey, cfg.BaseURL),
				litellm.WithDefaults(cfg.MaxTokens, cfg.Temperature),
			)
		} else {
			client = litellm.New(
				litellm.WithAnthropic(cfg.APIKey),
				litellm.WithDefaults(cfg.MaxTokens, cfg.Temperature),
			)
		}
	default:
		if cfg.BaseURL != "" {
			client = litellm.New(
				litellm.WithOpenAI(cfg.APIKey, cfg.BaseURL),
				litellm.WithDefaults(cfg.MaxTokens, cfg.Temperature),
			)
		} else {
			client = litellm.New(
				litellm.WithOpenAI(cfg.APIKey),
				litellm.WithDefaults(cfg.MaxTokens, cfg.Temperature),
			)
		}
	}
	return &LiteLLMClient{client: client, model: cfg.Model}, nil
}

// Complete sends one completion request.
func (c *LiteLLMClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]litellm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = litellm.Message{Role: m.Role, Content: m.Content}
	}
	var tools []litellm.Tool
	for _, t := range req.Tools {
		tools = append(tools, litellm.Tool{
			Type: "function",
			Function: litellm.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := c.client.Chat(ctx, &litellm.Request{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: completion failed: %w", err)
	}

	out := &Response{Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: DecodeArgs(tc.Function.Arguments),
		})
	}
	return out, nil
}
