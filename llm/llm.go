package llm

import (
	"context"
	"fmt"

	"github.com/fabfab/ragbench/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Options selects a provider and its generation parameters. A nil
// Temperature and zero MaxTokens leave the provider defaults in place.
type Options struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature *float32
	MaxTokens   int

	OllamaHost string
}

func NewClient(opts Options) (Client, error) {
	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai provider selected for %s but no api key set", opts.Model)
		}
		return NewOpenAIClient(opts), nil
	case config.ProviderAnthropic:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected for %s but no api key set", opts.Model)
		}
		return NewAnthropicClient(opts), nil
	case config.ProviderGemini:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("gemini provider selected for %s but no api key set", opts.Model)
		}
		return NewGeminiClient(context.Background(), opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

// BackendOptions maps a configured answer backend onto client options.
func BackendOptions(cfg config.Config, b config.BackendConfig) Options {
	return Options{
		Provider:    b.Provider,
		Model:       b.Model,
		BaseURL:     b.BaseURL,
		APIKey:      b.APIKey,
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
		OllamaHost:  cfg.OllamaHost,
	}
}

// JudgeOptions maps the judge configuration onto client options.
func JudgeOptions(cfg config.Config) Options {
	j := cfg.Judge
	apiKey := j.APIKey
	if apiKey == "" && j.Provider == config.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	return Options{
		Provider:    j.Provider,
		Model:       j.Model,
		BaseURL:     j.BaseURL,
		APIKey:      apiKey,
		Temperature: j.Temperature,
		OllamaHost:  cfg.OllamaHost,
	}
}

// splitSystem separates system messages, which some providers take as a
// dedicated parameter, from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var (
		system string
		rest   = make([]Message, 0, len(messages))
	)
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
