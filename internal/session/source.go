package session

import (
	"fmt"
	"os"
	"strings"

	"echo-transcript/internal/config"
	"echo-transcript/internal/producer"
)

// OfflineReply is what the scripted provider answers with.
const OfflineReply = "No model provider is configured, so this is a scripted reply. Set model.provider to openai or anthropic to talk to a real model."

// NewSource builds the stream source named by cfg.Provider. The token falls
// back to the provider's usual environment variable.
func NewSource(cfg config.ModelConfig) (producer.DeltaSource, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	opts := producer.SourceOptions{
		APIKey:  strings.TrimSpace(cfg.Token),
		BaseURL: strings.TrimSpace(cfg.URL),
		Model:   strings.TrimSpace(cfg.Name),
	}
	switch provider {
	case "openai":
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if opts.BaseURL == "" {
			opts.BaseURL = os.Getenv("OPENAI_BASE_URL")
		}
		return producer.NewOpenAISource(opts)
	case "anthropic":
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if opts.BaseURL == "" {
			opts.BaseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		return producer.NewAnthropicSource(opts)
	case "", "scripted", "offline":
		return producer.NewScriptedSource(OfflineReply), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}
