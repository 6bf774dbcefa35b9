package producer

import (
	"context"
	"errors"
	"strings"

	"echo-transcript/internal/history"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicSource streams the Messages API. Thinking deltas become reasoning.
type AnthropicSource struct {
	api   *anthropic.Client
	model string
}

func NewAnthropicSource(opts SourceOptions) (*AnthropicSource, error) {
	token := strings.TrimSpace(opts.APIKey)
	if token == "" {
		return nil, errors.New("missing ANTHROPIC_API_KEY")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(token)}
	if base := normalizeAnthropicURL(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(reqOpts...)
	return &AnthropicSource{api: &client, model: strings.TrimSpace(opts.Model)}, nil
}

// the SDK appends /v1 itself
func normalizeAnthropicURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	return strings.TrimRight(strings.TrimSuffix(base, "/v1"), "/")
}

func (s *AnthropicSource) Name() string { return "anthropic" }

func (s *AnthropicSource) Stream(ctx context.Context, req StreamRequest, yield func(Chunk) error) (Completion, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.model
	}
	stream := s.api.Messages.NewStreaming(ctx, anthropicParams(req, anthropic.Model(model)))
	defer stream.Close()

	usage := &history.TokenUsage{}
	for stream.Next() {
		switch v := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = v.Message.Usage.InputTokens
			usage.CachedInputTokens = v.Message.Usage.CacheReadInputTokens
		case anthropic.ContentBlockDeltaEvent:
			var c Chunk
			switch d := v.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				c.Text = d.Text
			case anthropic.ThinkingDelta:
				c.Reasoning = d.Thinking
			default:
				continue
			}
			if err := yield(c); err != nil {
				return Completion{}, err
			}
		case anthropic.MessageDeltaEvent:
			usage.OutputTokens = v.Usage.OutputTokens
		case anthropic.MessageStopEvent:
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			return Completion{Usage: usage}, nil
		}
	}
	if err := stream.Err(); err != nil {
		return Completion{}, err
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return Completion{Usage: usage}, nil
}

func anthropicParams(req StreamRequest, model anthropic.Model) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	if sys := strings.TrimSpace(req.System); sys != "" {
		system = append(system, anthropic.TextBlockParam{Text: sys})
	}
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		switch msg.Role {
		case history.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: text})
		case history.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}
