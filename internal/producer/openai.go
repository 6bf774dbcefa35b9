package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"echo-transcript/internal/history"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// SourceOptions configures a network-backed DeltaSource.
type SourceOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAISource streams chat completions.
type OpenAISource struct {
	api   *openai.Client
	model string
}

func NewOpenAISource(opts SourceOptions) (*OpenAISource, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}
	cfg := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		cfg = append(cfg, option.WithBaseURL(strings.TrimRight(base, "/")))
	}
	client := openai.NewClient(cfg...)
	return &OpenAISource{api: &client, model: opts.Model}, nil
}

func (s *OpenAISource) Name() string { return "openai" }

func (s *OpenAISource) Stream(ctx context.Context, req StreamRequest, yield func(Chunk) error) (Completion, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = s.model
	}
	params := openai.ChatCompletionNewParams{
		Model:         shared.ChatModel(model),
		Messages:      toChatMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	stream := s.api.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var done Completion
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := yield(Chunk{Text: choice.Delta.Content}); err != nil {
				return done, err
			}
		}
		if u := chunk.Usage; u.TotalTokens > 0 {
			done.Usage = &history.TokenUsage{
				InputTokens:           u.PromptTokens,
				CachedInputTokens:     u.PromptTokensDetails.CachedTokens,
				OutputTokens:          u.CompletionTokens,
				ReasoningOutputTokens: u.CompletionTokensDetails.ReasoningTokens,
				TotalTokens:           u.TotalTokens,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return done, wrapOpenAIError(err)
	}
	return done, nil
}

func toChatMessages(req StreamRequest) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.System); sys != "" {
		out = append(out, openai.SystemMessage(sys))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case history.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case history.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		if raw := strings.TrimSpace(apiErr.RawJSON()); raw != "" {
			return fmt.Errorf("http_%d: %s", apiErr.StatusCode, raw)
		}
		return fmt.Errorf("http_%d: %v", apiErr.StatusCode, err)
	}
	return err
}
