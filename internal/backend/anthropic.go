package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// EnvAnthropicAPIKey authenticates the anthropic backend.
const EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// DefaultAnthropicMaxTokens bounds the response when the caller sets no
// budget; the Messages API requires an explicit cap.
const DefaultAnthropicMaxTokens = 1024

// Anthropic targets the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
	log    *slog.Logger
}

// NewAnthropic builds the backend.
func NewAnthropic(apiKey, model string, logger *slog.Logger) *Anthropic {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model, log: logger}
}

// SupportsMessages reports that prebuilt message lists are accepted.
func (b *Anthropic) SupportsMessages() bool { return true }

func (b *Anthropic) buildParams(prompt string, p Params) anthropic.MessageNewParams {
	model := p.Model
	if model == "" {
		model = b.model
	}
	maxTokens := DefaultAnthropicMaxTokens
	if p.MaxTokens != nil {
		maxTokens = *p.MaxTokens
	}

	var messages []anthropic.MessageParam
	systemText := p.SystemPrompt
	for _, msg := range p.Messages {
		switch string(msg.Role) {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case "system":
			// The Messages API carries system text out of band.
			if systemText == "" {
				systemText = msg.Content
			} else {
				systemText += "\n\n" + msg.Content
			}
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(messages) == 0 {
		messages = []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemText}}
	}
	if p.Temperature != nil {
		params.Temperature = anthropic.Float(*p.Temperature)
	}
	if p.TopP != nil {
		params.TopP = anthropic.Float(*p.TopP)
	}
	return params
}

// Complete issues one Messages API call, streaming when requested.
func (b *Anthropic) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	params := b.buildParams(prompt, p)
	b.log.Debug("anthropic request", "role", p.Role, "model", string(params.Model), "stream", p.Stream)

	if !p.Stream {
		msg, err := b.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("anthropic completion: %w", err)
		}
		var parts strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				parts.WriteString(block.Text)
			}
		}
		return parts.String(), nil
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	var parts strings.Builder
	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		parts.WriteString(delta.Text)
		if p.StreamCallback != nil {
			p.StreamCallback(delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return parts.String(), nil
}

func init() {
	mustRegister("anthropic", func(opts Options) (Backend, error) {
		apiKey := os.Getenv(EnvAnthropicAPIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic backend requires %s", EnvAnthropicAPIKey)
		}
		return NewAnthropic(apiKey, opts.Model, opts.Logger), nil
	})
}
