package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/spectator/pkg/models"
)

// EnvOpenAIAPIKey authenticates the openai backend.
const EnvOpenAIAPIKey = "OPENAI_API_KEY"

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAI targets OpenAI-compatible chat completion services.
type OpenAI struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAI builds the backend. baseURL overrides the public endpoint
// for compatible services.
func NewOpenAI(apiKey, baseURL, model string, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, log: logger}
}

// SupportsMessages reports that prebuilt message lists are accepted.
func (b *OpenAI) SupportsMessages() bool { return true }

func (b *OpenAI) buildRequest(prompt string, p Params) openai.ChatCompletionRequest {
	model := p.Model
	if model == "" {
		model = b.model
	}

	var messages []openai.ChatCompletionMessage
	if p.SystemPrompt != "" && !hasSystemMessage(p.Messages) {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.SystemPrompt,
		})
	}
	for _, msg := range p.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if len(p.Messages) == 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		})
	}

	req := openai.ChatCompletionRequest{Model: model, Messages: messages, Seed: p.Seed}
	if p.Temperature != nil {
		req.Temperature = float32(*p.Temperature)
	}
	if p.TopP != nil {
		req.TopP = float32(*p.TopP)
	}
	if p.MaxTokens != nil {
		req.MaxTokens = *p.MaxTokens
	}
	return req
}

func hasSystemMessage(messages []models.ChatMessage) bool {
	for _, msg := range messages {
		if string(msg.Role) == "system" {
			return true
		}
	}
	return false
}

// Complete issues one chat completion, streaming when requested.
func (b *OpenAI) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	req := b.buildRequest(prompt, p)
	b.log.Debug("openai request", "role", p.Role, "model", req.Model, "stream", p.Stream)

	if !p.Stream {
		resp, err := b.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", fmt.Errorf("openai completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	}

	req.Stream = true
	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var parts strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("openai stream read: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		parts.WriteString(delta)
		if p.StreamCallback != nil {
			p.StreamCallback(delta)
		}
	}
	return parts.String(), nil
}

func init() {
	mustRegister("openai", func(opts Options) (Backend, error) {
		apiKey := os.Getenv(EnvOpenAIAPIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("openai backend requires %s", EnvOpenAIAPIKey)
		}
		return NewOpenAI(apiKey, opts.BaseURL, opts.Model, opts.Logger), nil
	})
}
