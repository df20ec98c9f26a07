package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/spectator/internal/prompts"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// Environment variables read by LlamaConfigFromEnv.
const (
	EnvLlamaBaseURL   = "LLAMA_SERVER_BASE_URL"
	EnvLlamaTimeoutS  = "LLAMA_SERVER_TIMEOUT_S"
	EnvLlamaAPIKey    = "LLAMA_SERVER_API_KEY"
	EnvLlamaModel     = "LLAMA_SERVER_MODEL"
	EnvLlamaResetSlot = "LLAMA_SERVER_RESET_SLOT"
	EnvLlamaSlotID    = "LLAMA_SERVER_SLOT_ID"
)

// DefaultLlamaBaseURL targets a llama-server on the local host.
const DefaultLlamaBaseURL = "http://127.0.0.1:8080"

// DefaultLlamaTimeoutS bounds one completion call end to end.
const DefaultLlamaTimeoutS = 60.0

// LlamaConfig holds the llama-server connection settings.
type LlamaConfig struct {
	BaseURL   string  `yaml:"base_url" json:"base_url"`
	TimeoutS  float64 `yaml:"timeout_s" json:"timeout_s"`
	APIKey    string  `yaml:"api_key" json:"api_key"`
	Model     string  `yaml:"model" json:"model"`
	ResetSlot bool    `yaml:"reset_slot" json:"reset_slot"`
	SlotID    int     `yaml:"slot_id" json:"slot_id"`
}

// LlamaConfigFromEnv reads the LLAMA_SERVER_* variables, falling back
// to defaults for unset or unparsable values.
func LlamaConfigFromEnv() LlamaConfig {
	return LlamaConfig{
		BaseURL:   envString(EnvLlamaBaseURL, DefaultLlamaBaseURL),
		TimeoutS:  envFloat(EnvLlamaTimeoutS, DefaultLlamaTimeoutS),
		APIKey:    os.Getenv(EnvLlamaAPIKey),
		Model:     os.Getenv(EnvLlamaModel),
		ResetSlot: envBool(EnvLlamaResetSlot, false),
		SlotID:    envInt(EnvLlamaSlotID, 0),
	}
}

// Llama speaks the llama-server OpenAI-compatible chat endpoint. It
// always pins deterministic decoding defaults (temperature 0, top_p 1,
// seed 7) and disables prompt caching unless told otherwise.
type Llama struct {
	cfg    LlamaConfig
	client *http.Client
	log    *slog.Logger

	mu        sync.Mutex
	resetRuns map[string]struct{}
}

// NewLlama builds a llama-server backend. Zero-valued config fields are
// filled with defaults.
func NewLlama(cfg LlamaConfig, logger *slog.Logger) *Llama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLlamaBaseURL
	}
	if cfg.TimeoutS <= 0 {
		cfg.TimeoutS = DefaultLlamaTimeoutS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Llama{
		cfg:       cfg,
		client:    &http.Client{Timeout: time.Duration(cfg.TimeoutS * float64(time.Second))},
		log:       logger,
		resetRuns: map[string]struct{}{},
	}
}

// SupportsMessages reports that prebuilt message lists are accepted.
func (b *Llama) SupportsMessages() bool { return true }

type llamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// llamaPayload keeps temperature and cache_prompt unconditionally in
// the wire form: the server must see the literal zero and false.
type llamaPayload struct {
	Messages    []llamaMessage `json:"messages"`
	Model       string         `json:"model,omitempty"`
	CachePrompt bool           `json:"cache_prompt"`
	Temperature float64        `json:"temperature"`
	TopP        float64        `json:"top_p"`
	MaxTokens   int            `json:"max_tokens"`
	Seed        int            `json:"seed"`
	Stream      bool           `json:"stream,omitempty"`
}

// systemRules builds the rules preamble, naming the model when known.
func systemRules(model string) string {
	modelLine := "The underlying model is unknown."
	if model != "" {
		modelLine = "The underlying model is " + model + "."
	}
	return prompts.LlamaRules() + " " + modelLine
}

// ensureSystemRules prefixes the rules onto an existing system message
// or prepends a fresh one.
func ensureSystemRules(messages []llamaMessage, systemText string) []llamaMessage {
	for i, msg := range messages {
		if msg.Role != "system" {
			continue
		}
		if strings.TrimSpace(msg.Content) != "" {
			messages[i].Content = systemText + "\n\n" + msg.Content
		} else {
			messages[i].Content = systemText
		}
		return messages
	}
	return append([]llamaMessage{{Role: "system", Content: systemText}}, messages...)
}

func (b *Llama) buildPayload(prompt string, p Params) llamaPayload {
	model := p.Model
	if model == "" {
		model = b.cfg.Model
	}

	payload := llamaPayload{
		Model:       model,
		CachePrompt: false,
		Temperature: 0,
		TopP:        1,
		MaxTokens:   512,
		Seed:        7,
		Stream:      p.Stream,
	}
	if p.Temperature != nil {
		payload.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		payload.TopP = *p.TopP
	}
	if p.MaxTokens != nil {
		payload.MaxTokens = *p.MaxTokens
	}
	if p.Seed != nil {
		payload.Seed = *p.Seed
	}

	merged := systemRules(model)
	if p.SystemPrompt != "" {
		merged += "\n\n" + p.SystemPrompt
	}

	messages := make([]llamaMessage, 0, len(p.Messages)+1)
	for _, msg := range p.Messages {
		messages = append(messages, llamaMessage{Role: string(msg.Role), Content: msg.Content})
	}
	if len(messages) == 0 {
		messages = []llamaMessage{{Role: "user", Content: prompt}}
	}
	payload.Messages = ensureSystemRules(messages, merged)
	return payload
}

func (b *Llama) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}

type llamaChoice struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Delta *struct {
		Content *string `json:"content"`
	} `json:"delta"`
	Text *string `json:"text"`
}

type llamaResponse struct {
	Choices []llamaChoice `json:"choices"`
}

func extractContent(resp llamaResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	first := resp.Choices[0]
	if first.Message != nil && first.Message.Content != nil {
		return *first.Message.Content
	}
	if first.Text != nil {
		return *first.Text
	}
	return ""
}

func extractDelta(resp llamaResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	first := resp.Choices[0]
	if first.Delta != nil && first.Delta.Content != nil {
		return *first.Delta.Content
	}
	if first.Text != nil {
		return *first.Text
	}
	return ""
}

// Complete posts to /v1/chat/completions, streaming when requested.
func (b *Llama) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	payload := b.buildPayload(prompt, p)
	b.log.Debug("llama request", "role", p.Role, "payload", models.CompactJSON(payload))

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode llama payload: %w", err)
	}
	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build llama request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llama server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if !payload.Stream {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("read llama response: %w", err)
		}
		var decoded llamaResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", fmt.Errorf("decode llama response: %w", err)
		}
		return extractContent(decoded), nil
	}
	return b.readStream(resp.Body, p.StreamCallback)
}

// readStream consumes SSE lines until [DONE], concatenating deltas.
func (b *Llama) readStream(body io.Reader, callback StreamCallback) (string, error) {
	var parts strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var decoded llamaResponse
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			continue
		}
		delta := extractDelta(decoded)
		if delta == "" {
			continue
		}
		parts.WriteString(delta)
		if callback != nil {
			callback(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read llama stream: %w", err)
	}
	return parts.String(), nil
}

// ResetSlotCache erases the configured server slot once per run id.
// Failures surface as a warning trace event, never an error: a stale
// slot only costs determinism, not correctness.
func (b *Llama) ResetSlotCache(ctx context.Context, runID string, tracer *trace.Writer) {
	if !b.cfg.ResetSlot {
		return
	}
	token := runID
	if token == "" {
		token = "default"
	}
	b.mu.Lock()
	if _, done := b.resetRuns[token]; done {
		b.mu.Unlock()
		return
	}
	b.resetRuns[token] = struct{}{}
	b.mu.Unlock()

	url := fmt.Sprintf("%s/slots/%d?action=erase", strings.TrimRight(b.cfg.BaseURL, "/"), b.cfg.SlotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err == nil {
		var resp *http.Response
		resp, err = b.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 400 {
				return
			}
			err = fmt.Errorf("llama server returned %s", resp.Status)
		}
	}

	b.log.Warn("llama slot reset failed", "run_id", runID, "slot", b.cfg.SlotID, "error", err)
	if tracer != nil {
		_ = tracer.Emit(models.EventWarning, map[string]any{
			"backend": "llama",
			"message": "Failed to reset llama slot cache.",
			"error":   err.Error(),
		})
	}
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func init() {
	mustRegister("llama", func(opts Options) (Backend, error) {
		cfg := LlamaConfigFromEnv()
		if opts.Llama != nil {
			cfg = *opts.Llama
		}
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		if opts.Model != "" {
			cfg.Model = opts.Model
		}
		return NewLlama(cfg, opts.Logger), nil
	})
}
