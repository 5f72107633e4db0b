// =============================================================================
// TurnFlow OpenAI-Compatible Streaming Client
// =============================================================================
// Streams chat completions from any endpoint speaking the OpenAI Chat
// Completions protocol (OpenAI, DeepSeek, Qwen, vLLM, Ollama, ...).
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/turnflow/internal/tlsutil"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider (e.g., "openai", "deepseek").
	ProviderName string `yaml:"provider_name" json:"provider_name" env:"PROVIDER_NAME"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key" json:"-" env:"API_KEY"`

	// BaseURL is the base URL for the provider's API (e.g., "https://api.openai.com").
	BaseURL string `yaml:"base_url" json:"base_url" env:"BASE_URL"`

	// DefaultModel is the model to use when none is specified in the request.
	DefaultModel string `yaml:"default_model" json:"default_model" env:"DEFAULT_MODEL"`

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string `yaml:"endpoint_path" json:"endpoint_path" env:"ENDPOINT_PATH"`
}

// Provider streams completions over SSE.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a new OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	body := wireRequest{
		Model:         model,
		Messages:      toWireMessages(req.Messages),
		Tools:         toWireTools(req.Tools),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if req.ToolChoice != "" && len(body.Tools) > 0 {
		body.ToolChoice = req.ToolChoice
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.TraceID != "" {
		httpReq.Header.Set("X-Request-ID", req.TraceID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		p.logger.Warn("completion request rejected", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, mapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// StreamSSE parses an SSE stream from an OpenAI-compatible API and returns a channel of StreamChunks.
// Tool call continuation deltas carry only an index; they are re-keyed to the id first seen at that index.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		upstreamErr := func(msg string) llm.StreamChunk {
			return llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, msg).
				WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(providerName)}
		}

		idByIndex := map[int]string{}
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					send(upstreamErr(err.Error()))
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp wireResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				send(upstreamErr(err.Error()))
				return
			}

			if len(oaResp.Choices) == 0 && oaResp.Usage != nil {
				if !send(llm.StreamChunk{ID: oaResp.ID, Provider: providerName, Model: oaResp.Model, Usage: toUsage(oaResp.Usage)}) {
					return
				}
				continue
			}

			for _, choice := range oaResp.Choices {
				chunk := llm.StreamChunk{
					ID:           oaResp.ID,
					Provider:     providerName,
					Model:        oaResp.Model,
					FinishReason: choice.FinishReason,
					Delta:        types.Message{Role: types.RoleAssistant},
					Usage:        toUsage(oaResp.Usage),
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					for _, tc := range choice.Delta.ToolCalls {
						id := tc.ID
						if tc.Index != nil {
							if id != "" {
								idByIndex[*tc.Index] = id
							} else {
								id = idByIndex[*tc.Index]
							}
						}
						chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, types.ToolCall{
							ID:        id,
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						})
					}
				}
				if !send(chunk) {
					return
				}
			}
		}
	}()
	return ch
}

func toUsage(u *wireUsage) *llm.ChatUsage {
	if u == nil {
		return nil
	}
	return &llm.ChatUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

var _ llm.Provider = (*Provider)(nil)
