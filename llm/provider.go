package llm

import (
	"context"

	"github.com/BaSui01/turnflow/types"
)

// ChatRequest is one streaming completion request.
type ChatRequest struct {
	TraceID     string             `json:"trace_id,omitempty"`
	Model       string             `json:"model,omitempty"`
	Messages    []types.Message    `json:"messages"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  string             `json:"tool_choice,omitempty"` // auto/none/<tool name>
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
}

// ChatUsage reports token accounting on the final chunk, when the upstream sends it.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// StreamChunk is one incremental piece of a streamed completion.
// Tool call deltas arrive keyed by id and may split arguments across chunks.
type StreamChunk struct {
	ID           string        `json:"id,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Delta        types.Message `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *ChatUsage    `json:"usage,omitempty"`
	Err          *types.Error  `json:"error,omitempty"`
}

// Provider 定义流式补全客户端。工具调用通过 ChatRequest.Tools 传递，
// 模型在增量中返回 ToolCalls，具体执行由 llm/tools 负责。
type Provider interface {
	// Stream 发起流式请求；ctx 取消时通道关闭
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Name 返回 Provider 的唯一标识
	Name() string
}
