// MockProvider 的 LLM 提供商测试模拟实现。
//
// 按脚本逐次返回流式回复，支持文本分块、工具调用与错误注入，
// 并记录每次请求供断言使用。
package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
)

// --- 脚本回复 ---

// Reply 是一次 Stream 调用的脚本化回复
type Reply struct {
	// Chunks 依次作为文本增量发送
	Chunks []string
	// ToolCalls 在文本之后发送，每个调用一个增量
	ToolCalls []types.ToolCall
	// Err 非空时 Stream 直接返回该错误
	Err error
	// StreamErr 非空时在文本之后以错误块结束流
	StreamErr *types.Error
}

// TextReply 返回按空格切分的文本回复
func TextReply(text string) Reply {
	var chunks []string
	for i, w := range strings.SplitAfter(text, " ") {
		if w == "" && i > 0 {
			continue
		}
		chunks = append(chunks, w)
	}
	return Reply{Chunks: chunks}
}

// ToolReply 返回只包含工具调用的回复
func ToolReply(calls ...types.ToolCall) Reply {
	return Reply{ToolCalls: calls}
}

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的脚本化实现
type MockProvider struct {
	mu sync.Mutex

	script   []Reply
	fallback *Reply
	replyFn  func(req *llm.ChatRequest) Reply

	requests []*llm.ChatRequest
}

// NewMockProvider 创建新的 MockProvider
func NewMockProvider(script ...Reply) *MockProvider {
	return &MockProvider{script: script}
}

// WithReplies 追加脚本回复
func (m *MockProvider) WithReplies(replies ...Reply) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
	return m
}

// WithFallback 设置脚本耗尽后重复使用的回复
func (m *MockProvider) WithFallback(r Reply) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &r
	return m
}

// WithReplyFunc 设置按请求生成回复的函数，优先于脚本
func (m *MockProvider) WithReplyFunc(fn func(req *llm.ChatRequest) Reply) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyFn = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string { return "mock" }

// Stream 按脚本返回下一条回复
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	reply := m.next(req)
	if reply.Err != nil {
		return nil, reply.Err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		send := func(c llm.StreamChunk) bool {
			c.ID, c.Provider, c.Model = "mock-chunk-id", "mock", req.Model
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		for _, text := range reply.Chunks {
			if !send(llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, Content: text}}) {
				return
			}
		}
		for _, tc := range reply.ToolCalls {
			if !send(llm.StreamChunk{Delta: types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{tc}}}) {
				return
			}
		}
		if reply.StreamErr != nil {
			send(llm.StreamChunk{Err: reply.StreamErr})
			return
		}
		finish := "stop"
		if len(reply.ToolCalls) > 0 {
			finish = "tool_calls"
		}
		send(llm.StreamChunk{FinishReason: finish, Usage: &llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}})
	}()
	return ch, nil
}

func (m *MockProvider) next(req *llm.ChatRequest) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, cloneRequest(req))

	if m.replyFn != nil {
		return m.replyFn(req)
	}
	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		return r
	}
	if m.fallback != nil {
		return *m.fallback
	}
	return TextReply("Mock response.")
}

func cloneRequest(req *llm.ChatRequest) *llm.ChatRequest {
	c := *req
	c.Messages = append([]types.Message(nil), req.Messages...)
	c.Tools = append([]types.ToolSchema(nil), req.Tools...)
	return &c
}

// --- 查询方法 ---

// Requests 获取所有请求记录
func (m *MockProvider) Requests() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.requests...)
}

// CallCount 获取调用次数
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// LastRequest 获取最后一次请求
func (m *MockProvider) LastRequest() *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

var _ llm.Provider = (*MockProvider)(nil)
