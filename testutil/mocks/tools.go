// MockTool 的工具测试模拟实现。
//
// 支持固定结果、自定义函数与错误注入，并记录调用参数。
package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
)

// ToolFunc 工具执行函数类型
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// MockTool 是 tools.Tool 的模拟实现
type MockTool struct {
	mu     sync.Mutex
	schema types.ToolSchema
	fn     ToolFunc
	calls  []map[string]any
}

// NewMockTool 创建新的 MockTool；fn 为 nil 时返回 {"ok": true}
func NewMockTool(name string, fn ToolFunc) *MockTool {
	params, _ := json.Marshal(map[string]any{"type": "object"})
	return &MockTool{
		schema: types.ToolSchema{Name: name, Description: "Mock tool: " + name, Parameters: params},
		fn:     fn,
	}
}

// NewFailingTool 创建总是失败的工具
func NewFailingTool(name string, err error) *MockTool {
	return NewMockTool(name, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, err
	})
}

func (m *MockTool) Name() string             { return m.schema.Name }
func (m *MockTool) Schema() types.ToolSchema { return m.schema }

// Execute 执行工具并记录参数；map 结果按保留键解析为 Output 或 Handoff
func (m *MockTool) Execute(ctx context.Context, raw json.RawMessage) (tools.Result, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, args)
	fn := m.fn
	m.mu.Unlock()

	if fn == nil {
		return tools.Output{Payload: map[string]any{"ok": true}}, nil
	}
	out, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return tools.ResultFromMap(out)
}

// Calls 获取所有调用参数
func (m *MockTool) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.calls...)
}

// CallCount 获取调用次数
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ tools.Tool = (*MockTool)(nil)
