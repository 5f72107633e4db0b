// =============================================================================
// 📦 测试数据工厂 - 工具调用
// =============================================================================
// 提供预定义的工具调用，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"

	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
)

// ToolCall 构造工具调用，args 编码为 JSON
func ToolCall(id, name string, args map[string]any) types.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	raw, _ := json.Marshal(args)
	return types.ToolCall{ID: id, Name: name, Arguments: raw}
}

// HandoffCall 构造静态触发器调用
func HandoffCall(id, trigger, reason string) types.ToolCall {
	return ToolCall(id, trigger, map[string]any{"reason": reason})
}

// GenericHandoffCall 构造通用转移调用
func GenericHandoffCall(id, target string) types.ToolCall {
	return ToolCall(id, tools.GenericHandoffToolName, map[string]any{tools.KeyTargetAgent: target})
}
