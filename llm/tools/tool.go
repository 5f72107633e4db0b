package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/turnflow/types"
)

// GenericHandoffToolName is the tool that hands off to any allow-listed agent by name.
const GenericHandoffToolName = "handoff_to_agent"

// Tool is a capability an agent can call.
type Tool interface {
	Name() string
	Schema() types.ToolSchema
	Execute(ctx context.Context, args json.RawMessage) (Result, error)
}

// MapFunc is the shape of most business tools: decoded args in, a JSON object out.
type MapFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// FuncTool adapts a MapFunc. Its result is interpreted with ResultFromMap,
// so a plain function can still request a handoff.
type FuncTool struct {
	schema types.ToolSchema
	fn     MapFunc
}

// NewFuncTool wraps fn under schema.
func NewFuncTool(schema types.ToolSchema, fn MapFunc) *FuncTool {
	return &FuncTool{schema: schema, fn: fn}
}

func (t *FuncTool) Name() string             { return t.schema.Name }
func (t *FuncTool) Schema() types.ToolSchema { return t.schema }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	decoded, err := decodeArgs(args)
	if err != nil {
		return nil, err
	}
	out, err := t.fn(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return ResultFromMap(out)
}

// HandoffTool is a statically declared trigger: calling it requests the
// transfer the routing graph maps its name to.
type HandoffTool struct {
	schema types.ToolSchema
}

// NewHandoffTool declares a trigger tool. Its arguments become handoff context.
func NewHandoffTool(name, description string) *HandoffTool {
	return &HandoffTool{schema: types.ToolSchema{
		Name:        name,
		Description: description,
		Parameters: types.ObjectSchema(nil, map[string]string{
			"reason":  "Why the caller needs the other agent",
			"details": "Anything the next agent should know",
		}),
	}}
}

func (t *HandoffTool) Name() string             { return t.schema.Name }
func (t *HandoffTool) Schema() types.ToolSchema { return t.schema }

func (t *HandoffTool) Execute(_ context.Context, args json.RawMessage) (Result, error) {
	decoded, err := decodeArgs(args)
	if err != nil {
		return nil, types.NewError(types.ErrHandoffMalformed, "handoff arguments").WithCause(err)
	}
	decoded[KeyHandoff] = true
	return Handoff{Data: decoded}, nil
}

// GenericHandoffTool hands off to a target named in its arguments.
type GenericHandoffTool struct{}

func (GenericHandoffTool) Name() string { return GenericHandoffToolName }

func (GenericHandoffTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        GenericHandoffToolName,
		Description: "Transfer the conversation to another specialist agent by name.",
		Parameters: types.ObjectSchema([]string{KeyTargetAgent}, map[string]string{
			KeyTargetAgent: "Name of the agent to transfer to",
			"reason":       "Why the transfer is needed",
		}),
	}
}

func (GenericHandoffTool) Execute(_ context.Context, args json.RawMessage) (Result, error) {
	decoded, err := decodeArgs(args)
	if err != nil {
		return nil, types.NewError(types.ErrHandoffMalformed, "handoff arguments").WithCause(err)
	}
	decoded[KeyHandoff] = true
	res, err := ResultFromMap(decoded)
	if err != nil {
		return nil, err
	}
	if h := res.(Handoff); h.Target == "" {
		return nil, types.Errorf(types.ErrHandoffMalformed, "%s requires %q", GenericHandoffToolName, KeyTargetAgent)
	}
	return res, nil
}

func decodeArgs(args json.RawMessage) (map[string]any, error) {
	decoded := map[string]any{}
	if len(args) == 0 {
		return decoded, nil
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

var (
	_ Tool = (*FuncTool)(nil)
	_ Tool = (*HandoffTool)(nil)
	_ Tool = GenericHandoffTool{}
)
