package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/turnflow/types"
)

type toolCallAccumulator struct {
	id           string
	name         string
	argsFinal    json.RawMessage
	argsBuilding strings.Builder
}

// StreamAssembler folds stream chunks into the assistant message they describe.
// It is not safe for concurrent use.
type StreamAssembler struct {
	content       strings.Builder
	toolCallOrder []string
	toolCallByID  map[string]*toolCallAccumulator
	lastIndexID   string

	ID           string
	Model        string
	FinishReason string
	Usage        *ChatUsage
}

// NewStreamAssembler creates an empty assembler.
func NewStreamAssembler() *StreamAssembler {
	return &StreamAssembler{toolCallByID: make(map[string]*toolCallAccumulator)}
}

// Add consumes one chunk and returns the text it contributed.
func (a *StreamAssembler) Add(chunk StreamChunk) (string, error) {
	if chunk.Err != nil {
		return "", chunk.Err
	}
	if chunk.ID != "" {
		a.ID = chunk.ID
	}
	if chunk.Model != "" {
		a.Model = chunk.Model
	}
	if chunk.FinishReason != "" {
		a.FinishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		a.Usage = chunk.Usage
	}

	a.content.WriteString(chunk.Delta.Content)

	for _, tc := range chunk.Delta.ToolCalls {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			// continuation deltas often omit the id; attach them to the latest call
			id = a.lastIndexID
		}
		if id == "" {
			id = fmt.Sprintf("call_%d", len(a.toolCallOrder)+1)
		}
		acc := a.toolCallByID[id]
		if acc == nil {
			acc = &toolCallAccumulator{id: id}
			a.toolCallByID[id] = acc
			a.toolCallOrder = append(a.toolCallOrder, id)
		}
		a.lastIndexID = id
		if name := strings.TrimSpace(tc.Name); name != "" {
			acc.name = name
		}
		if len(tc.Arguments) == 0 || len(acc.argsFinal) > 0 {
			continue
		}
		var argSegStr string
		if err := json.Unmarshal(tc.Arguments, &argSegStr); err == nil {
			acc.argsBuilding.WriteString(argSegStr)
			continue
		}
		if acc.argsBuilding.Len() == 0 && json.Valid(tc.Arguments) {
			acc.argsFinal = append([]byte(nil), tc.Arguments...)
			continue
		}
		acc.argsBuilding.WriteString(string(tc.Arguments))
	}

	return chunk.Delta.Content, nil
}

// Content returns the text streamed so far.
func (a *StreamAssembler) Content() string {
	return a.content.String()
}

// ToolCalls returns the assembled tool calls in first-seen order.
func (a *StreamAssembler) ToolCalls() ([]types.ToolCall, error) {
	calls := make([]types.ToolCall, 0, len(a.toolCallOrder))
	for _, id := range a.toolCallOrder {
		acc := a.toolCallByID[id]
		args := acc.argsFinal
		if len(args) == 0 {
			raw := strings.TrimSpace(acc.argsBuilding.String())
			if raw != "" {
				if !json.Valid([]byte(raw)) {
					return nil, types.Errorf(types.ErrInvalidRequest,
						"invalid tool call arguments (id=%s tool=%s): %s", acc.id, acc.name, raw)
				}
				args = json.RawMessage(raw)
			}
		}
		calls = append(calls, types.ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	return calls, nil
}
