package types

import (
	"encoding/json"
	"fmt"
)

// EntryKind discriminates thread entries on the wire.
type EntryKind string

const (
	KindUser              EntryKind = "user"
	KindAssistantText     EntryKind = "assistant_text"
	KindAssistantToolCall EntryKind = "assistant_tool_call"
	KindToolResult        EntryKind = "tool_result"
)

// Entry is one immutable item of an agent's message thread.
// The set of implementations is closed.
type Entry interface {
	Kind() EntryKind
	Role() Role
	isEntry()
}

// UserMessage is text spoken or typed by the caller.
type UserMessage struct {
	Content string `json:"content"`
}

// AssistantTextMessage is text produced by an agent.
type AssistantTextMessage struct {
	Content string `json:"content"`
}

// AssistantToolCallMessage records the tool calls an agent requested,
// with any text it streamed before requesting them.
type AssistantToolCallMessage struct {
	Content string     `json:"content,omitempty"`
	Calls   []ToolCall `json:"calls"`
}

// ToolResultMessage carries the outcome of one tool call back to the model.
type ToolResultMessage struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

func (UserMessage) Kind() EntryKind              { return KindUser }
func (AssistantTextMessage) Kind() EntryKind     { return KindAssistantText }
func (AssistantToolCallMessage) Kind() EntryKind { return KindAssistantToolCall }
func (ToolResultMessage) Kind() EntryKind        { return KindToolResult }

func (UserMessage) Role() Role              { return RoleUser }
func (AssistantTextMessage) Role() Role     { return RoleAssistant }
func (AssistantToolCallMessage) Role() Role { return RoleAssistant }
func (ToolResultMessage) Role() Role        { return RoleTool }

func (UserMessage) isEntry()              {}
func (AssistantTextMessage) isEntry()     {}
func (AssistantToolCallMessage) isEntry() {}
func (ToolResultMessage) isEntry()        {}

// NewToolResult builds a ToolResultMessage by encoding payload as JSON.
func NewToolResult(callID, name string, payload any, isError bool) (ToolResultMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ToolResultMessage{}, fmt.Errorf("encode tool result %s: %w", name, err)
	}
	return ToolResultMessage{CallID: callID, Name: name, Payload: raw, IsError: isError}, nil
}

type entryEnvelope struct {
	Kind EntryKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalEntry encodes an entry together with its kind so it can be
// decoded back into the same concrete type.
func MarshalEntry(e Entry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("marshal entry: nil entry")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s entry: %w", e.Kind(), err)
	}
	return json.Marshal(entryEnvelope{Kind: e.Kind(), Data: data})
}

// UnmarshalEntry decodes an entry produced by MarshalEntry.
func UnmarshalEntry(raw []byte) (Entry, error) {
	var env entryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal entry envelope: %w", err)
	}

	switch env.Kind {
	case KindUser:
		var m UserMessage
		return decodeEntry(env, &m, func() Entry { return m })
	case KindAssistantText:
		var m AssistantTextMessage
		return decodeEntry(env, &m, func() Entry { return m })
	case KindAssistantToolCall:
		var m AssistantToolCallMessage
		return decodeEntry(env, &m, func() Entry { return m })
	case KindToolResult:
		var m ToolResultMessage
		return decodeEntry(env, &m, func() Entry { return m })
	default:
		return nil, fmt.Errorf("unmarshal entry: unknown kind %q", env.Kind)
	}
}

func decodeEntry(env entryEnvelope, dst any, value func() Entry) (Entry, error) {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return nil, fmt.Errorf("unmarshal %s entry: %w", env.Kind, err)
	}
	return value(), nil
}

// ToMessage flattens an entry into the completion wire form.
func ToMessage(e Entry) Message {
	switch m := e.(type) {
	case UserMessage:
		return NewUserMessage(m.Content)
	case AssistantTextMessage:
		return NewAssistantMessage(m.Content)
	case AssistantToolCallMessage:
		return NewAssistantMessage(m.Content).WithToolCalls(m.Calls)
	case ToolResultMessage:
		return NewToolMessage(m.CallID, m.Name, string(m.Payload))
	default:
		return Message{}
	}
}

// ToMessages flattens a thread, preserving order.
func ToMessages(thread []Entry) []Message {
	out := make([]Message, 0, len(thread))
	for _, e := range thread {
		out = append(out, ToMessage(e))
	}
	return out
}
