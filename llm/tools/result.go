package tools

import (
	"fmt"
	"maps"

	"github.com/BaSui01/turnflow/types"
)

// Reserved keys a map-returning tool uses to request a transfer of control.
const (
	KeyHandoff                 = "handoff"
	KeyTargetAgent             = "target_agent"
	KeyHandoffContext          = "handoff_context"
	KeyHandoffMessage          = "handoff_message"
	KeyHandoffSummary          = "handoff_summary"
	KeyShouldInterruptPlayback = "should_interrupt_playback"
	KeySessionOverrides        = "session_overrides"
)

// ControlKeys signal the transfer mechanism and never reach conversational context.
var ControlKeys = []string{
	KeyHandoff,
	KeyTargetAgent,
	KeyHandoffContext,
	KeyHandoffMessage,
	KeyHandoffSummary,
	KeyShouldInterruptPlayback,
	KeySessionOverrides,
}

// Result is the tagged outcome of a tool: either Output or Handoff.
type Result interface {
	isResult()
}

// Output is ordinary tool data returned to the model.
type Output struct {
	Payload any
}

// Handoff asks the orchestrator to transfer control.
type Handoff struct {
	// Target names the destination for generic handoffs. Static handoff
	// tools leave it empty; the routing graph maps their trigger instead.
	Target string
	// Data is the tool's raw result, control keys included.
	Data map[string]any
}

func (Output) isResult()  {}
func (Handoff) isResult() {}

// ResultFromMap interprets the reserved handoff keys of a map result.
// A map that claims to be a handoff but is shaped wrong yields a
// HANDOFF_MALFORMED error.
func ResultFromMap(m map[string]any) (Result, error) {
	flag, present := m[KeyHandoff]
	if !present {
		return Output{Payload: m}, nil
	}
	isHandoff, ok := flag.(bool)
	if !ok {
		return nil, types.Errorf(types.ErrHandoffMalformed, "%q must be a boolean, got %T", KeyHandoff, flag)
	}
	if !isHandoff {
		return Output{Payload: m}, nil
	}

	h := Handoff{Data: maps.Clone(m)}
	if raw, ok := m[KeyTargetAgent]; ok && raw != nil {
		target, ok := raw.(string)
		if !ok {
			return nil, types.Errorf(types.ErrHandoffMalformed, "%q must be a string, got %T", KeyTargetAgent, raw)
		}
		h.Target = target
	}
	if raw, ok := m[KeyHandoffContext]; ok && raw != nil {
		extra, ok := raw.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.ErrHandoffMalformed, "%q must be an object, got %T", KeyHandoffContext, raw)
		}
		// nested context is flattened under the top-level tool data
		for k, v := range extra {
			if _, exists := h.Data[k]; !exists {
				h.Data[k] = v
			}
		}
	}
	return h, nil
}

// StripControlKeys returns a copy of m without any reserved key.
func StripControlKeys(m map[string]any) map[string]any {
	out := maps.Clone(m)
	if out == nil {
		out = map[string]any{}
	}
	for _, k := range ControlKeys {
		delete(out, k)
	}
	return out
}

// Describe renders a short label for logs.
func Describe(r Result) string {
	switch v := r.(type) {
	case Output:
		return "output"
	case Handoff:
		if v.Target != "" {
			return fmt.Sprintf("handoff(%s)", v.Target)
		}
		return "handoff"
	default:
		return "unknown"
	}
}
