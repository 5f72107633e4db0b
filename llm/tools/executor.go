package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ToolMetadata describes how a registered tool is executed.
type ToolMetadata struct {
	Timeout   time.Duration    // Execution timeout (default 30s)
	RateLimit *RateLimitConfig // Rate limit config (optional)
}

// RateLimitConfig defines rate limit configuration.
type RateLimitConfig struct {
	MaxCalls int           // Maximum calls
	Window   time.Duration // Time window
}

type registration struct {
	tool    Tool
	meta    ToolMetadata
	limiter *rate.Limiter
}

// Registry holds the tools of one deployment, keyed by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registration
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]registration),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool, meta ToolMetadata) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if schema := t.Schema(); schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", schema.Name, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	// 设置默认超时
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}
	reg := registration{tool: t, meta: meta}
	if rl := meta.RateLimit; rl != nil && rl.MaxCalls > 0 && rl.Window > 0 {
		reg.limiter = rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.MaxCalls)), rl.MaxCalls)
	}
	r.tools[name] = reg

	r.logger.Debug("tool registered", zap.String("name", name), zap.Duration("timeout", meta.Timeout))
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t, ToolMetadata{}); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schemas for names, skipping unknown ones.
func (r *Registry) Schemas(names ...string) []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolSchema, 0, len(names))
	for _, name := range names {
		if reg, ok := r.tools[name]; ok {
			out = append(out, reg.tool.Schema())
		}
	}
	return out
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Outcome is the result of one tool call.
type Outcome struct {
	Call     types.ToolCall
	Result   Result
	Err      error
	Duration time.Duration
}

// IsHandoff reports whether the call requested a transfer of control.
func (o Outcome) IsHandoff() bool {
	_, ok := o.Result.(Handoff)
	return ok && o.Err == nil
}

// IsMalformedHandoff reports a handoff request that could not be interpreted.
func (o Outcome) IsMalformedHandoff() bool {
	return types.IsErrorCode(o.Err, types.ErrHandoffMalformed)
}

// Entry renders the outcome as the tool-result thread entry the model sees.
// Failures become data so the model can react to them.
func (o Outcome) Entry() types.ToolResultMessage {
	var payload any
	isError := false
	switch {
	case o.Err != nil:
		payload = map[string]any{"error": o.Err.Error()}
		isError = true
	case o.IsHandoff():
		payload = map[string]any{"handoff": true, "status": "transferred"}
	default:
		payload = o.Result.(Output).Payload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"error": fmt.Sprintf("unencodable tool result: %v", err)})
		isError = true
	}
	return types.ToolResultMessage{CallID: o.Call.ID, Name: o.Call.Name, Payload: raw, IsError: isError}
}

// Executor runs tool calls against a Registry.
type Executor struct {
	registry *Registry
	logger   *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(registry *Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, logger: logger.With(zap.String("component", "tool_executor"))}
}

// Registry returns the backing registry.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteOne runs a single call. It never panics and never returns an
// error separately; failures are carried in Outcome.Err.
func (e *Executor) ExecuteOne(ctx context.Context, call types.ToolCall) (out Outcome) {
	start := time.Now()
	out.Call = call
	defer func() {
		if r := recover(); r != nil {
			out.Err = types.Errorf(types.ErrToolFailed, "tool %s panicked: %v", call.Name, r)
		}
		out.Duration = time.Since(start)
	}()

	reg, ok := e.registry.lookup(call.Name)
	if !ok {
		out.Err = types.Errorf(types.ErrToolNotFound, "tool not found: %s", call.Name)
		e.logger.Warn("tool not found", zap.String("name", call.Name))
		return out
	}

	if reg.limiter != nil && !reg.limiter.Allow() {
		out.Err = types.Errorf(types.ErrRateLimited, "rate limit exceeded for %s", call.Name)
		e.logger.Warn("rate limit exceeded", zap.String("name", call.Name))
		return out
	}

	execCtx, cancel := context.WithTimeout(ctx, reg.meta.Timeout)
	defer cancel()

	res, err := reg.tool.Execute(execCtx, call.Arguments)
	switch {
	case err != nil && types.IsErrorCode(err, types.ErrHandoffMalformed):
		out.Err = err
	case err != nil:
		out.Err = types.NewError(types.ErrToolFailed, call.Name).WithCause(err)
	case res == nil:
		out.Result = Output{Payload: map[string]any{}}
	default:
		out.Result = res
	}

	if out.Err != nil {
		e.logger.Warn("tool execution failed", zap.String("name", call.Name), zap.Error(out.Err))
	} else {
		e.logger.Debug("tool executed",
			zap.String("name", call.Name),
			zap.String("result", Describe(out.Result)),
			zap.Duration("duration", time.Since(start)))
	}
	return out
}
