package voice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/turnflow/agent/voice"

// Config tunes turn processing.
type Config struct {
	// MaxToolIterations bounds tool rounds per turn; handoffs do not count.
	MaxToolIterations int `yaml:"max_tool_iterations" json:"max_tool_iterations" env:"MAX_TOOL_ITERATIONS"`
	// MaxHandoffsPerTurn stops agents from bouncing the caller back and forth.
	MaxHandoffsPerTurn int `yaml:"max_handoffs_per_turn" json:"max_handoffs_per_turn" env:"MAX_HANDOFFS_PER_TURN"`
	// MinChunkLength is the sentence buffer threshold.
	MinChunkLength int `yaml:"min_chunk_length" json:"min_chunk_length" env:"MIN_CHUNK_LENGTH"`
	// TurnTimeout bounds a synchronous turn (0 = none).
	TurnTimeout time.Duration `yaml:"turn_timeout" json:"turn_timeout" env:"TURN_TIMEOUT"`
	// DefaultModel is used for agents that do not name one.
	DefaultModel string `yaml:"default_model" json:"default_model" env:"DEFAULT_MODEL"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolIterations:  5,
		MaxHandoffsPerTurn: 3,
		MinChunkLength:     DefaultMinChunkLength,
		TurnTimeout:        60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = def.MaxToolIterations
	}
	if c.MaxHandoffsPerTurn <= 0 {
		c.MaxHandoffsPerTurn = def.MaxHandoffsPerTurn
	}
	if c.MinChunkLength <= 0 {
		c.MinChunkLength = def.MinChunkLength
	}
}

// Recorder receives orchestration metrics.
type Recorder interface {
	RecordTurn(agent, outcome string, d time.Duration)
	RecordHandoff(source, target string, success bool)
	RecordToolCall(agent, tool string, ok bool, d time.Duration)
	RecordBargeIn(agent string)
	RecordResponseLatency(agent string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordTurn(string, string, time.Duration)           {}
func (nopRecorder) RecordHandoff(string, string, bool)                 {}
func (nopRecorder) RecordToolCall(string, string, bool, time.Duration) {}
func (nopRecorder) RecordBargeIn(string)                               {}
func (nopRecorder) RecordResponseLatency(string, time.Duration)        {}

// Dependencies are the collaborators both orchestration modes share.
type Dependencies struct {
	Agents   *agent.Registry
	Resolver *handoff.Resolver
	Tools    *tools.Executor
	// Provider is required by the synchronous orchestrator only.
	Provider llm.Provider
	// Speech is optional; without it synchronous turns produce text only.
	Speech  SpeechSink
	Metrics Recorder
}

// SessionConfig is everything an agent needs applied to run: the rendered
// prompt, tool schemas and voice settings.
type SessionConfig struct {
	Agent        string             `json:"agent"`
	Instructions string             `json:"instructions"`
	Tools        []types.ToolSchema `json:"tools,omitempty"`
	Model        string             `json:"model,omitempty"`
	Voice        string             `json:"voice,omitempty"`
	Temperature  float32            `json:"temperature,omitempty"`
	MaxTokens    int                `json:"max_tokens,omitempty"`
}

// engine holds what both orchestrators do the same way: agent lookup,
// prompt rendering, tool execution and atomic agent switches.
type engine struct {
	cfg      Config
	agents   *agent.Registry
	resolver *handoff.Resolver
	executor *tools.Executor
	metrics  Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

func newEngine(cfg Config, deps Dependencies, logger *zap.Logger) (*engine, error) {
	if deps.Agents == nil || deps.Resolver == nil || deps.Tools == nil {
		return nil, errors.New("voice: agents, resolver and tools are required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	e := &engine{
		cfg:      cfg,
		agents:   deps.Agents,
		resolver: deps.Resolver,
		executor: deps.Tools,
		metrics:  metrics,
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger,
	}
	if err := e.registerHandoffTools(); err != nil {
		return nil, err
	}
	return e, nil
}

// registerHandoffTools makes every trigger of the scenario callable.
func (e *engine) registerHandoffTools() error {
	scenario := e.resolver.Scenario()
	registry := e.executor.Registry()
	for _, name := range e.agents.Names() {
		for _, edge := range scenario.EdgesFrom(name) {
			if registry.Has(edge.Trigger) {
				continue
			}
			desc := fmt.Sprintf("Transfer the caller to the %s agent.", edge.Target)
			if err := registry.Register(tools.NewHandoffTool(edge.Trigger, desc), tools.ToolMetadata{}); err != nil {
				return fmt.Errorf("register handoff tool %s: %w", edge.Trigger, err)
			}
		}
	}
	if scenario.Generic().Enabled && !registry.Has(tools.GenericHandoffToolName) {
		if err := registry.Register(tools.GenericHandoffTool{}, tools.ToolMetadata{}); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) agent(name string) (agent.Agent, error) {
	a, ok := e.agents.Get(name)
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %q is not registered", name)
	}
	return a, nil
}

func (e *engine) toolNames(a agent.Agent) []string {
	seen := map[string]bool{}
	var names []string
	for _, list := range [][]string{a.Tools(), e.resolver.Scenario().HandoffTools(a.Name())} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}

// sessionConfig renders a's configuration. Prompt variables are the
// session's core memory overlaid with hctx, the context a was handed.
func (e *engine) sessionConfig(ctx context.Context, s *Session, a agent.Agent, hctx map[string]any) (SessionConfig, error) {
	view, err := s.view(ctx)
	if err != nil {
		return SessionConfig{}, err
	}
	vars := view.Context
	maps.Copy(vars, hctx)
	vars[KeyHandoffContext] = hctx

	prompt, err := a.RenderPrompt(vars)
	if err != nil {
		return SessionConfig{}, types.NewError(types.ErrInternalError, "render prompt for "+a.Name()).WithCause(err)
	}
	settings := a.Settings()
	model := settings.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	return SessionConfig{
		Agent:        a.Name(),
		Instructions: prompt,
		Tools:        e.executor.Registry().Schemas(e.toolNames(a)...),
		Model:        model,
		Voice:        settings.Voice,
		Temperature:  settings.Temperature,
		MaxTokens:    settings.MaxTokens,
	}, nil
}

// resolve runs the resolver for a handoff tool outcome.
func (e *engine) resolve(ctx context.Context, s *Session, source string, call types.ToolCall, h tools.Handoff) (handoff.Resolution, handoff.SessionView, error) {
	view, err := s.view(ctx)
	if err != nil {
		return handoff.Resolution{}, view, err
	}
	res := e.resolver.Resolve(handoff.Request{Source: source, Trigger: call.Name, Target: h.Target, Data: h.Data}, view)
	target := res.Target
	if target == "" {
		target = h.Target
	}
	e.metrics.RecordHandoff(source, target, res.Success)
	return res, view, nil
}

type switchOutcome struct {
	Greeting string
	Config   SessionConfig
	// Seeded is true when the target's thread was empty and got the seed entry.
	Seeded bool
}

// switchAgent performs the handoff atomically. Greeting and configuration
// are prepared first, then the store is committed, then apply runs. If apply
// fails the commit is undone. view must be the session before the switch.
func (e *engine) switchAgent(
	ctx context.Context,
	s *Session,
	res handoff.Resolution,
	view handoff.SessionView,
	seed types.Entry,
	apply func(context.Context, SessionConfig) error,
) (out switchOutcome, err error) {
	ctx, span := e.tracer.Start(ctx, "voice.handoff", trace.WithAttributes(
		attribute.String("session.id", s.ID()),
		attribute.String("handoff.source", res.Source),
		attribute.String("handoff.target", res.Target),
		attribute.String("handoff.mode", string(res.Mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		_ = s.transition(StateProcessing)
	}()

	target, err := e.agent(res.Target)
	if err != nil {
		return out, err
	}
	if out.Greeting, err = handoff.SelectGreeting(res, target, view); err != nil {
		return out, fmt.Errorf("select greeting for %s: %w", target.Name(), err)
	}
	if out.Config, err = e.sessionConfig(ctx, s, target, res.Context); err != nil {
		return out, err
	}

	seeded, undo, err := s.commitHandoff(ctx, res, seed)
	if err != nil {
		return out, err
	}
	out.Seeded = seeded
	if apply != nil {
		if err = apply(ctx, out.Config); err != nil {
			if undoErr := undo(context.WithoutCancel(ctx)); undoErr != nil {
				err = errors.Join(err, undoErr)
			}
			return switchOutcome{}, err
		}
	}

	e.logger.Info("agent switched",
		zap.String("session_id", s.ID()),
		zap.String("from", res.Source),
		zap.String("to", res.Target),
		zap.String("mode", string(res.Mode)),
		zap.Bool("greeting", out.Greeting != ""))
	return out, nil
}

// routingFailure renders a failed resolution as tool data for the model.
func routingFailure(call types.ToolCall, reason string) types.ToolResultMessage {
	entry, _ := types.NewToolResult(call.ID, call.Name, map[string]any{
		"handoff": false,
		"error":   reason,
	}, true)
	return entry
}
