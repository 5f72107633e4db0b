package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TurnInput is one caller utterance.
type TurnInput struct {
	Text   string `json:"text"`
	TurnID string `json:"turn_id,omitempty"`
}

// Segment is text one agent produced during a turn.
type Segment struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// HandoffRecord describes a switch that happened during a turn.
type HandoffRecord struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Trigger  string `json:"trigger"`
	Mode     string `json:"mode"`
	Greeting string `json:"greeting,omitempty"`
}

// TurnResult is what a synchronous turn produced.
type TurnResult struct {
	TurnID     string          `json:"turn_id"`
	StartAgent string          `json:"start_agent"`
	Agent      string          `json:"agent"`
	Text       string          `json:"text"`
	Segments   []Segment       `json:"segments,omitempty"`
	Handoffs   []HandoffRecord `json:"handoffs,omitempty"`
	ToolCalls  int             `json:"tool_calls"`
	Iterations int             `json:"iterations"`
	// Exhausted is set when the tool loop hit its bound; Text is then partial.
	Exhausted bool          `json:"exhausted,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (r *TurnResult) addSegment(agent, text string) {
	if text = strings.TrimSpace(text); text != "" {
		r.Segments = append(r.Segments, Segment{Agent: agent, Text: text})
	}
}

// Orchestrator runs synchronous turns: one utterance in, a streamed and
// spoken reply out, with tool calls and handoffs resolved inside the turn.
type Orchestrator struct {
	*engine
	provider llm.Provider
	speech   SpeechSink
}

// NewOrchestrator creates a synchronous orchestrator.
func NewOrchestrator(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Provider == nil {
		return nil, errors.New("voice: completion provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e, err := newEngine(cfg, deps, logger.With(zap.String("component", "turn_orchestrator")))
	if err != nil {
		return nil, err
	}
	return &Orchestrator{engine: e, provider: deps.Provider, speech: deps.Speech}, nil
}

// ProcessTurn runs one turn. Concurrent turns of a session queue in arrival
// order. Reaching the tool iteration bound is not an error: the partial
// result is returned with Exhausted set.
func (o *Orchestrator) ProcessTurn(ctx context.Context, s *Session, in TurnInput) (result *TurnResult, err error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "turn text is empty")
	}
	if in.TurnID == "" {
		in.TurnID = uuid.NewString()
	}
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	release, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = types.WithTurnID(types.WithSessionID(ctx, s.ID()), in.TurnID)
	ctx, span := o.tracer.Start(ctx, "voice.turn", trace.WithAttributes(
		attribute.String("session.id", s.ID()),
		attribute.String("turn.id", in.TurnID),
	))
	start := time.Now()
	result = &TurnResult{TurnID: in.TurnID, StartAgent: s.ActiveAgent()}
	defer func() {
		result.Duration = time.Since(start)
		result.Agent = s.ActiveAgent()
		outcome := "completed"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result.Exhausted:
			outcome = "exhausted"
		}
		span.SetAttributes(
			attribute.String("turn.agent", result.Agent),
			attribute.Int("turn.iterations", result.Iterations),
			attribute.Int("turn.handoffs", len(result.Handoffs)),
		)
		span.End()
		o.metrics.RecordTurn(result.Agent, outcome, result.Duration)
	}()

	if err := s.transition(StateProcessing); err != nil {
		return result, err
	}
	if err := s.store.Append(ctx, s.ActiveAgent(), types.UserMessage{Content: text}); err != nil {
		return result, err
	}

	handoffs := 0
	for {
		a, err := o.agent(s.ActiveAgent())
		if err != nil {
			return result, err
		}
		reply, err := o.complete(ctx, s, a, in.TurnID)
		result.addSegment(a.Name(), reply.Text)
		if err != nil {
			// what was streamed before the failure is kept
			if reply.Text != "" {
				_ = s.store.Append(context.WithoutCancel(ctx), a.Name(), types.AssistantTextMessage{Content: reply.Text})
			}
			return result, err
		}
		result.Text = reply.Text

		if len(reply.Calls) == 0 {
			if reply.Text != "" {
				if err := s.store.Append(ctx, a.Name(), types.AssistantTextMessage{Content: reply.Text}); err != nil {
					return result, err
				}
			}
			return result, nil
		}

		if err := s.store.Append(ctx, a.Name(), types.AssistantToolCallMessage{Content: reply.Text, Calls: reply.Calls}); err != nil {
			return result, err
		}
		switched, err := o.runTools(ctx, s, a, reply.Calls, text, result, &handoffs)
		if err != nil {
			return result, err
		}
		if switched {
			// the new agent answers from its own thread; handoffs are not tool rounds
			continue
		}

		result.Iterations++
		if result.Iterations >= o.cfg.MaxToolIterations {
			result.Exhausted = true
			o.logger.Warn("tool loop exhausted",
				zap.String("session_id", s.ID()),
				zap.String("turn_id", in.TurnID),
				zap.String("agent", a.Name()),
				zap.Int("iterations", result.Iterations))
			return result, nil
		}
	}
}

type completion struct {
	Text  string
	Calls []types.ToolCall
}

// complete streams one completion for a, speaking sentences as they close.
// On error the returned completion holds the text streamed so far.
func (o *Orchestrator) complete(ctx context.Context, s *Session, a agent.Agent, turnID string) (completion, error) {
	cfg, err := o.sessionConfig(ctx, s, a, s.HandoffContext())
	if err != nil {
		return completion{}, err
	}
	thread, err := s.store.Thread(ctx, a.Name())
	if err != nil {
		return completion{}, err
	}
	req := &llm.ChatRequest{
		TraceID:     turnID,
		Model:       cfg.Model,
		Messages:    append([]types.Message{types.NewSystemMessage(cfg.Instructions)}, types.ToMessages(thread)...),
		Tools:       cfg.Tools,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	streamCtx, cancel := context.WithCancel(types.WithAgentName(ctx, a.Name()))
	defer cancel()
	ch, err := o.provider.Stream(streamCtx, req)
	if err != nil {
		return completion{}, err
	}

	asm := llm.NewStreamAssembler()
	buf := NewSentenceBuffer(o.cfg.MinChunkLength)
	for chunk := range ch {
		delta, err := asm.Add(chunk)
		if err != nil {
			return completion{Text: asm.Content()}, err
		}
		for _, sentence := range buf.Write(delta) {
			o.speak(ctx, s, a, sentence)
		}
	}
	if err := ctx.Err(); err != nil {
		return completion{Text: asm.Content()}, err
	}
	if tail := buf.Flush(); tail != "" {
		o.speak(ctx, s, a, tail)
	}

	calls, err := asm.ToolCalls()
	if err != nil {
		return completion{Text: asm.Content()}, types.NewError(types.ErrUpstreamError, "malformed tool call").WithCause(err)
	}
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return completion{Text: asm.Content(), Calls: calls}, nil
}

// speak hands text to the speech sink. Synthesis failures do not fail the turn.
func (o *Orchestrator) speak(ctx context.Context, s *Session, a agent.Agent, text string) {
	if o.speech == nil || strings.TrimSpace(text) == "" {
		return
	}
	err := o.speech.Speak(ctx, Utterance{SessionID: s.ID(), Agent: a.Name(), Voice: a.Settings().Voice, Text: text})
	if err != nil {
		o.logger.Warn("speech synthesis failed",
			zap.String("session_id", s.ID()),
			zap.String("agent", a.Name()),
			zap.Error(err))
	}
}

// runTools executes the calls of one assistant message in order. After a
// successful handoff the remaining calls are answered as skipped so the
// source thread stays well formed.
func (o *Orchestrator) runTools(
	ctx context.Context,
	s *Session,
	a agent.Agent,
	calls []types.ToolCall,
	userText string,
	result *TurnResult,
	handoffs *int,
) (switched bool, err error) {
	scenario := o.resolver.Scenario()
	for _, call := range calls {
		if switched {
			entry, _ := types.NewToolResult(call.ID, call.Name, map[string]any{
				"skipped": true,
				"error":   "control was transferred before this call ran",
			}, true)
			if err := s.store.Append(ctx, a.Name(), entry); err != nil {
				return switched, err
			}
			continue
		}

		out := o.executor.ExecuteOne(ctx, call)
		result.ToolCalls++
		o.metrics.RecordToolCall(a.Name(), call.Name, out.Err == nil, out.Duration)

		handoffTool := out.IsHandoff() || out.IsMalformedHandoff() || scenario.IsHandoffTool(a.Name(), call.Name)
		if !handoffTool || (out.Err == nil && !out.IsHandoff()) {
			if err := s.store.Append(ctx, a.Name(), out.Entry()); err != nil {
				return switched, err
			}
			continue
		}

		entry, done, err := o.handoff(ctx, s, a, out, userText, result, handoffs)
		if err != nil {
			return switched, err
		}
		if err := s.store.Append(ctx, a.Name(), entry); err != nil {
			return switched, err
		}
		switched = done
	}
	return switched, nil
}

// handoff resolves and applies a handoff outcome. Routing failures come back
// as tool data for the current agent; only store failures are errors.
func (o *Orchestrator) handoff(
	ctx context.Context,
	s *Session,
	a agent.Agent,
	out tools.Outcome,
	userText string,
	result *TurnResult,
	handoffs *int,
) (types.ToolResultMessage, bool, error) {
	call := out.Call
	if out.Err != nil {
		return routingFailure(call, out.Err.Error()), false, nil
	}
	if *handoffs >= o.cfg.MaxHandoffsPerTurn {
		o.logger.Warn("handoff limit reached",
			zap.String("session_id", s.ID()),
			zap.String("agent", a.Name()),
			zap.Int("limit", o.cfg.MaxHandoffsPerTurn))
		return routingFailure(call, "handoff limit reached for this turn; answer the caller directly"), false, nil
	}

	res, view, err := o.resolve(ctx, s, a.Name(), call, out.Result.(tools.Handoff))
	if err != nil {
		return types.ToolResultMessage{}, false, err
	}
	if !res.Success {
		o.logger.Info("handoff rejected",
			zap.String("session_id", s.ID()),
			zap.String("agent", a.Name()),
			zap.String("tool", call.Name),
			zap.Error(res.Err))
		return routingFailure(call, res.Err.Error()), false, nil
	}

	sw, err := o.switchAgent(ctx, s, res, view, types.UserMessage{Content: userText}, nil)
	if err != nil {
		return types.ToolResultMessage{}, false, err
	}
	*handoffs++

	if !sw.Seeded {
		if err := s.store.Append(ctx, res.Target, types.UserMessage{Content: userText}); err != nil {
			return types.ToolResultMessage{}, false, err
		}
	}
	target, err := o.agent(res.Target)
	if err != nil {
		return types.ToolResultMessage{}, false, err
	}
	if sw.Greeting != "" {
		o.speak(ctx, s, target, sw.Greeting)
		if err := s.store.Append(ctx, res.Target, types.AssistantTextMessage{Content: sw.Greeting}); err != nil {
			return types.ToolResultMessage{}, false, err
		}
		result.addSegment(res.Target, sw.Greeting)
	}
	result.Handoffs = append(result.Handoffs, HandoffRecord{
		From:     res.Source,
		To:       res.Target,
		Trigger:  res.Trigger,
		Mode:     string(res.Mode),
		Greeting: sw.Greeting,
	})
	return out.Entry(), true, nil
}
