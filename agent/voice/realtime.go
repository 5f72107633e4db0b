package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// Events
// =============================================================================

// Event is one message from a realtime conversational transport. The set of
// implementations is closed; each kind has exactly one handler.
type Event interface {
	isEvent()
}

// SpeechStarted reports caller speech. While a response is in flight it is a barge-in.
type SpeechStarted struct {
	At time.Time
}

// SpeechStopped reports the end of caller speech.
type SpeechStopped struct {
	At time.Time
}

// InputFinalized carries the final transcript of a caller utterance.
type InputFinalized struct {
	Text string
}

// ResponseTextDelta is a piece of the transcript of the agent's response.
type ResponseTextDelta struct {
	ResponseID string
	Delta      string
}

// ToolCallReady carries a complete tool call from the model.
type ToolCallReady struct {
	ResponseID string
	Call       types.ToolCall
}

// ResponseDone closes a response. Status is the transport's own
// (completed, cancelled, failed, ...).
type ResponseDone struct {
	ResponseID string
	Status     string
}

func (SpeechStarted) isEvent()     {}
func (SpeechStopped) isEvent()     {}
func (InputFinalized) isEvent()    {}
func (ResponseTextDelta) isEvent() {}
func (ToolCallReady) isEvent()     {}
func (ResponseDone) isEvent()      {}

// Notice types sent upstream.
const (
	NoticeResponseCancelled = "response.cancelled"
	NoticeAgentSwitched     = "agent.switched"
)

// Notice is an out-of-band message for the client side of the transport.
type Notice struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Agent     string         `json:"agent"`
	Data      map[string]any `json:"data,omitempty"`
}

// Transport is the realtime conversational connection of one session.
type Transport interface {
	// Events is closed when the connection ends.
	Events() <-chan Event
	// UpdateSession applies an agent's configuration to the connection.
	UpdateSession(ctx context.Context, cfg SessionConfig) error
	// CancelResponse cancels the in-flight model response.
	CancelResponse(ctx context.Context) error
	// SendToolResult returns a tool outcome to the model.
	SendToolResult(ctx context.Context, result types.ToolResultMessage) error
	// RequestResponse asks the model to continue.
	RequestResponse(ctx context.Context) error
	// Greet makes the active agent say text verbatim. Its transcript comes
	// back as response events.
	Greet(ctx context.Context, text string) error
	Notify(ctx context.Context, n Notice) error
}

// ErrTransportClosed is returned by transports used after their connection ended.
var ErrTransportClosed = errors.New("voice: transport closed")

// Playback controls audio already sent toward the caller.
type Playback interface {
	Stop(ctx context.Context) error
}

// =============================================================================
// Orchestrator
// =============================================================================

// RealtimeOrchestrator drives sessions from a transport's event stream.
type RealtimeOrchestrator struct {
	*engine
}

// NewRealtimeOrchestrator creates an event-driven orchestrator. The model runs
// behind the transport, so deps.Provider and deps.Speech are not used.
func NewRealtimeOrchestrator(cfg Config, deps Dependencies, logger *zap.Logger) (*RealtimeOrchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e, err := newEngine(cfg, deps, logger.With(zap.String("component", "realtime_orchestrator")))
	if err != nil {
		return nil, err
	}
	return &RealtimeOrchestrator{engine: e}, nil
}

// Run owns the session for the life of the connection: it applies the active
// agent's configuration, then handles events one at a time until the event
// stream closes or ctx is done. It fails fast with ErrTurnInFlight when the
// session is already being driven.
func (o *RealtimeOrchestrator) Run(ctx context.Context, s *Session, t Transport, p Playback) error {
	release, err := s.TryBegin()
	if err != nil {
		return err
	}
	defer release()

	ctx = types.WithSessionID(ctx, s.ID())
	a, err := o.agent(s.ActiveAgent())
	if err != nil {
		return err
	}
	cfg, err := o.sessionConfig(ctx, s, a, s.HandoffContext())
	if err != nil {
		return err
	}
	if err := t.UpdateSession(ctx, cfg); err != nil {
		return err
	}

	r := &realtimeRun{RealtimeOrchestrator: o, s: s, t: t, p: p}
	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.flushPartial(context.WithoutCancel(ctx))
				return nil
			}
			if err := r.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// realtimeRun is the actor state of one Run. Only the Run goroutine touches it.
type realtimeRun struct {
	*RealtimeOrchestrator
	s *Session
	t Transport
	p Playback

	// inFlight counts responses requested or streaming whose done has not
	// arrived; cancelled counts cancelled responses still owed a done.
	inFlight     int
	cancelled    int
	transcript   strings.Builder
	lastInput    string
	speechEnded  time.Time
	turnStarted  time.Time
	turnHandoffs int
}

func (r *realtimeRun) handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case SpeechStarted:
		return r.onSpeechStarted(ctx)
	case SpeechStopped:
		r.onSpeechStopped(ev)
		return nil
	case InputFinalized:
		return r.onInputFinalized(ctx, ev)
	case ResponseTextDelta:
		return r.onResponseTextDelta(ev)
	case ToolCallReady:
		return r.onToolCallReady(ctx, ev)
	case ResponseDone:
		return r.onResponseDone(ctx, ev)
	default:
		r.logger.Warn("unknown realtime event", zap.String("session_id", r.s.ID()), zap.Any("event", ev))
		return nil
	}
}

// onSpeechStarted handles barge-in: stop playback, cancel the response and
// notify upstream, in that order, before the next event is read. Text already
// produced stays in the thread.
func (r *realtimeRun) onSpeechStarted(ctx context.Context) error {
	if err := r.p.Stop(ctx); err != nil {
		r.logger.Warn("stop playback", zap.String("session_id", r.s.ID()), zap.Error(err))
	}
	if r.inFlight == 0 {
		return nil
	}
	active := r.s.ActiveAgent()
	if err := r.t.CancelResponse(ctx); err != nil {
		r.logger.Warn("cancel response", zap.String("session_id", r.s.ID()), zap.Error(err))
	}
	notice := Notice{Type: NoticeResponseCancelled, SessionID: r.s.ID(), Agent: active}
	if err := r.t.Notify(ctx, notice); err != nil {
		r.logger.Warn("notify cancellation", zap.String("session_id", r.s.ID()), zap.Error(err))
	}

	r.metrics.RecordBargeIn(active)
	r.logger.Debug("barge-in", zap.String("session_id", r.s.ID()), zap.String("agent", active))
	r.flushPartial(ctx)
	r.cancelled += r.inFlight
	r.inFlight = 0
	r.endTurn(active, "cancelled")
	return r.s.transition(StateIdle)
}

func (r *realtimeRun) onSpeechStopped(ev SpeechStopped) {
	r.speechEnded = ev.At
	if r.speechEnded.IsZero() {
		r.speechEnded = time.Now()
	}
}

func (r *realtimeRun) onInputFinalized(ctx context.Context, ev InputFinalized) error {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}
	if err := r.s.transition(StateProcessing); err != nil {
		return err
	}
	r.lastInput = text
	r.turnHandoffs = 0
	r.turnStarted = time.Now()
	if err := r.s.store.Append(ctx, r.s.ActiveAgent(), types.UserMessage{Content: text}); err != nil {
		return err
	}
	// the transport answers a finalized utterance on its own
	return r.expectResponse()
}

func (r *realtimeRun) onResponseTextDelta(ev ResponseTextDelta) error {
	if err := r.beginResponse(); err != nil {
		return err
	}
	r.transcript.WriteString(ev.Delta)
	return nil
}

// beginResponse notes the first output of a response.
func (r *realtimeRun) beginResponse() error {
	if !r.speechEnded.IsZero() {
		r.metrics.RecordResponseLatency(r.s.ActiveAgent(), time.Since(r.speechEnded))
		r.speechEnded = time.Time{}
	}
	if r.inFlight > 0 {
		return nil
	}
	return r.expectResponse()
}

// expectResponse marks one more response in flight. From here until its
// done arrives, caller speech is a barge-in.
func (r *realtimeRun) expectResponse() error {
	r.inFlight++
	if r.turnStarted.IsZero() {
		r.turnStarted = time.Now()
	}
	return r.s.transition(StateProcessing)
}

// onToolCallReady runs one tool. A successful handoff switches agents and
// ends the handler; the new agent speaks next.
func (r *realtimeRun) onToolCallReady(ctx context.Context, ev ToolCallReady) error {
	if err := r.beginResponse(); err != nil {
		return err
	}
	a, err := r.agent(r.s.ActiveAgent())
	if err != nil {
		return err
	}
	call := ev.Call
	if err := r.s.store.Append(ctx, a.Name(), types.AssistantToolCallMessage{
		Content: r.takeTranscript(),
		Calls:   []types.ToolCall{call},
	}); err != nil {
		return err
	}

	out := r.executor.ExecuteOne(ctx, call)
	r.metrics.RecordToolCall(a.Name(), call.Name, out.Err == nil, out.Duration)

	handoffTool := out.IsHandoff() || out.IsMalformedHandoff() || r.resolver.Scenario().IsHandoffTool(a.Name(), call.Name)
	if !handoffTool || (out.Err == nil && !out.IsHandoff()) {
		return r.answer(ctx, a, out.Entry())
	}
	if out.Err != nil {
		return r.answer(ctx, a, routingFailure(call, out.Err.Error()))
	}
	if r.turnHandoffs >= r.cfg.MaxHandoffsPerTurn {
		return r.answer(ctx, a, routingFailure(call, "handoff limit reached for this turn; answer the caller directly"))
	}

	res, view, err := r.resolve(ctx, r.s, a.Name(), call, out.Result.(tools.Handoff))
	if err != nil {
		return err
	}
	if !res.Success {
		r.logger.Info("handoff rejected",
			zap.String("session_id", r.s.ID()),
			zap.String("agent", a.Name()),
			zap.String("tool", call.Name),
			zap.Error(res.Err))
		return r.answer(ctx, a, routingFailure(call, res.Err.Error()))
	}

	var seed types.Entry
	if r.lastInput != "" {
		seed = types.UserMessage{Content: r.lastInput}
	}
	sw, err := r.switchAgent(ctx, r.s, res, view, seed, r.t.UpdateSession)
	if err != nil {
		r.logger.Error("agent switch failed",
			zap.String("session_id", r.s.ID()),
			zap.String("from", res.Source),
			zap.String("to", res.Target),
			zap.Error(err))
		return r.answer(ctx, a, routingFailure(call, "transfer failed; continue helping the caller"))
	}
	r.turnHandoffs++

	if err := r.s.store.Append(ctx, a.Name(), out.Entry()); err != nil {
		return err
	}
	if !sw.Seeded && seed != nil {
		if err := r.s.store.Append(ctx, res.Target, seed); err != nil {
			return err
		}
	}
	notice := Notice{
		Type:      NoticeAgentSwitched,
		SessionID: r.s.ID(),
		Agent:     res.Target,
		Data:      map[string]any{"from": res.Source, "mode": string(res.Mode)},
	}
	if err := r.t.Notify(ctx, notice); err != nil {
		r.logger.Warn("notify agent switch", zap.String("session_id", r.s.ID()), zap.Error(err))
	}
	if sw.Greeting != "" {
		if err := r.t.Greet(ctx, sw.Greeting); err != nil {
			return err
		}
		return r.expectResponse()
	}
	if err := r.t.RequestResponse(ctx); err != nil {
		return err
	}
	return r.expectResponse()
}

// answer records a tool result for a and lets the model continue.
func (r *realtimeRun) answer(ctx context.Context, a agent.Agent, entry types.ToolResultMessage) error {
	if err := r.s.store.Append(ctx, a.Name(), entry); err != nil {
		return err
	}
	if err := r.t.SendToolResult(ctx, entry); err != nil {
		return err
	}
	if err := r.t.RequestResponse(ctx); err != nil {
		return err
	}
	return r.expectResponse()
}

// onResponseDone records the transcript. The turn ends, and its metrics are
// flushed, when no follow-up response is still owed.
func (r *realtimeRun) onResponseDone(ctx context.Context, ev ResponseDone) error {
	if ev.Status == "cancelled" && r.cancelled > 0 {
		// already accounted for at barge-in
		r.cancelled--
		return nil
	}
	active := r.s.ActiveAgent()
	r.flushPartial(ctx)
	trace.SpanFromContext(ctx).AddEvent("voice.response_done", trace.WithAttributes(
		attribute.String("agent", active),
		attribute.String("response.id", ev.ResponseID),
	))
	if r.inFlight > 0 {
		r.inFlight--
	}
	if r.inFlight > 0 {
		return nil
	}
	status := ev.Status
	if status == "" {
		status = "completed"
	}
	r.endTurn(active, status)
	return r.s.transition(StateIdle)
}

func (r *realtimeRun) endTurn(agentName, outcome string) {
	if r.turnStarted.IsZero() {
		return
	}
	r.metrics.RecordTurn(agentName, outcome, time.Since(r.turnStarted))
	r.turnStarted = time.Time{}
}

func (r *realtimeRun) takeTranscript() string {
	text := strings.TrimSpace(r.transcript.String())
	r.transcript.Reset()
	return text
}

// flushPartial appends whatever transcript has accumulated to the active thread.
func (r *realtimeRun) flushPartial(ctx context.Context) {
	text := r.takeTranscript()
	if text == "" {
		return
	}
	if err := r.s.store.Append(ctx, r.s.ActiveAgent(), types.AssistantTextMessage{Content: text}); err != nil {
		r.logger.Error("append transcript", zap.String("session_id", r.s.ID()), zap.Error(err))
	}
}
