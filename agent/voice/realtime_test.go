package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/testutil"
	"github.com/BaSui01/turnflow/testutil/fixtures"
	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTransport records every call in one ordered log shared with fakePlayback.
type fakeTransport struct {
	events chan Event

	mu          sync.Mutex
	log         []string
	configs     []SessionConfig
	toolResults []types.ToolResultMessage
	notices     []Notice
	updateErr   func(SessionConfig) error
}

func newFakeTransport(events ...Event) *fakeTransport {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeTransport{events: ch}
}

func (f *fakeTransport) record(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) UpdateSession(_ context.Context, cfg SessionConfig) error {
	f.record("update:" + cfg.Agent)
	if f.updateErr != nil {
		if err := f.updateErr(cfg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CancelResponse(context.Context) error {
	f.record("cancel")
	return nil
}

func (f *fakeTransport) SendToolResult(_ context.Context, r types.ToolResultMessage) error {
	f.record("tool_result:" + r.Name)
	f.mu.Lock()
	f.toolResults = append(f.toolResults, r)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RequestResponse(context.Context) error {
	f.record("respond")
	return nil
}

func (f *fakeTransport) Greet(_ context.Context, text string) error {
	f.record("greet:" + text)
	return nil
}

func (f *fakeTransport) Notify(_ context.Context, n Notice) error {
	f.record("notify:" + n.Type)
	f.mu.Lock()
	f.notices = append(f.notices, n)
	f.mu.Unlock()
	return nil
}

type fakePlayback struct{ t *fakeTransport }

func (p fakePlayback) Stop(context.Context) error {
	p.t.record("stop")
	return nil
}

func (h *harness) realtime(t *testing.T) *RealtimeOrchestrator {
	t.Helper()
	o, err := NewRealtimeOrchestrator(DefaultConfig(), h.deps(nil, nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func TestRealtime_AppliesActiveAgentOnStart(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	s := h.session(t, "rt-start")

	require.NoError(t, h.realtime(t).Run(testutil.TestContext(t), s, tr, fakePlayback{tr}))

	require.Len(t, tr.configs, 1)
	cfg := tr.configs[0]
	assert.Equal(t, "Concierge", cfg.Agent)
	assert.Equal(t, "alloy", cfg.Voice)
	assert.Equal(t, "You are the front desk of Acme Bank. The caller is Dana.", cfg.Instructions)
	assert.Subset(t, toolNames(cfg.Tools), []string{"lookup_account", "handoff_billing"})
	assert.False(t, s.Busy())
}

func TestRealtime_BargeInStopsCancelsThenNotifies(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "What's my balance?"},
		SpeechStopped{At: time.Now()},
		ResponseTextDelta{ResponseID: "r1", Delta: "Your balance"},
		ResponseTextDelta{ResponseID: "r1", Delta: " is"},
		SpeechStarted{At: time.Now()},
		InputFinalized{Text: "Actually, block my card."},
	)
	s := h.session(t, "rt-barge")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{"update:Concierge", "stop", "cancel", "notify:" + NoticeResponseCancelled}, tr.log)
	assert.Equal(t, []string{"Concierge"}, h.metrics.bargeIns)
	assert.Equal(t, 1, h.metrics.latencies)

	entries := thread(t, s, "Concierge")
	require.Len(t, entries, 3)
	assert.Equal(t, types.UserMessage{Content: "What's my balance?"}, entries[0])
	assert.Equal(t, types.AssistantTextMessage{Content: "Your balance is"}, entries[1])
	assert.Equal(t, types.UserMessage{Content: "Actually, block my card."}, entries[2])
}

func TestRealtime_SpeechWithoutResponseOnlyStopsPlayback(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(SpeechStarted{}, SpeechStopped{})
	s := h.session(t, "rt-quiet")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))
	assert.Equal(t, []string{"update:Concierge", "stop"}, tr.log)
	assert.Empty(t, h.metrics.bargeIns)
}

func TestRealtime_ToolCallReturnsResult(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "Balance?"},
		ToolCallReady{ResponseID: "r1", Call: fixtures.ToolCall("c1", "lookup_account", nil)},
		ResponseDone{ResponseID: "r1", Status: "completed"},
		ResponseTextDelta{ResponseID: "r2", Delta: "You have 42.50."},
		ResponseDone{ResponseID: "r2", Status: "completed"},
	)
	s := h.session(t, "rt-tool")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{"update:Concierge", "tool_result:lookup_account", "respond"}, tr.log)
	require.Len(t, tr.toolResults, 1)
	assert.JSONEq(t, `{"balance":42.5}`, string(tr.toolResults[0].Payload))
	assert.Equal(t, []types.EntryKind{types.KindUser, types.KindAssistantToolCall, types.KindToolResult, types.KindAssistantText},
		testutil.EntryKinds(thread(t, s, "Concierge")))
	// the follow-up belongs to the same turn
	assert.Equal(t, []string{"Concierge:completed"}, h.metrics.turns)
	assert.Equal(t, StateIdle, s.State())
}

// observedRun drives a Run from an unbuffered event channel so a test can
// inspect the session between events.
func observedRun(t *testing.T, h *harness, s *Session) (*fakeTransport, chan<- Event, <-chan error) {
	t.Helper()
	events := make(chan Event)
	tr := &fakeTransport{events: events}
	done := make(chan error, 1)
	o := h.realtime(t)
	go func() { done <- o.Run(context.Background(), s, tr, fakePlayback{tr}) }()
	return tr, events, done
}

func TestRealtime_BargeInBeforeFirstDeltaOfFollowUp(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "rt-early-barge")
	tr, events, done := observedRun(t, h, s)

	events <- InputFinalized{Text: "Balance?"}
	events <- ToolCallReady{ResponseID: "r1", Call: fixtures.ToolCall("c1", "lookup_account", nil)}
	events <- ResponseDone{ResponseID: "r1", Status: "completed"}
	// the follow-up was requested but has produced nothing yet
	testutil.AssertEventuallyTrue(t, func() bool { return s.State() == StateProcessing }, time.Second)
	events <- SpeechStarted{At: time.Now()}
	events <- ResponseDone{ResponseID: "r2", Status: "cancelled"}
	close(events)

	err, ok := testutil.WaitForChannel(done, time.Second)
	require.True(t, ok)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"update:Concierge",
		"tool_result:lookup_account",
		"respond",
		"stop",
		"cancel",
		"notify:" + NoticeResponseCancelled,
	}, tr.log)
	assert.Equal(t, []string{"Concierge"}, h.metrics.bargeIns)
	assert.Equal(t, []string{"Concierge:cancelled"}, h.metrics.turns)
}

func TestRealtime_BargeInBeforeFirstDeltaOfAutoResponse(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "What's my balance?"},
		SpeechStarted{At: time.Now()},
	)
	s := h.session(t, "rt-auto-barge")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{"update:Concierge", "stop", "cancel", "notify:" + NoticeResponseCancelled}, tr.log)
	assert.Equal(t, []string{"Concierge"}, h.metrics.bargeIns)
}

func TestRealtime_BargeInAfterGreetingRequested(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "Someone used my card"},
		ToolCallReady{ResponseID: "r1", Call: fixtures.GenericHandoffCall("c1", "Fraud")},
		ResponseDone{ResponseID: "r1", Status: "completed"},
		SpeechStarted{At: time.Now()},
	)
	s := h.session(t, "rt-greet-barge")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{
		"update:Concierge",
		"update:Fraud",
		"notify:" + NoticeAgentSwitched,
		"greet:Fraud team here. Let's secure your account.",
		"stop",
		"cancel",
		"notify:" + NoticeResponseCancelled,
	}, tr.log)
	assert.Equal(t, []string{"Fraud"}, h.metrics.bargeIns)
}

func TestRealtime_CancelledDoneDoesNotEndNextTurn(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "rt-late-done")
	_, events, done := observedRun(t, h, s)

	events <- InputFinalized{Text: "Balance?"}
	events <- ResponseTextDelta{ResponseID: "r1", Delta: "Your"}
	events <- SpeechStarted{At: time.Now()}
	events <- InputFinalized{Text: "No, block my card."}
	events <- ResponseDone{ResponseID: "r1", Status: "cancelled"}
	testutil.AssertEventuallyTrue(t, func() bool { return s.State() == StateProcessing }, time.Second)
	events <- ResponseTextDelta{ResponseID: "r2", Delta: "Card blocked."}
	events <- ResponseDone{ResponseID: "r2", Status: "completed"}
	close(events)

	err, ok := testutil.WaitForChannel(done, time.Second)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, []string{"Concierge:cancelled", "Concierge:completed"}, h.metrics.turns)
}

func TestRealtime_DiscreteHandoffSwitchesImmediately(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "I was double charged"},
		ToolCallReady{ResponseID: "r1", Call: fixtures.HandoffCall("c1", "handoff_billing", "refund")},
		ResponseDone{ResponseID: "r1"},
		ResponseTextDelta{ResponseID: "r2", Delta: "I can refund that."},
		ResponseDone{ResponseID: "r2", Status: "completed"},
	)
	s := h.session(t, "rt-discrete")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{
		"update:Concierge",
		"update:Billing",
		"notify:" + NoticeAgentSwitched,
		"respond",
	}, tr.log)
	require.Len(t, tr.configs, 2)
	assert.Equal(t, "You handle billing for Dana. Reason: refund.", tr.configs[1].Instructions)
	assert.Equal(t, "onyx", tr.configs[1].Voice)

	assert.Equal(t, "Billing", s.ActiveAgent())
	active, err := s.Store().GetString(context.Background(), persistence.KeyActiveAgent)
	require.NoError(t, err)
	assert.Equal(t, "Billing", active)

	billing := thread(t, s, "Billing")
	require.Len(t, billing, 2)
	assert.Equal(t, types.UserMessage{Content: "I was double charged"}, billing[0])
	assert.Equal(t, types.AssistantTextMessage{Content: "I can refund that."}, billing[1])
	assert.Equal(t, []types.EntryKind{types.KindUser, types.KindAssistantToolCall, types.KindToolResult},
		testutil.EntryKinds(thread(t, s, "Concierge")))
}

func TestRealtime_AnnouncedHandoffGreets(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "Someone used my card"},
		ToolCallReady{ResponseID: "r1", Call: fixtures.GenericHandoffCall("c1", "Fraud")},
	)
	s := h.session(t, "rt-announced")

	require.NoError(t, h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{
		"update:Concierge",
		"update:Fraud",
		"notify:" + NoticeAgentSwitched,
		"greet:Fraud team here. Let's secure your account.",
	}, tr.log)
	assert.Equal(t, "Fraud", s.ActiveAgent())
}

func TestRealtime_FailedApplyRollsBack(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport(
		InputFinalized{Text: "refund"},
		ToolCallReady{ResponseID: "r1", Call: fixtures.HandoffCall("c1", "handoff_billing", "refund")},
	)
	tr.updateErr = func(cfg SessionConfig) error {
		if cfg.Agent == "Billing" {
			return errors.New("session.update rejected")
		}
		return nil
	}
	s := h.session(t, "rt-rollback")
	ctx := context.Background()

	require.NoError(t, h.realtime(t).Run(ctx, s, tr, fakePlayback{tr}))

	assert.Equal(t, []string{"update:Concierge", "update:Billing", "tool_result:handoff_billing", "respond"}, tr.log)
	assert.Equal(t, "Concierge", s.ActiveAgent())
	assert.Equal(t, []string{"Concierge"}, s.VisitedAgents())

	active, err := s.Store().GetString(ctx, persistence.KeyActiveAgent)
	require.NoError(t, err)
	assert.Equal(t, "Concierge", active)
	var visited []string
	require.NoError(t, s.Store().Get(ctx, persistence.KeyVisitedAgents, &visited))
	assert.Equal(t, []string{"Concierge"}, visited)

	require.Len(t, tr.toolResults, 1)
	assert.True(t, tr.toolResults[0].IsError)
	assert.Contains(t, string(tr.toolResults[0].Payload), `"handoff":false`)
}

func TestRealtime_RejectsSecondDriver(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "rt-busy")
	release, err := s.TryBegin()
	require.NoError(t, err)
	defer release()

	tr := newFakeTransport()
	err = h.realtime(t).Run(context.Background(), s, tr, fakePlayback{tr})
	assert.ErrorIs(t, err, ErrTurnInFlight)
}

func TestRealtime_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "rt-cancel")
	tr := &fakeTransport{events: make(chan Event)}

	o := h.realtime(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, s, tr, fakePlayback{tr}) }()

	testutil.AssertEventuallyTrue(t, s.Busy, time.Second)
	cancel()
	err, ok := testutil.WaitForChannel(done, time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Busy())
}
