package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/testutil/fixtures"
	"github.com/BaSui01/turnflow/testutil/mocks"
	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu        sync.Mutex
	turns     []string
	handoffs  []string
	toolCalls []string
	bargeIns  []string
	latencies int
}

func (r *recorder) RecordTurn(agent, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, agent+":"+outcome)
}

func (r *recorder) RecordHandoff(source, target string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if !success {
		status = "failed"
	}
	r.handoffs = append(r.handoffs, source+"->"+target+":"+status)
}

func (r *recorder) RecordToolCall(agent, tool string, _ bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, agent+":"+tool)
}

func (r *recorder) RecordBargeIn(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bargeIns = append(r.bargeIns, agent)
}

func (r *recorder) RecordResponseLatency(string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies++
}

type harness struct {
	agents   *agent.Registry
	resolver *handoff.Resolver
	executor *tools.Executor
	store    *persistence.Store
	metrics  *recorder
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, persistence.NewMemoryStore(zaptest.NewLogger(t)))
}

func newHarnessWithStore(t *testing.T, store *persistence.Store) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	agents := fixtures.BankingAgents(t)
	scenario := fixtures.BankingScenario(t, agents)

	registry := tools.NewRegistry(logger)
	registry.MustRegister(mocks.NewMockTool("lookup_account", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"balance": 42.5}, nil
	}))
	registry.MustRegister(mocks.NewMockTool("issue_refund", nil))

	return &harness{
		agents:   agents,
		resolver: handoff.NewResolver(scenario, logger),
		executor: tools.NewExecutor(registry, logger),
		store:    store,
		metrics:  &recorder{},
	}
}

func (h *harness) deps(p llm.Provider, sink SpeechSink) Dependencies {
	return Dependencies{
		Agents:   h.agents,
		Resolver: h.resolver,
		Tools:    h.executor,
		Provider: p,
		Speech:   sink,
		Metrics:  h.metrics,
	}
}

// session opens a session with the caller's details already in core memory.
func (h *harness) session(t *testing.T, id string) *Session {
	t.Helper()
	ctx := context.Background()
	state := h.store.Session(id)
	require.NoError(t, state.SetMany(ctx, map[string]any{
		"bank_name":   "Acme Bank",
		"caller_name": "Dana",
	}))
	s, err := NewSession(ctx, state, "Concierge")
	require.NoError(t, err)
	return s
}

func (h *harness) orchestrator(t *testing.T, cfg Config, p llm.Provider, sink SpeechSink) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg, h.deps(p, sink), zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func thread(t *testing.T, s *Session, agentName string) []types.Entry {
	t.Helper()
	entries, err := s.Store().Thread(context.Background(), agentName)
	require.NoError(t, err)
	return entries
}

type utteranceLog struct {
	mu  sync.Mutex
	all []Utterance
	err error
}

func (l *utteranceLog) Speak(_ context.Context, u Utterance) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, u)
	return l.err
}

func (l *utteranceLog) texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.all))
	for _, u := range l.all {
		out = append(out, u.Text)
	}
	return out
}
