package handlers

import (
	"context"
	"testing"

	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/agent/voice"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/testutil/fixtures"
	"github.com/BaSui01/turnflow/testutil/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testDeps 组装银行场景下的会话注册表与两种编排器
type testDeps struct {
	store    *persistence.Store
	registry *voice.SessionRegistry
	deps     voice.Dependencies
}

func newTestDeps(t *testing.T, p llm.Provider) *testDeps {
	t.Helper()
	logger := zaptest.NewLogger(t)
	agents := fixtures.BankingAgents(t)

	toolRegistry := tools.NewRegistry(logger)
	toolRegistry.MustRegister(mocks.NewMockTool("lookup_account", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"balance": 42.5}, nil
	}))
	toolRegistry.MustRegister(mocks.NewMockTool("issue_refund", nil))

	store := persistence.NewMemoryStore(logger)
	return &testDeps{
		store:    store,
		registry: voice.NewSessionRegistry(store, "Concierge", logger),
		deps: voice.Dependencies{
			Agents:   agents,
			Resolver: handoff.NewResolver(fixtures.BankingScenario(t, agents), logger),
			Tools:    tools.NewExecutor(toolRegistry, logger),
			Provider: p,
		},
	}
}

func (d *testDeps) orchestrator(t *testing.T) *voice.Orchestrator {
	t.Helper()
	o, err := voice.NewOrchestrator(voice.DefaultConfig(), d.deps, zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}

func (d *testDeps) realtime(t *testing.T) *voice.RealtimeOrchestrator {
	t.Helper()
	o, err := voice.NewRealtimeOrchestrator(voice.DefaultConfig(), d.deps, zaptest.NewLogger(t))
	require.NoError(t, err)
	return o
}
