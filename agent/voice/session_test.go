package voice

import (
	"context"
	"testing"

	"github.com/BaSui01/turnflow/agent/handoff"
	"github.com/BaSui01/turnflow/agent/persistence"
	"github.com/BaSui01/turnflow/testutil"
	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func resolution(source, target string, ctx map[string]any) handoff.Resolution {
	return handoff.Resolution{Success: true, Source: source, Target: target, Mode: handoff.ModeDiscrete, Context: ctx}
}

func TestNewSession_InitialisesThenLoads(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore(zaptest.NewLogger(t))

	s, err := NewSession(ctx, store.Session("s1"), "Concierge")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID())
	assert.Equal(t, "Concierge", s.ActiveAgent())
	assert.Equal(t, []string{"Concierge"}, s.VisitedAgents())
	assert.Equal(t, StateIdle, s.State())

	var visited []string
	require.NoError(t, store.Session("s1").Get(ctx, persistence.KeyVisitedAgents, &visited))
	assert.Equal(t, []string{"Concierge"}, visited)

	require.NoError(t, store.Session("s1").Set(ctx, persistence.KeyActiveAgent, "Billing"))
	again, err := NewSession(ctx, store.Session("s1"), "Concierge")
	require.NoError(t, err)
	assert.Equal(t, "Billing", again.ActiveAgent())
	assert.True(t, again.Visited("Billing"))

	_, err = NewSession(ctx, store.Session("s2"), "")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestSession_Transitions(t *testing.T) {
	s, err := NewSession(context.Background(), persistence.NewMemoryStore(nil).Session("s"), "Concierge")
	require.NoError(t, err)

	err = s.transition(StateProcessingHandoff)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))

	require.NoError(t, s.transition(StateProcessing))
	require.NoError(t, s.transition(StateProcessingHandoff))
	require.NoError(t, s.transition(StateProcessing))
	require.NoError(t, s.transition(StateIdle))
}

func TestSession_TryBegin(t *testing.T) {
	s, err := NewSession(context.Background(), persistence.NewMemoryStore(nil).Session("s"), "Concierge")
	require.NoError(t, err)

	release, err := s.TryBegin()
	require.NoError(t, err)
	assert.True(t, s.Busy())

	_, err = s.TryBegin()
	assert.ErrorIs(t, err, ErrTurnInFlight)

	require.NoError(t, s.transition(StateProcessing))
	release()
	release()
	assert.False(t, s.Busy())
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_CommitHandoffWritesStoreThenMemory(t *testing.T) {
	ctx := context.Background()
	s, err := NewSession(ctx, persistence.NewMemoryStore(nil).Session("s"), "Concierge")
	require.NoError(t, err)
	require.NoError(t, s.transition(StateProcessing))

	seeded, undo, err := s.commitHandoff(ctx, resolution("Concierge", "Billing", map[string]any{"reason": "refund"}),
		types.UserMessage{Content: "refund please"})
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.Equal(t, StateProcessingHandoff, s.State())
	pending, ok := s.PendingHandoff()
	require.True(t, ok)
	assert.Equal(t, "Billing", pending.Target)

	assert.Equal(t, "Billing", s.ActiveAgent())
	assert.Equal(t, map[string]any{"reason": "refund"}, s.HandoffContext())
	var stored map[string]any
	require.NoError(t, s.Store().Get(ctx, KeyHandoffContext, &stored))
	assert.Equal(t, "refund", stored["reason"])

	require.NoError(t, undo(ctx))
	assert.Equal(t, "Concierge", s.ActiveAgent())
	assert.False(t, s.Visited("Billing"))
	assert.Nil(t, s.HandoffContext())
	active, err := s.Store().GetString(ctx, persistence.KeyActiveAgent)
	require.NoError(t, err)
	assert.Equal(t, "Concierge", active)
	err = s.Store().Get(ctx, KeyHandoffContext, &stored)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSession_CommitHandoffLeavesSessionUntouchedOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	mr, client := testutil.NewRedis(t)
	store := persistence.NewRedisStore(client, persistence.DefaultStoreConfig(), zaptest.NewLogger(t))
	s, err := NewSession(ctx, store.Session("s"), "Concierge")
	require.NoError(t, err)
	require.NoError(t, s.transition(StateProcessing))

	mr.SetError("READONLY replica")
	_, _, err = s.commitHandoff(ctx, resolution("Concierge", "Billing", nil), types.UserMessage{Content: "hi"})
	require.Error(t, err)
	mr.SetError("")

	assert.Equal(t, "Concierge", s.ActiveAgent())
	assert.Equal(t, []string{"Concierge"}, s.VisitedAgents())
	active, err := s.Store().GetString(ctx, persistence.KeyActiveAgent)
	require.NoError(t, err)
	assert.Equal(t, "Concierge", active)
	billing, err := s.Store().Thread(ctx, "Billing")
	require.NoError(t, err)
	assert.Empty(t, billing)
}

// Between handoffs exactly one active agent is set, memory agrees with the
// store, and the active agent is always in the visited set.
func TestSession_ActiveAgentInvariant(t *testing.T) {
	agents := []string{"Concierge", "Billing", "Fraud"}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s, err := NewSession(ctx, persistence.NewMemoryStore(nil).Session("prop"), "Concierge")
		if err != nil {
			rt.Fatal(err)
		}
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			target := rapid.SampledFrom(agents).Draw(rt, "target")
			revert := rapid.Bool().Draw(rt, "revert")
			if target == s.ActiveAgent() {
				continue
			}
			if err := s.transition(StateProcessing); err != nil {
				rt.Fatal(err)
			}
			_, undo, err := s.commitHandoff(ctx, resolution(s.ActiveAgent(), target, nil), nil)
			if err != nil {
				rt.Fatal(err)
			}
			if revert {
				if err := undo(ctx); err != nil {
					rt.Fatal(err)
				}
			}
			if err := s.transition(StateIdle); err != nil {
				rt.Fatal(err)
			}

			active, err := s.Store().GetString(ctx, persistence.KeyActiveAgent)
			if err != nil {
				rt.Fatal(err)
			}
			if active == "" || active != s.ActiveAgent() {
				rt.Fatalf("store active %q, memory active %q", active, s.ActiveAgent())
			}
			if !s.Visited(active) {
				rt.Fatalf("active agent %q not visited", active)
			}
			var visited []string
			if err := s.Store().Get(ctx, persistence.KeyVisitedAgents, &visited); err != nil {
				rt.Fatal(err)
			}
			if len(visited) != len(s.VisitedAgents()) {
				rt.Fatalf("visited mismatch: store %v memory %v", visited, s.VisitedAgents())
			}
		}
	})
}
