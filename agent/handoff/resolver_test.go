package handoff

import (
	"maps"
	"testing"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const bankingScenario = `
name: banking
start_agent: Concierge
default_mode: announced
share_context_default: true
generic_handoff:
  enabled: true
  allowed_targets: [Fraud]
  mode: discrete
edges:
  - from: Concierge
    to: Billing
    trigger: handoff_billing
    mode: discrete
    extra_context:
      caller: "{{.caller_name}}"
  - from: Billing
    to: Concierge
    trigger: handoff_concierge
    mode: announced
    share_context: false
`

func testAgents(t *testing.T) *agent.Registry {
	t.Helper()
	defs := []agent.Definition{
		{Name: "Concierge", Prompt: "front desk"},
		{Name: "Billing", Prompt: "billing"},
		{Name: "Fraud", Prompt: "fraud"},
	}
	defs[0].Greetings.Entry = "Hello, concierge here."
	defs[0].Greetings.Return = "Welcome back, {{.caller_name}}."
	defs[1].Greetings.Entry = "Billing desk."
	defs[2].Greetings.Entry = "Fraud team."

	var agents []agent.Agent
	for _, d := range defs {
		a, err := agent.NewDescriptor(d)
		require.NoError(t, err)
		agents = append(agents, a)
	}
	r, err := agent.NewRegistry(agents...)
	require.NoError(t, err)
	return r
}

func testScenario(t *testing.T) *Scenario {
	t.Helper()
	def, err := ParseScenario([]byte(bankingScenario))
	require.NoError(t, err)
	s, err := NewScenario(*def, testAgents(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestScenario_Lookup(t *testing.T) {
	s := testScenario(t)

	assert.Equal(t, "banking", s.Name())
	assert.Equal(t, "Concierge", s.StartAgent())
	assert.Equal(t, ModeAnnounced, s.DefaultMode())

	e, ok := s.Edge("Concierge", "Billing")
	require.True(t, ok)
	assert.Equal(t, ModeDiscrete, e.Mode)
	assert.True(t, e.ShareContext)

	back, ok := s.Edge("Billing", "Concierge")
	require.True(t, ok)
	assert.False(t, back.ShareContext)

	target, ok := s.TriggerTarget("Concierge", "handoff_billing")
	require.True(t, ok)
	assert.Equal(t, "Billing", target)

	assert.Equal(t, []string{"handoff_billing", tools.GenericHandoffToolName}, s.HandoffTools("Concierge"))
	assert.True(t, s.IsHandoffTool("Billing", "handoff_concierge"))
	assert.False(t, s.IsHandoffTool("Billing", "handoff_billing"))
	assert.Len(t, s.EdgesFrom("Billing"), 1)
	assert.Equal(t, []string{"Fraud"}, s.DeadEnds())
}

func TestNewScenario_ValidationErrors(t *testing.T) {
	def := ScenarioDefinition{
		Name:       "broken",
		StartAgent: "Concierge",
		Edges: []EdgeDefinition{
			{From: "Concierge", To: "Ghost", Trigger: "handoff_ghost"},
			{From: "Concierge", To: "Billing", Trigger: "handoff_billing", Mode: "loud"},
			{From: "Concierge", To: "Fraud", Trigger: ""},
			{From: "Billing", To: "Billing", Trigger: "loop"},
		},
		GenericHandoff: GenericHandoffDefinition{Enabled: true, AllowedTargets: []string{"Nobody"}},
	}
	_, err := NewScenario(def, testAgents(t), nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrRoutingInvalid))
	for _, want := range []string{`"Ghost" is not registered`, `unknown handoff mode "loud"`, "trigger is required", "routes to itself", `"Nobody" is not registered`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewScenario_DuplicateTrigger(t *testing.T) {
	def := ScenarioDefinition{
		Name:       "dup",
		StartAgent: "Concierge",
		Edges: []EdgeDefinition{
			{From: "Concierge", To: "Billing", Trigger: "transfer"},
			{From: "Concierge", To: "Fraud", Trigger: "transfer"},
		},
	}
	_, err := NewScenario(def, testAgents(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `already routes to "Billing"`)
}

func TestNewScenario_DeadEndPolicies(t *testing.T) {
	base := ScenarioDefinition{
		Name:       "oneway",
		StartAgent: "Concierge",
		Edges:      []EdgeDefinition{{From: "Concierge", To: "Billing", Trigger: "handoff_billing"}},
	}

	for _, policy := range []DeadEndPolicy{"", DeadEndAllow, DeadEndWarn} {
		def := base
		def.DeadEndPolicy = policy
		s, err := NewScenario(def, testAgents(t), zaptest.NewLogger(t))
		require.NoError(t, err, "policy %q", policy)
		assert.Equal(t, []string{"Billing"}, s.DeadEnds())
	}

	def := base
	def.DeadEndPolicy = DeadEndReject
	_, err := NewScenario(def, testAgents(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Billing")

	def.Edges = append(def.Edges, EdgeDefinition{From: "Billing", To: "Concierge", Trigger: "handoff_concierge"})
	s, err := NewScenario(def, testAgents(t), nil)
	require.NoError(t, err)
	assert.Empty(t, s.DeadEnds())

	def.DeadEndPolicy = "sometimes"
	_, err = NewScenario(def, testAgents(t), nil)
	assert.Error(t, err)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte("name: x\nstart_agent: A\nedgez: []\n"))
	assert.Error(t, err)
}

func TestResolve_DiscreteEdgeMergesContext(t *testing.T) {
	r := NewResolver(testScenario(t), zaptest.NewLogger(t))
	view := SessionView{
		Context: map[string]any{"caller_name": "Ada", "reason": "from session", "account": "A-1"},
		Visited: map[string]bool{"Concierge": true},
	}

	res := r.Resolve(Request{
		Source:  "Concierge",
		Trigger: "handoff_billing",
		Data: map[string]any{
			tools.KeyHandoff:        true,
			tools.KeyHandoffMessage: "transferring",
			"reason":                "refund",
		},
	}, view)

	require.True(t, res.Success)
	require.NoError(t, res.Err)
	assert.Equal(t, "Billing", res.Target)
	assert.Equal(t, ModeDiscrete, res.Mode)
	assert.False(t, res.GreetOnSwitch)
	assert.Equal(t, map[string]any{
		"caller_name": "Ada",
		"account":     "A-1",
		"caller":      "Ada",
		"reason":      "refund",
	}, res.Context)

	billing, _ := testAgents(t).Get("Billing")
	greeting, err := SelectGreeting(res, billing, view)
	require.NoError(t, err)
	assert.Empty(t, greeting, "discrete switches do not greet")
}

func TestResolve_AnnouncedReturnGreeting(t *testing.T) {
	r := NewResolver(testScenario(t), nil)
	agents := testAgents(t)
	concierge, _ := agents.Get("Concierge")
	view := SessionView{
		Context: map[string]any{"caller_name": "Ada"},
		Visited: map[string]bool{"Concierge": true, "Billing": true},
	}

	res := r.Resolve(Request{Source: "Billing", Trigger: "handoff_concierge", Data: map[string]any{"handoff": true}}, view)
	require.True(t, res.Success)
	assert.True(t, res.GreetOnSwitch)
	assert.False(t, res.ShareContext)
	assert.Empty(t, res.Context, "session context is not shared on this edge")

	greeting, err := SelectGreeting(res, concierge, view)
	require.NoError(t, err)
	assert.Equal(t, "Welcome back, Ada.", greeting)

	firstVisit := SessionView{Context: view.Context, Visited: map[string]bool{"Billing": true}}
	greeting, err = SelectGreeting(res, concierge, firstVisit)
	require.NoError(t, err)
	assert.Equal(t, "Hello, concierge here.", greeting)
}

func TestSelectGreeting_OverrideWins(t *testing.T) {
	concierge, _ := testAgents(t).Get("Concierge")
	res := Resolution{Success: true, Target: "Concierge", GreetOnSwitch: false, Context: map[string]any{GreetingOverrideKey: " One moment please. "}}
	greeting, err := SelectGreeting(res, concierge, SessionView{})
	require.NoError(t, err)
	assert.Equal(t, "One moment please.", greeting)
}

func TestSelectGreeting_ReturnFallsBackToEntry(t *testing.T) {
	billing, _ := testAgents(t).Get("Billing")
	res := Resolution{Success: true, Target: "Billing", GreetOnSwitch: true}
	greeting, err := SelectGreeting(res, billing, SessionView{Visited: map[string]bool{"Billing": true}})
	require.NoError(t, err)
	assert.Equal(t, "Billing desk.", greeting)
}

func TestResolve_Generic(t *testing.T) {
	r := NewResolver(testScenario(t), nil)

	res := r.Resolve(Request{Source: "Billing", Trigger: tools.GenericHandoffToolName, Target: "Fraud"}, SessionView{})
	require.True(t, res.Success)
	assert.Equal(t, "Fraud", res.Target)
	assert.Equal(t, ModeDiscrete, res.Mode)

	// an explicit edge takes precedence over the generic policy
	res = r.Resolve(Request{Source: "Concierge", Trigger: tools.GenericHandoffToolName, Target: "Billing"},
		SessionView{Context: map[string]any{"caller_name": "Lin"}})
	require.True(t, res.Success)
	assert.Equal(t, "Lin", res.Context["caller"])

	res = r.Resolve(Request{Source: "Fraud", Trigger: tools.GenericHandoffToolName, Target: "Billing"}, SessionView{})
	assert.False(t, res.Success)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrRoutingNotFound))

	res = r.Resolve(Request{Source: "Fraud", Trigger: tools.GenericHandoffToolName, Target: "Fraud"}, SessionView{})
	assert.False(t, res.Success)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrRoutingInvalid))
}

func TestResolve_UnknownTrigger(t *testing.T) {
	r := NewResolver(testScenario(t), nil)
	res := r.Resolve(Request{Source: "Billing", Trigger: "handoff_billing"}, SessionView{})
	assert.False(t, res.Success)
	assert.Empty(t, res.Target)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrRoutingNotFound))
	assert.Contains(t, res.Err.Error(), "banking")
}

func TestProperty_UnroutableTargetsFailWithoutMutation(t *testing.T) {
	r := NewResolver(testScenario(t), nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("targets outside the graph never resolve", prop.ForAll(
		func(source, target, trigger string, ctxVal string) bool {
			if target == "Fraud" || target == "Billing" || target == "Concierge" {
				return true
			}
			view := SessionView{
				Context: map[string]any{"slot": ctxVal},
				Visited: map[string]bool{source: true},
			}
			before := maps.Clone(view.Context)
			visitedBefore := maps.Clone(view.Visited)

			res := r.Resolve(Request{Source: source, Trigger: trigger, Target: target}, view)

			return !res.Success && res.Err != nil &&
				maps.Equal(before, view.Context) && maps.Equal(visitedBefore, view.Visited)
		},
		gen.OneConstOf("Concierge", "Billing", "Fraud"),
		gen.AlphaString(),
		gen.OneConstOf(tools.GenericHandoffToolName, "", "lookup_invoice"),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
