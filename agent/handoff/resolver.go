package handoff

import (
	"bytes"
	"maps"
	"strings"

	"github.com/BaSui01/turnflow/agent"
	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
)

// GreetingOverrideKey in handoff context replaces the target's rendered greeting.
const GreetingOverrideKey = "greeting"

// Request is one attempt to move control away from Source.
type Request struct {
	Source string
	// Trigger is the name of the tool that fired.
	Trigger string
	// Target is set by generic handoffs that name their destination.
	Target string
	// Data is the handoff tool's result, control keys included.
	Data map[string]any
}

// SessionView is the read-only session data resolution and greeting selection use.
type SessionView struct {
	Context map[string]any
	Visited map[string]bool
}

// Resolution is the outcome of Resolve. A failed resolution is a normal result:
// Success is false and Err explains why.
type Resolution struct {
	Success       bool
	Source        string
	Target        string
	Trigger       string
	Mode          Mode
	GreetOnSwitch bool
	ShareContext  bool
	Context       map[string]any
	Err           error
}

// Resolver applies a Scenario to handoff requests. It holds no per-session
// state and never mutates a session.
type Resolver struct {
	scenario *Scenario
	logger   *zap.Logger
}

// NewResolver creates a resolver for the scenario.
func NewResolver(scenario *Scenario, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{scenario: scenario, logger: logger.With(zap.String("component", "handoff_resolver"))}
}

// Scenario returns the routing graph in use.
func (r *Resolver) Scenario() *Scenario { return r.scenario }

// Resolve decides whether the transfer is legal and builds its context.
func (r *Resolver) Resolve(req Request, view SessionView) Resolution {
	res := Resolution{Source: req.Source, Trigger: req.Trigger}
	fail := func(err *types.Error) Resolution {
		res.Err = err
		r.logger.Info("handoff rejected",
			zap.String("source", req.Source),
			zap.String("trigger", req.Trigger),
			zap.String("target", req.Target),
			zap.String("reason", err.Message))
		return res
	}

	var (
		edge  EdgeConfig
		found bool
	)
	if target, ok := r.scenario.TriggerTarget(req.Source, req.Trigger); ok {
		edge, found = r.scenario.Edge(req.Source, target)
	} else if req.Target != "" {
		if req.Target == req.Source {
			return fail(types.Errorf(types.ErrRoutingInvalid, "agent %q is already active", req.Source))
		}
		if e, ok := r.scenario.Edge(req.Source, req.Target); ok {
			edge, found = e, true
		} else if g := r.scenario.Generic(); g.Enabled && g.Allowed[req.Target] {
			edge = EdgeConfig{Source: req.Source, Target: req.Target, Trigger: req.Trigger, Mode: g.Mode, ShareContext: g.ShareContext}
			found = true
		}
	}
	if !found {
		target := req.Target
		if target == "" {
			target = "?"
		}
		return fail(types.Errorf(types.ErrRoutingNotFound,
			"no route from %q via %q to %q in scenario %s", req.Source, req.Trigger, target, r.scenario.Name()))
	}

	ctx, err := buildContext(edge, req.Data, view.Context)
	if err != nil {
		return fail(types.NewError(types.ErrRoutingInvalid, "render extra context").WithCause(err))
	}

	res.Success = true
	res.Target = edge.Target
	res.Mode = edge.Mode
	res.GreetOnSwitch = edge.Mode == ModeAnnounced
	res.ShareContext = edge.ShareContext
	res.Context = ctx
	r.logger.Debug("handoff resolved",
		zap.String("source", res.Source),
		zap.String("target", res.Target),
		zap.String("mode", string(res.Mode)))
	return res
}

// buildContext merges, lowest precedence first: session context (when shared),
// rendered extra context, tool data. Control keys are removed.
func buildContext(edge EdgeConfig, toolData, session map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if edge.ShareContext {
		maps.Copy(out, session)
	}
	for k, tmpl := range edge.ExtraContext {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, session); err != nil {
			return nil, err
		}
		out[k] = strings.ReplaceAll(buf.String(), "<no value>", "")
	}
	maps.Copy(out, toolData)
	return tools.StripControlKeys(out), nil
}

// SelectGreeting picks what the target says on arrival: an explicit override,
// nothing for discrete switches, else its entry or return greeting depending on
// whether the session has visited it. A missing return greeting falls back to entry.
func SelectGreeting(res Resolution, target agent.Agent, view SessionView) (string, error) {
	if g, ok := res.Context[GreetingOverrideKey].(string); ok && strings.TrimSpace(g) != "" {
		return strings.TrimSpace(g), nil
	}
	if !res.GreetOnSwitch {
		return "", nil
	}

	vars := make(map[string]any, len(view.Context)+len(res.Context))
	maps.Copy(vars, view.Context)
	maps.Copy(vars, res.Context)

	if view.Visited[target.Name()] {
		g, err := target.RenderGreeting(agent.GreetingReturn, vars)
		if err != nil || g != "" {
			return g, err
		}
	}
	return target.RenderGreeting(agent.GreetingEntry, vars)
}
