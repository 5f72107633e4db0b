package handoff

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"text/template"

	"github.com/BaSui01/turnflow/llm/tools"
	"github.com/BaSui01/turnflow/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Mode controls whether the target agent announces itself after a switch.
type Mode string

const (
	ModeAnnounced Mode = "announced"
	ModeDiscrete  Mode = "discrete"
)

// ParseMode parses a mode name; "" yields fallback.
func ParseMode(s string, fallback Mode) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return fallback, nil
	case ModeAnnounced:
		return ModeAnnounced, nil
	case ModeDiscrete:
		return ModeDiscrete, nil
	default:
		return "", fmt.Errorf("unknown handoff mode %q", s)
	}
}

// DeadEndPolicy decides what loading does with an agent that is reachable
// from the start agent but has no path back to it.
type DeadEndPolicy string

const (
	DeadEndAllow  DeadEndPolicy = "allow"
	DeadEndWarn   DeadEndPolicy = "warn"
	DeadEndReject DeadEndPolicy = "reject"
)

// AgentLookup is the part of the agent registry validation needs.
type AgentLookup interface {
	Has(name string) bool
}

// ============================================================
// Declarative form
// ============================================================

// EdgeDefinition declares one legal transfer.
type EdgeDefinition struct {
	From         string            `yaml:"from" json:"from"`
	To           string            `yaml:"to" json:"to"`
	Trigger      string            `yaml:"trigger" json:"trigger"`
	Mode         string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	ShareContext *bool             `yaml:"share_context,omitempty" json:"share_context,omitempty"`
	ExtraContext map[string]string `yaml:"extra_context,omitempty" json:"extra_context,omitempty"`
}

// GenericHandoffDefinition enables transfers to any allow-listed agent by name.
type GenericHandoffDefinition struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedTargets []string `yaml:"allowed_targets,omitempty" json:"allowed_targets,omitempty"`
	Mode           string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	ShareContext   *bool    `yaml:"share_context,omitempty" json:"share_context,omitempty"`
}

// ScenarioDefinition is the routing graph as authored.
type ScenarioDefinition struct {
	Name                string                   `yaml:"name" json:"name"`
	StartAgent          string                   `yaml:"start_agent" json:"start_agent"`
	DefaultMode         string                   `yaml:"default_mode,omitempty" json:"default_mode,omitempty"`
	ShareContextDefault bool                     `yaml:"share_context_default" json:"share_context_default"`
	GenericHandoff      GenericHandoffDefinition `yaml:"generic_handoff,omitempty" json:"generic_handoff,omitempty"`
	Edges               []EdgeDefinition         `yaml:"edges" json:"edges"`
	DeadEndPolicy       DeadEndPolicy            `yaml:"dead_end_policy,omitempty" json:"dead_end_policy,omitempty"`
}

// LoadScenarioFile reads a YAML scenario definition.
func LoadScenarioFile(path string) (*ScenarioDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a YAML scenario definition. Unknown fields are rejected.
func ParseScenario(data []byte) (*ScenarioDefinition, error) {
	var def ScenarioDefinition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	return &def, nil
}

// ============================================================
// Validated graph
// ============================================================

// EdgeConfig is a validated edge.
type EdgeConfig struct {
	Source       string
	Target       string
	Trigger      string
	Mode         Mode
	ShareContext bool
	ExtraContext map[string]*template.Template
}

// GenericConfig is the validated dynamic handoff policy.
type GenericConfig struct {
	Enabled      bool
	Allowed      map[string]bool
	Mode         Mode
	ShareContext bool
}

type edgeKey struct{ source, target string }
type triggerKey struct{ source, trigger string }

// Scenario is a validated, read-only routing graph. Safe for concurrent use
// and shareable across sessions.
type Scenario struct {
	name          string
	start         string
	defaultMode   Mode
	edges         map[edgeKey]EdgeConfig
	triggers      map[triggerKey]string
	bySource      map[string][]EdgeConfig
	generic       GenericConfig
	deadEnds      []string
	deadEndPolicy DeadEndPolicy
}

// NewScenario validates def against the agent registry. Every agent the graph
// names must be registered; violations are reported together.
func NewScenario(def ScenarioDefinition, agents AgentLookup, logger *zap.Logger) (*Scenario, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scenario"), zap.String("scenario", def.Name))

	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	known := func(role, name string) bool {
		if strings.TrimSpace(name) == "" {
			fail("%s agent is empty", role)
			return false
		}
		if !agents.Has(name) {
			fail("%s agent %q is not registered", role, name)
			return false
		}
		return true
	}

	defaultMode, err := ParseMode(def.DefaultMode, ModeAnnounced)
	if err != nil {
		fail("default_mode: %w", err)
		defaultMode = ModeAnnounced
	}
	policy := def.DeadEndPolicy
	switch policy {
	case "":
		policy = DeadEndAllow
	case DeadEndAllow, DeadEndWarn, DeadEndReject:
	default:
		fail("unknown dead_end_policy %q", def.DeadEndPolicy)
	}

	s := &Scenario{
		name:          def.Name,
		start:         def.StartAgent,
		defaultMode:   defaultMode,
		edges:         make(map[edgeKey]EdgeConfig, len(def.Edges)),
		triggers:      make(map[triggerKey]string, len(def.Edges)),
		bySource:      make(map[string][]EdgeConfig),
		deadEndPolicy: policy,
	}
	known("start", def.StartAgent)

	for i, e := range def.Edges {
		okFrom := known(fmt.Sprintf("edge[%d] from", i), e.From)
		okTo := known(fmt.Sprintf("edge[%d] to", i), e.To)
		if !okFrom || !okTo {
			continue
		}
		if e.From == e.To {
			fail("edge[%d]: %q routes to itself", i, e.From)
			continue
		}
		if strings.TrimSpace(e.Trigger) == "" {
			fail("edge[%d] %s->%s: trigger is required", i, e.From, e.To)
			continue
		}
		mode, err := ParseMode(e.Mode, defaultMode)
		if err != nil {
			fail("edge[%d] %s->%s: %w", i, e.From, e.To, err)
			continue
		}
		ek := edgeKey{e.From, e.To}
		if _, dup := s.edges[ek]; dup {
			fail("edge[%d]: duplicate edge %s->%s", i, e.From, e.To)
			continue
		}
		tk := triggerKey{e.From, e.Trigger}
		if prev, dup := s.triggers[tk]; dup {
			fail("edge[%d]: trigger %q of %q already routes to %q", i, e.Trigger, e.From, prev)
			continue
		}
		extra := make(map[string]*template.Template, len(e.ExtraContext))
		for k, src := range e.ExtraContext {
			tmpl, err := template.New(k).Option("missingkey=zero").Parse(src)
			if err != nil {
				fail("edge[%d] %s->%s extra_context %q: %w", i, e.From, e.To, k, err)
				continue
			}
			extra[k] = tmpl
		}
		share := def.ShareContextDefault
		if e.ShareContext != nil {
			share = *e.ShareContext
		}
		cfg := EdgeConfig{Source: e.From, Target: e.To, Trigger: e.Trigger, Mode: mode, ShareContext: share, ExtraContext: extra}
		s.edges[ek] = cfg
		s.triggers[tk] = e.To
		s.bySource[e.From] = append(s.bySource[e.From], cfg)
	}

	g := def.GenericHandoff
	s.generic = GenericConfig{Enabled: g.Enabled, Allowed: make(map[string]bool, len(g.AllowedTargets)), ShareContext: def.ShareContextDefault}
	if g.ShareContext != nil {
		s.generic.ShareContext = *g.ShareContext
	}
	if s.generic.Mode, err = ParseMode(g.Mode, defaultMode); err != nil {
		fail("generic_handoff: %w", err)
	}
	for _, name := range g.AllowedTargets {
		if known("generic_handoff allowed", name) {
			s.generic.Allowed[name] = true
		}
	}
	if g.Enabled && len(g.AllowedTargets) == 0 {
		fail("generic_handoff is enabled but allowed_targets is empty")
	}

	if len(errs) > 0 {
		return nil, types.NewError(types.ErrRoutingInvalid, "invalid scenario "+def.Name).WithCause(errors.Join(errs...))
	}

	s.deadEnds = s.findDeadEnds()
	if len(s.deadEnds) > 0 {
		switch s.deadEndPolicy {
		case DeadEndReject:
			return nil, types.Errorf(types.ErrRoutingInvalid,
				"scenario %s: agents %s have no route back to %s", def.Name, strings.Join(s.deadEnds, ", "), s.start)
		case DeadEndWarn:
			logger.Warn("scenario has dead-end agents", zap.Strings("agents", s.deadEnds))
		default:
			logger.Debug("scenario has dead-end agents", zap.Strings("agents", s.deadEnds))
		}
	}

	logger.Info("scenario loaded",
		zap.String("start_agent", s.start),
		zap.Int("edges", len(s.edges)),
		zap.Bool("generic_handoff", s.generic.Enabled))
	return s, nil
}

// findDeadEnds lists agents reachable from the start agent that cannot reach it again.
func (s *Scenario) findDeadEnds() []string {
	forward := map[string][]string{}
	reverse := map[string][]string{}
	link := func(from, to string) {
		forward[from] = append(forward[from], to)
		reverse[to] = append(reverse[to], from)
	}
	for k := range s.edges {
		link(k.source, k.target)
	}
	if s.generic.Enabled {
		// any agent may use the generic tool to reach an allowed target
		var nodes []string
		for k := range s.edges {
			nodes = append(nodes, k.source, k.target)
		}
		nodes = append(nodes, s.start)
		for target := range s.generic.Allowed {
			for _, from := range nodes {
				if from != target {
					link(from, target)
				}
			}
		}
	}

	reachable := walk(s.start, forward)
	returning := walk(s.start, reverse)
	var dead []string
	for name := range reachable {
		if name != s.start && !returning[name] {
			dead = append(dead, name)
		}
	}
	sort.Strings(dead)
	return dead
}

func walk(from string, adj map[string][]string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range adj[n] {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	return seen
}

// Name returns the scenario name.
func (s *Scenario) Name() string { return s.name }

// StartAgent returns the agent that owns a new session.
func (s *Scenario) StartAgent() string { return s.start }

// DefaultMode returns the mode edges inherit when they do not set one.
func (s *Scenario) DefaultMode() Mode { return s.defaultMode }

// Edge looks up the (source, target) edge.
func (s *Scenario) Edge(source, target string) (EdgeConfig, bool) {
	e, ok := s.edges[edgeKey{source, target}]
	return e, ok
}

// TriggerTarget maps a static trigger fired by source to its target.
func (s *Scenario) TriggerTarget(source, trigger string) (string, bool) {
	t, ok := s.triggers[triggerKey{source, trigger}]
	return t, ok
}

// Generic returns the dynamic handoff policy.
func (s *Scenario) Generic() GenericConfig { return s.generic }

// EdgesFrom lists outgoing edges of source in declaration order.
func (s *Scenario) EdgesFrom(source string) []EdgeConfig { return slices.Clone(s.bySource[source]) }

// DeadEnds lists agents reachable from the start agent without a route back.
func (s *Scenario) DeadEnds() []string { return slices.Clone(s.deadEnds) }

// HandoffTools lists the trigger tool names available to source, including the
// generic handoff tool when it is enabled.
func (s *Scenario) HandoffTools(source string) []string {
	var names []string
	for _, e := range s.bySource[source] {
		names = append(names, e.Trigger)
	}
	if s.generic.Enabled {
		names = append(names, tools.GenericHandoffToolName)
	}
	return names
}

// IsHandoffTool reports whether name is a handoff trigger for source.
func (s *Scenario) IsHandoffTool(source, name string) bool {
	if s.generic.Enabled && name == tools.GenericHandoffToolName {
		return true
	}
	_, ok := s.triggers[triggerKey{source, name}]
	return ok
}
