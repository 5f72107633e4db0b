package agent

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"
)

// GreetingKind selects which greeting template to render.
type GreetingKind string

const (
	// GreetingEntry is spoken the first time an agent takes control in a session.
	GreetingEntry GreetingKind = "entry"
	// GreetingReturn is spoken when control comes back to an agent already visited.
	GreetingReturn GreetingKind = "return"
)

// Settings are the completion and voice parameters an agent runs with.
type Settings struct {
	Model       string  `json:"model,omitempty"`
	Voice       string  `json:"voice,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Agent is a named capability: callable tool names, a prompt renderer and
// entry/return greetings. Implementations are immutable after construction.
type Agent interface {
	Name() string
	Description() string
	Tools() []string
	Settings() Settings
	RenderPrompt(vars map[string]any) (string, error)
	// RenderGreeting returns "" when the agent has no greeting of that kind.
	RenderGreeting(kind GreetingKind, vars map[string]any) (string, error)
}

// Descriptor is the template-backed Agent built from a Definition.
type Descriptor struct {
	name        string
	description string
	tools       []string
	settings    Settings
	prompt      *template.Template
	greetings   map[GreetingKind]*template.Template
}

// NewDescriptor compiles the definition's templates.
func NewDescriptor(def Definition) (*Descriptor, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	d := &Descriptor{
		name:        name,
		description: def.Description,
		tools:       slices.Clone(def.Tools),
		settings: Settings{
			Model:       def.Model,
			Voice:       def.Voice,
			Temperature: def.Temperature,
			MaxTokens:   def.MaxTokens,
		},
		greetings: make(map[GreetingKind]*template.Template, 2),
	}

	var err error
	if d.prompt, err = parseTemplate(name+".prompt", def.Prompt); err != nil {
		return nil, err
	}
	for kind, src := range map[GreetingKind]string{GreetingEntry: def.Greetings.Entry, GreetingReturn: def.Greetings.Return} {
		if strings.TrimSpace(src) == "" {
			continue
		}
		tmpl, err := parseTemplate(name+".greeting."+string(kind), src)
		if err != nil {
			return nil, err
		}
		d.greetings[kind] = tmpl
	}
	return d, nil
}

func parseTemplate(name, src string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tmpl, nil
}

func (d *Descriptor) Name() string        { return d.name }
func (d *Descriptor) Description() string { return d.description }
func (d *Descriptor) Settings() Settings  { return d.settings }

// Tools returns a copy of the tool names.
func (d *Descriptor) Tools() []string { return slices.Clone(d.tools) }

// RenderPrompt renders the system prompt. The agent's own name is available as .agent_name.
func (d *Descriptor) RenderPrompt(vars map[string]any) (string, error) {
	return d.render(d.prompt, vars)
}

// RenderGreeting renders the entry or return greeting, "" when undefined.
func (d *Descriptor) RenderGreeting(kind GreetingKind, vars map[string]any) (string, error) {
	tmpl, ok := d.greetings[kind]
	if !ok {
		return "", nil
	}
	return d.render(tmpl, vars)
}

func (d *Descriptor) render(tmpl *template.Template, vars map[string]any) (string, error) {
	data := make(map[string]any, len(vars)+1)
	maps.Copy(data, vars)
	data["agent_name"] = d.name

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	// map lookups of missing keys print "<no value>" even with missingkey=zero
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}

var _ Agent = (*Descriptor)(nil)
