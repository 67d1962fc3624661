package warden

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ServiceTag is an abstract capability provided by a task model, used for
// service matching independently of the concrete model hierarchy.
type ServiceTag string

type eventDef struct {
	name     string
	terminal bool
	command  CommandFunc
}

// TaskModel describes a kind of task: its event set, provided services,
// argument requirements and model hierarchy. Models are immutable once
// built and shared by every task instantiated from them.
type TaskModel struct {
	name     string
	parent   *TaskModel
	services []ServiceTag
	events   []eventDef
	required []string

	schemaSrc  string
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

// TaskModelOption configures a task model.
type TaskModelOption func(*TaskModel)

// Extends declares the model a specialization of parent. The child model
// inherits the parent's events, services and required arguments, and
// fulfills every model the parent fulfills.
func Extends(parent *TaskModel) TaskModelOption {
	return func(m *TaskModel) {
		m.parent = parent
	}
}

// WithServices declares the services provided by tasks of this model.
func WithServices(tags ...ServiceTag) TaskModelOption {
	return func(m *TaskModel) {
		m.services = append(m.services, tags...)
	}
}

// WithEvent declares an additional event, or overrides an inherited one of
// the same name.
func WithEvent(name string, options ...TaskEventOption) TaskModelOption {
	return func(m *TaskModel) {
		d := eventDef{name: name, command: EmitCommand}
		for _, opt := range options {
			opt(&d)
		}
		m.events = append(m.events, d)
	}
}

// WithRequiredArguments lists argument names that must be set before a task
// of this model can start.
func WithRequiredArguments(names ...string) TaskModelOption {
	return func(m *TaskModel) {
		m.required = append(m.required, names...)
	}
}

// WithArgumentSchema attaches a JSON schema validated against the argument
// map when a task of this model is created.
func WithArgumentSchema(src string) TaskModelOption {
	return func(m *TaskModel) {
		m.schemaSrc = src
	}
}

// WithStartCommand overrides the command of the start event.
func WithStartCommand(cmd CommandFunc) TaskModelOption {
	return WithEvent("start", EventCommand(cmd))
}

// WithStopCommand overrides the command of the stop event.
func WithStopCommand(cmd CommandFunc) TaskModelOption {
	return WithEvent("stop", TerminalEvent(), EventCommand(cmd))
}

// TaskEventOption configures a model event definition.
type TaskEventOption func(*eventDef)

// TerminalEvent marks the event terminal: its emission ends the task.
func TerminalEvent() TaskEventOption {
	return func(d *eventDef) {
		d.terminal = true
	}
}

// EventCommand sets the command of the event.
func EventCommand(cmd CommandFunc) TaskEventOption {
	return func(d *eventDef) {
		d.command = cmd
	}
}

// ContingentEvent removes the command: the event can only be emitted, not
// called.
func ContingentEvent() TaskEventOption {
	return func(d *eventDef) {
		d.command = nil
	}
}

// NewTaskModel builds a task model. Every model carries at least the start,
// success, failed, stop and updated events; success and failed are terminal
// and forwarded to stop when a task joins a plan.
func NewTaskModel(name string, options ...TaskModelOption) *TaskModel {
	m := &TaskModel{name: name}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Name returns the model name.
func (m *TaskModel) Name() string { return m.name }

// Parent returns the model this one extends, or nil.
func (m *TaskModel) Parent() *TaskModel { return m.parent }

// Fulfills reports whether this model is the given model or one of its
// specializations.
func (m *TaskModel) Fulfills(other *TaskModel) bool {
	for cur := m; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}

// Provides reports whether the model (or an ancestor) declares the service
// tag.
func (m *TaskModel) Provides(tag ServiceTag) bool {
	for cur := m; cur != nil; cur = cur.parent {
		for _, t := range cur.services {
			if t == tag {
				return true
			}
		}
	}
	return false
}

// RequiredArguments returns the merged required argument names over the
// model ancestry, base first.
func (m *TaskModel) RequiredArguments() []string {
	var out []string
	if m.parent != nil {
		out = m.parent.RequiredArguments()
	}
	return append(out, m.required...)
}

// Ancestry returns the model chain from the most specific model to the
// least.
func (m *TaskModel) Ancestry() []*TaskModel {
	var out []*TaskModel
	for cur := m; cur != nil; cur = cur.parent {
		out = append(out, cur)
	}
	return out
}

// ValidateArguments checks the argument map against the model's argument
// schema, if one is declared anywhere in the ancestry.
func (m *TaskModel) ValidateArguments(args map[string]any) error {
	for cur := m; cur != nil; cur = cur.parent {
		if cur.schemaSrc == "" {
			continue
		}
		sch, err := cur.compiledSchema()
		if err != nil {
			return err
		}
		normalized, err := normalizeArguments(args)
		if err != nil {
			return err
		}
		if err := sch.Validate(normalized); err != nil {
			return goerr.Wrap(ErrInvalidArguments, err.Error(),
				goerr.V("model", cur.name), goerr.V("arguments", args))
		}
	}
	return nil
}

func (m *TaskModel) compiledSchema() (*jsonschema.Schema, error) {
	m.schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(m.schemaSrc)))
		if err != nil {
			m.schemaErr = goerr.Wrap(err, "invalid argument schema", goerr.V("model", m.name))
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("arguments.json", doc); err != nil {
			m.schemaErr = goerr.Wrap(err, "invalid argument schema", goerr.V("model", m.name))
			return
		}
		m.schema, err = c.Compile("arguments.json")
		if err != nil {
			m.schemaErr = goerr.Wrap(err, "invalid argument schema", goerr.V("model", m.name))
		}
	})
	return m.schema, m.schemaErr
}

// normalizeArguments converts the argument map to plain JSON values so that
// schema validation sees the same representation regardless of the Go types
// used by the caller.
func normalizeArguments(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidArguments, "arguments are not serializable")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, goerr.Wrap(ErrInvalidArguments, "arguments are not serializable")
	}
	return v, nil
}

// eventDefs resolves the full event set of the model: the built-in events,
// then inherited definitions, then the model's own overrides.
func (m *TaskModel) eventDefs() []eventDef {
	defs := []eventDef{
		{name: "start", command: EmitCommand},
		{name: "success", terminal: true, command: EmitCommand},
		{name: "failed", terminal: true, command: EmitCommand},
		{name: "stop", terminal: true, command: EmitCommand},
		{name: "updated", command: nil},
	}
	byName := map[string]int{}
	for i, d := range defs {
		byName[d.name] = i
	}
	var apply func(m *TaskModel)
	apply = func(m *TaskModel) {
		if m == nil {
			return
		}
		apply(m.parent)
		for _, d := range m.events {
			if i, ok := byName[d.name]; ok {
				// Overrides keep the built-in terminal flag unless the
				// definition raises it.
				d.terminal = d.terminal || defs[i].terminal
				defs[i] = d
				continue
			}
			byName[d.name] = len(defs)
			defs = append(defs, d)
		}
	}
	apply(m)
	return defs
}
