package warden

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Emission is one entry of an event generator's emission history.
type Emission struct {
	Time    time.Time
	Context any
}

// CommandFunc is the command of a controllable event generator. It is
// expected to eventually lead to the event being emitted, either
// synchronously or through a later cycle.
type CommandFunc func(ctx context.Context, ev *EventGenerator, eventContext any) error

// EmitCommand is the default command of controllable events: it emits the
// event immediately.
func EmitCommand(ctx context.Context, ev *EventGenerator, eventContext any) error {
	return ev.Emit(ctx, eventContext)
}

// EventGenerator is a source of discrete events. A generator is either
// controllable (it has a command that can be called) or contingent (it is
// only observed). Generators are connected by the Signal relation (emission
// calls the target's command) and the Forward relation (emission emits the
// target).
type EventGenerator struct {
	planObject

	name     string
	task     *Task
	terminal bool
	command  CommandFunc

	pending           bool
	unreachable       bool
	unreachableReason any
	history           []Emission
}

// EventOption configures a free event generator.
type EventOption func(*EventGenerator)

// WithCommand makes the generator controllable with the given command.
func WithCommand(cmd CommandFunc) EventOption {
	return func(ev *EventGenerator) {
		ev.command = cmd
	}
}

// Controllable makes the generator controllable with the default command,
// which emits immediately.
func Controllable() EventOption {
	return func(ev *EventGenerator) {
		ev.command = EmitCommand
	}
}

// NewEventGenerator creates a free event generator. Without options the
// generator is contingent.
func NewEventGenerator(options ...EventOption) *EventGenerator {
	ev := &EventGenerator{planObject: newPlanObject()}
	for _, opt := range options {
		opt(ev)
	}
	return ev
}

func newTaskEvent(task *Task, name string, terminal bool, cmd CommandFunc) *EventGenerator {
	return &EventGenerator{
		planObject: newPlanObject(),
		name:       name,
		task:       task,
		terminal:   terminal,
		command:    cmd,
	}
}

// Name returns the event name within its task, or "" for a free event.
func (ev *EventGenerator) Name() string { return ev.name }

// Task returns the task this generator belongs to, or nil for free events.
func (ev *EventGenerator) Task() *Task { return ev.task }

// RootObject is false for task events.
func (ev *EventGenerator) RootObject() bool { return ev.task == nil }

// Controllable reports whether the generator has a command.
func (ev *EventGenerator) Controllable() bool { return ev.command != nil }

// Terminal reports whether the event ends its task when emitted.
func (ev *EventGenerator) Terminal() bool { return ev.terminal }

// Pending reports whether the command has been called but the emission has
// not been observed yet.
func (ev *EventGenerator) Pending() bool { return ev.pending }

// Happened reports whether the event has been emitted at least once.
func (ev *EventGenerator) Happened() bool { return len(ev.history) > 0 }

// History returns the ordered emission log.
func (ev *EventGenerator) History() []Emission {
	return append([]Emission(nil), ev.history...)
}

// LastEmission returns the most recent emission.
func (ev *EventGenerator) LastEmission() (Emission, bool) {
	if len(ev.history) == 0 {
		return Emission{}, false
	}
	return ev.history[len(ev.history)-1], true
}

// Unreachable reports whether the event can never be emitted anymore.
func (ev *EventGenerator) Unreachable() bool { return ev.unreachable }

// UnreachableReason returns the reason recorded by MarkUnreachable.
func (ev *EventGenerator) UnreachableReason() any { return ev.unreachableReason }

// MarkUnreachable declares that the event will never be emitted. Subsequent
// Call and Emit attempts fail with ErrUnreachableEvent.
func (ev *EventGenerator) MarkUnreachable(reason any) {
	ev.unreachable = true
	ev.unreachableReason = reason
	ev.pending = false
}

// Executable reports whether the event can be called or emitted: its plan
// must be executable and neither the event nor its task may be garbage.
func (ev *EventGenerator) Executable() bool {
	if ev.task != nil {
		return ev.task.Executable()
	}
	if ev.plan == nil || !ev.plan.Executable() || ev.finalized {
		return false
	}
	if ev.garbage {
		return ev.plan.collecting
	}
	return true
}

// Call invokes the generator's command. The command is expected to lead to
// an emission; until then the event is pending.
func (ev *EventGenerator) Call(ctx context.Context, eventContext any) error {
	if !ev.Executable() {
		return goerr.Wrap(ErrEventNotExecutable, "cannot call event", goerr.V("event", ev.describe()))
	}
	if ev.unreachable {
		return goerr.Wrap(ErrUnreachableEvent, "cannot call event",
			goerr.V("event", ev.describe()), goerr.V("reason", ev.unreachableReason))
	}
	if ev.command == nil {
		return goerr.Wrap(ErrEventNotControllable, "cannot call event", goerr.V("event", ev.describe()))
	}
	if ev.task != nil {
		if err := ev.task.checkCallable(ev); err != nil {
			return err
		}
	}
	ev.pending = true
	if err := ev.command(ctx, ev, eventContext); err != nil {
		ev.pending = false
		return goerr.Wrap(err, "event command failed", goerr.V("event", ev.describe()))
	}
	return nil
}

// Emit records an emission and schedules Signal/Forward propagation for the
// next engine propagation phase.
func (ev *EventGenerator) Emit(ctx context.Context, eventContext any) error {
	if !ev.Executable() {
		return goerr.Wrap(ErrEventNotExecutable, "cannot emit event", goerr.V("event", ev.describe()))
	}
	if ev.unreachable {
		return goerr.Wrap(ErrUnreachableEvent, "cannot emit event",
			goerr.V("event", ev.describe()), goerr.V("reason", ev.unreachableReason))
	}
	em := Emission{Time: time.Now(), Context: eventContext}
	ev.history = append(ev.history, em)
	ev.pending = false
	ev.plan.emitted(ev, em)
	return nil
}

// SignalTo adds a Signal edge from this generator to target: emitting this
// event calls target's command. The target must be controllable.
func (ev *EventGenerator) SignalTo(target *EventGenerator) error {
	if !target.Controllable() {
		return goerr.Wrap(ErrEventNotControllable, "signal target has no command",
			goerr.V("event", target.describe()))
	}
	g, err := ev.graph(Signal)
	if err != nil {
		return err
	}
	return g.AddEdge(ev, target, nil)
}

// ForwardTo adds a Forward edge from this generator to target: emitting this
// event emits target as well.
func (ev *EventGenerator) ForwardTo(target *EventGenerator) error {
	g, err := ev.graph(Forward)
	if err != nil {
		return err
	}
	return g.AddEdge(ev, target, nil)
}

// RemoveSignal removes the Signal edge to target.
func (ev *EventGenerator) RemoveSignal(target *EventGenerator) error {
	g, err := ev.graph(Signal)
	if err != nil {
		return err
	}
	return g.RemoveEdge(ev, target)
}

// RemoveForward removes the Forward edge to target.
func (ev *EventGenerator) RemoveForward(target *EventGenerator) error {
	g, err := ev.graph(Forward)
	if err != nil {
		return err
	}
	return g.RemoveEdge(ev, target)
}

// RemoteRef returns a serializable reference to this generator.
func (ev *EventGenerator) RemoteRef() RemoteRef {
	return RemoteRef{ID: ev.id, Kind: "event", Model: ev.name}
}

func (ev *EventGenerator) graph(def *RelationDef) (*Relation, error) {
	owner := ev.plan
	if owner == nil && ev.task != nil {
		owner = ev.task.plan
	}
	if owner == nil {
		return nil, goerr.Wrap(ErrNotInPlan, "event relations require a plan", goerr.V("event", ev.describe()))
	}
	return owner.Graph(def), nil
}

func (ev *EventGenerator) describe() string {
	if ev.task != nil {
		return ev.task.model.name + "/" + ev.name
	}
	if ev.name != "" {
		return ev.name
	}
	return ev.id.String()
}

func (ev *EventGenerator) vertexKind() VertexKind { return EventVertex }

func (ev *EventGenerator) asEvent() *EventGenerator { return ev }
