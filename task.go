package warden

import (
	"context"
	"reflect"

	"github.com/m-mizutani/goerr/v2"
)

// TaskState is the coarse state of a task, derived from which of its events
// have happened.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateStarting  TaskState = "starting"
	TaskStateRunning   TaskState = "running"
	TaskStateFinishing TaskState = "finishing"
	TaskStateFinished  TaskState = "finished"
)

// Task is a long-running unit of work supervised by a plan. A task is a
// composite object: it owns one event generator per event its model
// declares, and its state is derived from which terminal events have
// happened.
type Task struct {
	planObject

	model *TaskModel
	args  map[string]any

	events     map[string]*EventGenerator
	eventOrder []string

	// Garbage-collection bookkeeping for the pending-stop grace period.
	graceArmed bool
	graceLeft  int
}

// TaskOption configures a new task.
type TaskOption func(*Task)

// WithArguments merges the given map into the task's argument map.
func WithArguments(args map[string]any) TaskOption {
	return func(t *Task) {
		for k, v := range args {
			t.args[k] = v
		}
	}
}

// WithArgument sets one argument.
func WithArgument(name string, value any) TaskOption {
	return func(t *Task) {
		t.args[name] = value
	}
}

// NewTask instantiates a task from its model. The task is created free; add
// it to a plan before starting it. The model's argument schema, if any, is
// checked against the task's arguments.
func NewTask(model *TaskModel, options ...TaskOption) (*Task, error) {
	t := &Task{
		planObject: newPlanObject(),
		model:      model,
		args:       map[string]any{},
		events:     map[string]*EventGenerator{},
	}
	for _, opt := range options {
		opt(t)
	}
	for _, d := range model.eventDefs() {
		ev := newTaskEvent(t, d.name, d.terminal, d.command)
		t.events[d.name] = ev
		t.eventOrder = append(t.eventOrder, d.name)
	}
	if err := model.ValidateArguments(t.args); err != nil {
		return nil, err
	}
	return t, nil
}

// Model returns the task's model.
func (t *Task) Model() *TaskModel { return t.model }

// RootObject is always true for tasks.
func (t *Task) RootObject() bool { return true }

// Arguments returns a copy of the argument map.
func (t *Task) Arguments() map[string]any {
	out := make(map[string]any, len(t.args))
	for k, v := range t.args {
		out[k] = v
	}
	return out
}

// Argument returns one argument value.
func (t *Task) Argument(name string) (any, bool) {
	v, ok := t.args[name]
	return v, ok
}

// SetArgument sets an argument. Arguments are frozen once the task has
// started.
func (t *Task) SetArgument(name string, value any) error {
	if t.Started() {
		return goerr.Wrap(ErrArgumentsFrozen, "task already started",
			goerr.V("task", t.model.name), goerr.V("argument", name))
	}
	t.args[name] = value
	return nil
}

// Event returns the named event generator.
func (t *Task) Event(name string) (*EventGenerator, error) {
	ev, ok := t.events[name]
	if !ok {
		return nil, goerr.Wrap(ErrEventModelViolation, "unknown event",
			goerr.V("task", t.model.name), goerr.V("event", name))
	}
	return ev, nil
}

// EachEvent yields the task's events in model declaration order.
func (t *Task) EachEvent(fn func(ev *EventGenerator) bool) {
	for _, name := range t.eventOrder {
		if !fn(t.events[name]) {
			return
		}
	}
}

// StartEvent returns the start event generator.
func (t *Task) StartEvent() *EventGenerator { return t.events["start"] }

// StopEvent returns the stop event generator.
func (t *Task) StopEvent() *EventGenerator { return t.events["stop"] }

// SuccessEvent returns the success event generator.
func (t *Task) SuccessEvent() *EventGenerator { return t.events["success"] }

// FailedEvent returns the failed event generator.
func (t *Task) FailedEvent() *EventGenerator { return t.events["failed"] }

// Executable reports whether the task's events can be called or emitted.
// Garbage tasks stay executable for the garbage collector itself, which
// must drive their shutdown.
func (t *Task) Executable() bool {
	if t.plan == nil || !t.plan.Executable() || t.finalized {
		return false
	}
	if t.garbage {
		return t.plan.collecting
	}
	return true
}

// Started reports whether the start event happened.
func (t *Task) Started() bool { return t.events["start"].Happened() }

// Success reports whether the task finished with its success event.
func (t *Task) Success() bool { return t.events["success"].Happened() }

// Failed reports whether the task finished with its failed event.
func (t *Task) Failed() bool { return t.events["failed"].Happened() }

// Finished reports whether any terminal event happened.
func (t *Task) Finished() bool {
	for _, name := range t.eventOrder {
		ev := t.events[name]
		if ev.terminal && ev.Happened() {
			return true
		}
	}
	return false
}

// Running reports whether the task has started and not finished.
func (t *Task) Running() bool {
	return t.Started() && !t.Finished() && !t.Finishing()
}

// Finishing reports whether the stop command has been issued but the stop
// event has not been observed yet.
func (t *Task) Finishing() bool {
	return !t.Finished() && t.events["stop"].Pending()
}

// Pending reports whether the task has not started yet.
func (t *Task) Pending() bool {
	return !t.Started() && !t.StartEvent().Pending()
}

// State returns the derived task state.
func (t *Task) State() TaskState {
	switch {
	case t.Finished():
		return TaskStateFinished
	case t.Finishing():
		return TaskStateFinishing
	case t.Started():
		return TaskStateRunning
	case t.StartEvent().Pending():
		return TaskStateStarting
	default:
		return TaskStatePending
	}
}

// Start calls the start event command. Every required argument of the model
// must be set.
func (t *Task) Start(ctx context.Context) error {
	return t.events["start"].Call(ctx, nil)
}

// Stop calls the stop event command.
func (t *Task) Stop(ctx context.Context) error {
	return t.events["stop"].Call(ctx, nil)
}

// checkCallable enforces the event ordering of the task state machine.
func (t *Task) checkCallable(ev *EventGenerator) error {
	if ev.name == "start" {
		if t.Started() || t.StartEvent().Pending() {
			return goerr.Wrap(ErrEventModelViolation, "task already started",
				goerr.V("task", t.model.name))
		}
		for _, name := range t.model.RequiredArguments() {
			if _, ok := t.args[name]; !ok {
				return goerr.Wrap(ErrMissingArgument, "cannot start task",
					goerr.V("task", t.model.name), goerr.V("argument", name))
			}
		}
		return nil
	}
	if t.Finished() {
		return goerr.Wrap(ErrEventModelViolation, "task already finished",
			goerr.V("task", t.model.name), goerr.V("event", ev.name))
	}
	if !t.Started() {
		return goerr.Wrap(ErrEventModelViolation, "task has not started",
			goerr.V("task", t.model.name), goerr.V("event", ev.name))
	}
	return nil
}

// Provides reports whether the task's model declares the service tag.
func (t *Task) Provides(tag ServiceTag) bool {
	return t.model.Provides(tag)
}

// Fulfills reports whether the task can stand in for a task of the given
// model with the given arguments: its model must fulfill the requested
// model, and every requested argument must match the task's own.
func (t *Task) Fulfills(model *TaskModel, args map[string]any) bool {
	if !t.model.Fulfills(model) {
		return false
	}
	for k, v := range args {
		own, ok := t.args[k]
		if !ok || !reflect.DeepEqual(own, v) {
			return false
		}
	}
	return true
}

// DependsOn adds a Dependency edge from the task to child.
func (t *Task) DependsOn(child *Task, info any) error {
	g, err := t.graph(Dependency)
	if err != nil {
		return err
	}
	return g.AddEdge(t, child, info)
}

// RemoveDependsOn removes the Dependency edge to child.
func (t *Task) RemoveDependsOn(child *Task) error {
	g, err := t.graph(Dependency)
	if err != nil {
		return err
	}
	return g.RemoveEdge(t, child)
}

// SetExecutionAgent declares agent as the task this one depends on to run.
func (t *Task) SetExecutionAgent(agent *Task) error {
	g, err := t.graph(ExecutedBy)
	if err != nil {
		return err
	}
	return g.AddEdge(t, agent, nil)
}

// ExecutionAgent returns the task's execution agent, or nil.
func (t *Task) ExecutionAgent() *Task {
	g, err := t.graph(ExecutedBy)
	if err != nil {
		return nil
	}
	var agent *Task
	g.EachChild(t, func(c PlanObject, _ any) bool {
		agent = c.asTask()
		return false
	})
	return agent
}

// SetPlanner links the task to the task that develops it into an executable
// subplan.
func (t *Task) SetPlanner(planner *Task) error {
	g, err := t.graph(PlannedBy)
	if err != nil {
		return err
	}
	return g.AddEdge(t, planner, nil)
}

// Planner returns the planning task, or nil.
func (t *Task) Planner() *Task {
	g, err := t.graph(PlannedBy)
	if err != nil {
		return nil
	}
	var planner *Task
	g.EachChild(t, func(c PlanObject, _ any) bool {
		planner = c.asTask()
		return false
	})
	return planner
}

// ErrorHandledBy links the task to a repair task through the weak
// ErrorHandling relation.
func (t *Task) ErrorHandledBy(repair *Task) error {
	g, err := t.graph(ErrorHandling)
	if err != nil {
		return err
	}
	return g.AddEdge(t, repair, nil)
}

// RemoteRef returns a serializable reference to this task.
func (t *Task) RemoteRef() RemoteRef {
	return RemoteRef{ID: t.id, Kind: "task", Model: t.model.name}
}

func (t *Task) graph(def *RelationDef) (*Relation, error) {
	if t.plan == nil {
		return nil, goerr.Wrap(ErrNotInPlan, "task relations require a plan",
			goerr.V("task", t.model.name))
	}
	return t.plan.Graph(def), nil
}

func (t *Task) vertexKind() VertexKind { return TaskVertex }

func (t *Task) asTask() *Task { return t }
