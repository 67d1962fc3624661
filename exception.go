package warden

import (
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

// ExceptionOrigin identifies where an execution exception started: the
// failing task, the failing event generator, or both for task events.
type ExceptionOrigin struct {
	Task      *Task
	Generator *EventGenerator
}

// NewTaskOrigin builds an origin for a failing task.
func NewTaskOrigin(t *Task) ExceptionOrigin {
	return ExceptionOrigin{Task: t}
}

// NewEventOrigin builds an origin for a failing event generator. The origin
// task is filled in for task events.
func NewEventOrigin(ev *EventGenerator) ExceptionOrigin {
	return ExceptionOrigin{Task: ev.Task(), Generator: ev}
}

type traceEdge struct {
	from *Task
	to   *Task
}

// ExecutionException is the one failure kind that travels through the plan:
// it wraps the failure's origin and grows a trace, a DAG of propagation
// edges recording which tasks were informed of the failure.
type ExecutionException struct {
	origin ExceptionOrigin
	err    error

	edgeSet   map[traceEdge]struct{}
	edgeOrder []traceEdge
}

// NewExecutionException wraps err into an execution exception rooted at
// origin.
func NewExecutionException(origin ExceptionOrigin, err error) *ExecutionException {
	return &ExecutionException{
		origin:  origin,
		err:     err,
		edgeSet: map[traceEdge]struct{}{},
	}
}

// Error implements the error interface.
func (e *ExecutionException) Error() string {
	desc := "execution exception"
	if e.origin.Task != nil {
		desc = fmt.Sprintf("execution exception from task %s", e.origin.Task.Model().Name())
	}
	if e.err != nil {
		return desc + ": " + e.err.Error()
	}
	return desc
}

// Unwrap returns the wrapped failure.
func (e *ExecutionException) Unwrap() error { return e.err }

// Origin returns the exception's origin.
func (e *ExecutionException) Origin() ExceptionOrigin { return e.origin }

// Propagate extends the trace by one edge: from was informed of the failure
// and passed it on to to. Duplicate edges are ignored.
func (e *ExecutionException) Propagate(from, to *Task) {
	edge := traceEdge{from: from, to: to}
	if _, ok := e.edgeSet[edge]; ok {
		return
	}
	e.edgeSet[edge] = struct{}{}
	e.edgeOrder = append(e.edgeOrder, edge)
}

// Fork returns an independent copy sharing the same origin with an isolated
// trace, for handling one failure along two unrelated continuation paths.
func (e *ExecutionException) Fork() *ExecutionException {
	forked := NewExecutionException(e.origin, e.err)
	for _, edge := range e.edgeOrder {
		forked.edgeSet[edge] = struct{}{}
		forked.edgeOrder = append(forked.edgeOrder, edge)
	}
	return forked
}

// Merge unions the other exception's trace edges into this one without
// duplicates. The two exceptions must share the same origin.
func (e *ExecutionException) Merge(other *ExecutionException) error {
	if e.origin != other.origin {
		return goerr.Wrap(ErrOriginMismatch, "cannot merge execution exceptions")
	}
	for _, edge := range other.edgeOrder {
		if _, ok := e.edgeSet[edge]; ok {
			continue
		}
		e.edgeSet[edge] = struct{}{}
		e.edgeOrder = append(e.edgeOrder, edge)
	}
	return nil
}

// OriginatesFrom reports whether x is the origin task or origin generator.
func (e *ExecutionException) OriginatesFrom(x PlanObject) bool {
	if t := x.asTask(); t != nil {
		return e.origin.Task == t
	}
	if ev := x.asEvent(); ev != nil {
		return e.origin.Generator == ev
	}
	return false
}

// InvolvedTask reports whether t is the origin or appears anywhere in the
// trace.
func (e *ExecutionException) InvolvedTask(t *Task) bool {
	if e.origin.Task == t {
		return true
	}
	for _, edge := range e.edgeOrder {
		if edge.from == t || edge.to == t {
			return true
		}
	}
	return false
}

// TraceEdges returns the trace as (from, to) task pairs in propagation
// order.
func (e *ExecutionException) TraceEdges() [][2]*Task {
	out := make([][2]*Task, 0, len(e.edgeOrder))
	for _, edge := range e.edgeOrder {
		out = append(out, [2]*Task{edge.from, edge.to})
	}
	return out
}
