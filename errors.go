package warden

import (
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrCycleFound is returned by AddEdge when the relation is DAG
	// constrained and the new edge would close a cycle. The graph is left
	// unchanged.
	ErrCycleFound = goerr.New("relation edge would create a cycle")

	// ErrSingleChild is returned by AddEdge when the relation allows at most
	// one outgoing edge per vertex and the parent already has a different
	// child.
	ErrSingleChild = goerr.New("relation allows a single child per vertex")

	// ErrWrongVertexKind is returned when an object of the wrong kind is used
	// in a relation graph (e.g. an event generator in a task relation).
	ErrWrongVertexKind = goerr.New("object kind does not match relation vertex kind")

	// ErrCrossPlan is returned when an edge would connect objects owned by
	// two different plans.
	ErrCrossPlan = goerr.New("edge endpoints belong to different plans")

	// ErrEdgeNotFound is returned when removing or updating an edge that does
	// not exist.
	ErrEdgeNotFound = goerr.New("relation edge does not exist")

	// ErrEdgeExists is returned when adding an edge that already exists with
	// a different info payload. Use UpdateEdgeInfo to change the payload.
	ErrEdgeExists = goerr.New("relation edge already exists")

	// ErrFinalizedObject is returned when a finalized object is added to a
	// plan or used as a replacement target.
	ErrFinalizedObject = goerr.New("object has been finalized")

	// ErrAlreadyOwned is returned when adding an object that already belongs
	// to another plan.
	ErrAlreadyOwned = goerr.New("object already belongs to another plan")

	// ErrNotInPlan is returned by operations that require the receiver to be
	// part of a plan.
	ErrNotInPlan = goerr.New("object does not belong to a plan")

	// ErrEventNotExecutable is returned when calling or emitting an event
	// whose task or plan is not executable.
	ErrEventNotExecutable = goerr.New("event is not executable")

	// ErrEventNotControllable is returned when calling an event that has no
	// command.
	ErrEventNotControllable = goerr.New("event is not controllable")

	// ErrEventModelViolation is returned when an event operation violates the
	// task model, e.g. requesting an event name the model does not declare.
	ErrEventModelViolation = goerr.New("operation violates the event model")

	// ErrUnreachableEvent is returned when emitting or calling an event that
	// has been marked unreachable.
	ErrUnreachableEvent = goerr.New("event has become unreachable")

	// ErrMissingArgument is returned when a task starts without one of its
	// model's required arguments.
	ErrMissingArgument = goerr.New("required task argument is missing")

	// ErrInvalidArguments is returned when a task's arguments do not satisfy
	// the model's argument schema.
	ErrInvalidArguments = goerr.New("task arguments do not match the model schema")

	// ErrArgumentsFrozen is returned when setting an argument on a task that
	// has already started.
	ErrArgumentsFrozen = goerr.New("task arguments are frozen once started")

	// ErrTransactionFinalized is returned when using a transaction after it
	// has been committed or discarded.
	ErrTransactionFinalized = goerr.New("transaction has been committed or discarded")

	// ErrNotWrappable is returned when asking a transaction to wrap an object
	// it cannot proxy, e.g. a proxy owned by another transaction.
	ErrNotWrappable = goerr.New("object cannot be wrapped by this transaction")

	// ErrOriginMismatch is returned by ExecutionException.Merge when the two
	// exceptions do not share the same origin.
	ErrOriginMismatch = goerr.New("execution exceptions have different origins")

	// ErrAborting is returned by the engine when an unhandled execution
	// exception is raised under a strict abort policy. It terminates the
	// current engine run.
	ErrAborting = goerr.New("engine aborting on unhandled execution exception")
)
