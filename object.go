package warden

import (
	"github.com/google/uuid"
)

// PlanObject is the common contract of every vertex managed by a plan: tasks
// and event generators, plus their transaction proxies. Objects are created
// free (unowned) and become owned when added to a plan, directly or through
// a relation to an already-owned object. Once finalized an object can never
// be added to a plan again.
type PlanObject interface {
	// ID returns the stable identity of the object. Proxies share the
	// identity of the object they wrap.
	ID() uuid.UUID

	// Plan returns the owning plan, or nil for free objects.
	Plan() *Plan

	// RootObject is false for sub-parts of a composite object, e.g. the
	// events of a task.
	RootObject() bool

	// Garbage reports whether the object has been logically removed but not
	// finalized yet.
	Garbage() bool

	// Finalized reports whether the object has been destroyed.
	Finalized() bool

	// TransactionProxy reports whether the object is a transaction proxy.
	TransactionProxy() bool

	// WhenFinalized registers a callback invoked when the object is
	// finalized.
	WhenFinalized(fn func())

	// SetEdgeObserver attaches an observer consulted by the relation graphs
	// in addition to the object itself. The observer should implement
	// EdgeAddObserver and/or EdgeRemoveObserver.
	SetEdgeObserver(obs any)

	// RemoteRef returns a serializable reference resolvable through
	// Plan.Resolve.
	RemoteRef() RemoteRef

	vertexKind() VertexKind
	asTask() *Task
	asEvent() *EventGenerator
	base() *planObject
}

// RemoteRef is an opaque, serializable reference to a plan object. Two
// consecutive cycles resolve the same reference to the same object.
type RemoteRef struct {
	ID    uuid.UUID `json:"id"`
	Kind  string    `json:"kind"`
	Model string    `json:"model,omitempty"`
}

// planObject carries the state shared by every plan object implementation.
type planObject struct {
	id         uuid.UUID
	plan       *Plan
	garbage    bool
	finalized  bool
	observer   any
	finalizers []func()

	// Transaction proxy state. A proxy shares the id of its target.
	proxy           bool
	proxyTarget     PlanObject
	proxyExtensions []ProxyExtension
}

func newPlanObject() planObject {
	return planObject{id: uuid.New()}
}

func (o *planObject) ID() uuid.UUID { return o.id }

func (o *planObject) Plan() *Plan { return o.plan }

func (o *planObject) Garbage() bool { return o.garbage }

func (o *planObject) Finalized() bool { return o.finalized }

func (o *planObject) TransactionProxy() bool { return o.proxy }

// ProxyTarget returns the real object a transaction proxy stands in for, or
// nil for ordinary objects.
func (o *planObject) ProxyTarget() PlanObject { return o.proxyTarget }

// ProxyExtensions returns the extensions composed into this proxy at
// construction time.
func (o *planObject) ProxyExtensions() []ProxyExtension { return o.proxyExtensions }

func (o *planObject) WhenFinalized(fn func()) {
	o.finalizers = append(o.finalizers, fn)
}

func (o *planObject) SetEdgeObserver(obs any) { o.observer = obs }

func (o *planObject) base() *planObject { return o }

func (o *planObject) asTask() *Task { return nil }

func (o *planObject) asEvent() *EventGenerator { return nil }

func (o *planObject) markGarbage() { o.garbage = true }

// finalize flips the object into its terminal state and runs the
// finalization callbacks. The plan is responsible for clearing edges and
// membership first.
func (o *planObject) finalize() {
	if o.finalized {
		return
	}
	o.finalized = true
	o.plan = nil
	for _, fn := range o.finalizers {
		fn()
	}
	o.finalizers = nil
}
