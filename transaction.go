package warden

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
)

type opKind int

const (
	opAddObject opKind = iota
	opAddEdge
	opRemoveEdge
	opUpdateEdgeInfo
	opAddMission
	opAddPermanent
	opUnmark
	opRemoveObject
	opReplace
	opReplaceTask
)

// stagedOp is one mutation captured by a transaction, replayed against the
// underlying plan on commit.
type stagedOp struct {
	kind   opKind
	rel    *RelationDef
	parent PlanObject
	child  PlanObject
	info   any
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txDiscarded
	txFailed
)

// Transaction is a copy-on-write overlay over a plan. Objects of the
// underlying plan are mirrored by lazily-built proxies; edges added among
// proxies live in the transaction's own relation graphs and reach the
// underlying plan only on commit. Discarding a transaction leaves the
// underlying plan untouched.
//
// A transaction is itself a Plan, so every query and mutation of the plan
// API works on the staged state. Transactions are never executable: events
// of proxied tasks cannot be emitted.
type Transaction struct {
	*Plan

	base    *Plan
	proxies map[PlanObject]PlanObject
	ops     []stagedOp
	state   txState

	// importing suppresses operation recording while base state is mirrored
	// into the transaction.
	importing bool
}

// NewTransaction creates a transaction over base.
func NewTransaction(base *Plan, options ...PlanOption) *Transaction {
	tx := &Transaction{
		Plan:    NewPlan(options...),
		base:    base,
		proxies: map[PlanObject]PlanObject{},
	}
	tx.Plan.executable = false
	tx.Plan.recorder = tx
	return tx
}

// Base returns the plan the transaction overlays.
func (tx *Transaction) Base() *Plan { return tx.base }

// Active reports whether the transaction can still be used.
func (tx *Transaction) Active() bool { return tx.state == txActive }

func (tx *Transaction) record(op stagedOp) {
	if tx.importing {
		return
	}
	tx.ops = append(tx.ops, op)
}

// Object returns the transaction's view of obj, building a proxy when
// needed. It is the indexing operation of the transaction.
func (tx *Transaction) Object(obj PlanObject) (PlanObject, error) {
	return tx.wrap(obj, true)
}

// WrapTask returns the transaction's proxy for a task of the underlying
// plan.
func (tx *Transaction) WrapTask(t *Task) (*Task, error) {
	obj, err := tx.wrap(t, true)
	if err != nil {
		return nil, err
	}
	return obj.asTask(), nil
}

// WrapEvent returns the transaction's proxy for an event generator of the
// underlying plan.
func (tx *Transaction) WrapEvent(ev *EventGenerator) (*EventGenerator, error) {
	obj, err := tx.wrap(ev, true)
	if err != nil {
		return nil, err
	}
	return obj.asEvent(), nil
}

// MayWrap returns the proxy for obj if one exists, and obj itself
// otherwise. No proxy is built.
func (tx *Transaction) MayWrap(obj PlanObject) (PlanObject, error) {
	return tx.wrap(obj, false)
}

func (tx *Transaction) wrap(obj PlanObject, create bool) (PlanObject, error) {
	if tx.state != txActive {
		return nil, goerr.Wrap(ErrTransactionFinalized, "cannot wrap object")
	}
	if obj.Plan() == tx.Plan {
		return obj, nil
	}
	if proxy, ok := tx.proxies[obj]; ok {
		return proxy, nil
	}
	if obj.TransactionProxy() {
		// A proxy of another transaction cannot be wrapped.
		return nil, goerr.Wrap(ErrNotWrappable, "object is a proxy of another transaction",
			goerr.V("object", obj.ID()))
	}
	if obj.Plan() == nil {
		// Free objects join the transaction directly; commit moves them to
		// the underlying plan.
		if !create {
			return obj, nil
		}
		if err := tx.Plan.Add(obj); err != nil {
			return nil, err
		}
		return obj, nil
	}
	if obj.Plan() != tx.base {
		return nil, goerr.Wrap(ErrNotWrappable, "object belongs to another plan",
			goerr.V("object", obj.ID()))
	}
	if !create {
		return obj, nil
	}
	return tx.buildProxy(obj)
}

func (tx *Transaction) buildProxy(obj PlanObject) (PlanObject, error) {
	// Task events are wrapped through their owning task, so that the event
	// proxy belongs to the task proxy.
	if ev := obj.asEvent(); ev != nil && ev.task != nil {
		if _, err := tx.buildProxy(ev.task); err != nil {
			return nil, err
		}
		return tx.proxies[obj], nil
	}

	tx.importing = true
	defer func() { tx.importing = false }()

	var proxy PlanObject
	if t := obj.asTask(); t != nil {
		taskProxy := newTaskProxy(tx, t)
		tx.proxies[t] = taskProxy
		for _, name := range t.eventOrder {
			tx.proxies[t.events[name]] = taskProxy.events[name]
		}
		if err := tx.Plan.Add(taskProxy); err != nil {
			delete(tx.proxies, t)
			return nil, err
		}
		if tx.base.Mission(t) {
			tx.Plan.missions[taskProxy] = struct{}{}
		}
		if tx.base.Permanent(t) {
			tx.Plan.permanentTasks[taskProxy] = struct{}{}
		}
		proxy = taskProxy
	} else if ev := obj.asEvent(); ev != nil {
		evProxy := newEventProxy(nil, ev)
		tx.proxies[ev] = evProxy
		if err := tx.Plan.Add(evProxy); err != nil {
			delete(tx.proxies, ev)
			return nil, err
		}
		if tx.base.Permanent(ev) {
			tx.Plan.permanentEvents[evProxy] = struct{}{}
		}
		proxy = evProxy
	} else {
		return nil, goerr.Wrap(ErrNotWrappable, "unknown object kind", goerr.V("object", obj.ID()))
	}

	tx.importEdges()

	if t := obj.asTask(); t != nil {
		for _, ext := range proxy.base().ProxyExtensions() {
			ext.SetupProxy(proxy.asTask(), t, tx)
		}
	}
	return proxy, nil
}

// importEdges mirrors the base plan's edges between already-wrapped objects
// into the transaction's graphs, bypassing hooks and operation recording.
func (tx *Transaction) importEdges() {
	for _, bg := range tx.base.graphs {
		tg := tx.Plan.Graph(bg.def)
		for target, proxy := range tx.proxies {
			bg.EachChild(target, func(child PlanObject, info any) bool {
				childProxy, ok := tx.proxies[child]
				if !ok {
					return true
				}
				if _, exists := tg.edge(proxy, childProxy); !exists {
					rec, _ := bg.edge(target, child)
					tg.insert(proxy, childProxy, &edgeRecord{info: info, direct: rec.direct})
				}
				return true
			})
		}
	}
}

// Discard drops every proxy and staged operation. The underlying plan is
// guaranteed unaffected.
func (tx *Transaction) Discard() {
	if tx.state == txActive || tx.state == txFailed {
		tx.state = txDiscarded
		tx.proxies = nil
		tx.ops = nil
	}
}

// Commit replays the staged operations against the underlying plan in the
// order they were captured, unwrapping proxies to the real objects. On
// failure the error names the failing operation; the transaction is left in
// a discardable state and already-applied operations stay applied, so the
// caller is expected to report and discard.
//
// Commit performs plan mutations and must run inside the engine's cycle
// mutation window when an engine drives the underlying plan, e.g. from a
// RunOnce callable.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.state != txActive {
		return goerr.Wrap(ErrTransactionFinalized, "cannot commit")
	}
	for i, op := range tx.ops {
		if err := tx.apply(ctx, op); err != nil {
			tx.state = txFailed
			return goerr.Wrap(err, "transaction commit failed",
				goerr.V("operation", i), goerr.V("staged", len(tx.ops)))
		}
	}
	tx.state = txCommitted
	tx.proxies = nil
	tx.ops = nil
	return nil
}

func (tx *Transaction) apply(ctx context.Context, op stagedOp) error {
	parent := tx.unwrap(op.parent)
	child := tx.unwrap(op.child)
	switch op.kind {
	case opAddObject:
		if parent.Plan() == tx.Plan {
			tx.Plan.release(parent)
		}
		return tx.base.Add(parent)
	case opAddEdge:
		return tx.base.Graph(op.rel).AddEdge(parent, child, op.info)
	case opRemoveEdge:
		return tx.base.Graph(op.rel).RemoveEdge(parent, child)
	case opUpdateEdgeInfo:
		return tx.base.Graph(op.rel).UpdateEdgeInfo(parent, child, op.info)
	case opAddMission:
		return tx.base.AddMission(parent.asTask())
	case opAddPermanent:
		return tx.base.AddPermanent(parent)
	case opUnmark:
		tx.base.Unmark(parent)
		return nil
	case opRemoveObject:
		return tx.base.RemoveObject(parent)
	case opReplace:
		return tx.base.Replace(parent.asTask(), child.asTask())
	case opReplaceTask:
		return tx.base.ReplaceTask(parent.asTask(), child.asTask())
	}
	return nil
}

func (tx *Transaction) unwrap(obj PlanObject) PlanObject {
	if obj == nil {
		return nil
	}
	return unwrapProxy(obj)
}
