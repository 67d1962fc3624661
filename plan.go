package warden

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// PlanObserver receives plan lifecycle notifications. Every field is
// optional; nil fields are skipped. Observers are called synchronously at
// the point the change happens and must not mutate the plan.
type PlanObserver struct {
	AddedObject     func(p *Plan, obj PlanObject)
	FinalizedObject func(p *Plan, obj PlanObject)
	EmittedEvent    func(ev *EventGenerator, e Emission)
	Replaced        func(old, replacement PlanObject)
}

type pendingEmission struct {
	ev *EventGenerator
	em Emission
}

// Plan is the authoritative graph of live tasks and events. It owns one
// graph instance per relation definition, partitions its tasks into
// missions, permanent objects and discovered objects, and garbage-collects
// whatever is not reachable from the mission/permanent root set.
type Plan struct {
	executable      bool
	stopGracePasses int
	logger          *slog.Logger

	tasks      []*Task
	taskSet    map[*Task]struct{}
	freeEvents []*EventGenerator
	eventSet   map[*EventGenerator]struct{}

	missions        map[*Task]struct{}
	permanentTasks  map[*Task]struct{}
	permanentEvents map[*EventGenerator]struct{}

	graphs []*Relation
	byDef  map[*RelationDef]*Relation

	byID      map[uuid.UUID]PlanObject
	observers []*PlanObserver
	emissions []pendingEmission

	// recorder is set while the plan backs a transaction; every relation
	// and membership mutation is then appended to the transaction's staged
	// operation log.
	recorder *Transaction

	// muteRecord suppresses operation recording while a compound mutation
	// (finalization, release) already recorded itself as a single
	// operation.
	muteRecord bool

	// collecting is true while GarbageCollect runs. Garbage objects are not
	// executable for user code, but collection must still drive their
	// shutdown events.
	collecting bool
}

// PlanOption configures a new plan.
type PlanOption func(*Plan)

// WithStopGracePasses sets how many garbage-collection calls a task with a
// pending stop survives after becoming unreachable. The default is 1.
func WithStopGracePasses(n int) PlanOption {
	return func(p *Plan) {
		p.stopGracePasses = n
	}
}

// WithPlanLogger sets the plan's logger. The default discards everything.
func WithPlanLogger(logger *slog.Logger) PlanOption {
	return func(p *Plan) {
		p.logger = logger
	}
}

// NewPlan creates an executable plan with one graph instance per relation
// registered in TaskStructure and EventStructure.
func NewPlan(options ...PlanOption) *Plan {
	p := &Plan{
		executable:      true,
		stopGracePasses: 1,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		taskSet:         map[*Task]struct{}{},
		eventSet:        map[*EventGenerator]struct{}{},
		missions:        map[*Task]struct{}{},
		permanentTasks:  map[*Task]struct{}{},
		permanentEvents: map[*EventGenerator]struct{}{},
		byDef:           map[*RelationDef]*Relation{},
		byID:            map[uuid.UUID]PlanObject{},
	}
	for _, opt := range options {
		opt(p)
	}
	p.instantiateSpace(TaskStructure)
	p.instantiateSpace(EventStructure)
	return p
}

func (p *Plan) instantiateSpace(s *RelationSpace) {
	for _, g := range s.instantiate(p, p.byDef) {
		p.graphs = append(p.graphs, g)
		p.byDef[g.def] = g
	}
}

// Executable reports whether events of tasks in this plan may be emitted.
// Transactions are never executable.
func (p *Plan) Executable() bool { return p.executable }

// Graph returns the plan's graph instance for the given relation
// definition. The definition's whole space is instantiated on first use if
// it is not one of the standard spaces.
func (p *Plan) Graph(def *RelationDef) *Relation {
	if g, ok := p.byDef[def]; ok {
		return g
	}
	p.instantiateSpace(def.space)
	return p.byDef[def]
}

// EachGraph yields every graph instance in definition order.
func (p *Plan) EachGraph(fn func(g *Relation) bool) {
	for _, g := range p.graphs {
		if !fn(g) {
			return
		}
	}
}

// AddObserver registers a lifecycle observer.
func (p *Plan) AddObserver(obs *PlanObserver) {
	p.observers = append(p.observers, obs)
}

// Add inserts a free object into the plan. Adding an object that already
// belongs to this plan is a no-op; adding a finalized object fails with
// ErrFinalizedObject.
func (p *Plan) Add(obj PlanObject) error {
	if obj.Finalized() {
		return goerr.Wrap(ErrFinalizedObject, "cannot add to plan", goerr.V("object", obj.ID()))
	}
	if obj.Plan() == p {
		return nil
	}
	if obj.Plan() != nil {
		return goerr.Wrap(ErrAlreadyOwned, "cannot add to plan", goerr.V("object", obj.ID()))
	}
	switch obj.vertexKind() {
	case TaskVertex:
		if err := p.insertTask(obj.asTask()); err != nil {
			return err
		}
	case EventVertex:
		p.insertEvent(obj.asEvent())
	}
	p.record(stagedOp{kind: opAddObject, parent: obj})
	p.notifyAdded(obj)
	return nil
}

// release detaches an object from the plan without finalizing it. Used by
// transactions to move objects created inside the transaction to the
// underlying plan on commit.
func (p *Plan) release(obj PlanObject) {
	p.muteRecord = true
	defer func() { p.muteRecord = false }()
	if t := obj.asTask(); t != nil {
		for _, g := range p.graphs {
			switch g.def.space.kind {
			case TaskVertex:
				_ = g.clearVertex(t, true)
			case EventVertex:
				for _, name := range t.eventOrder {
					_ = g.clearVertex(t.events[name], true)
				}
			}
		}
		p.removeTask(t)
		for _, name := range t.eventOrder {
			ev := t.events[name]
			delete(p.byID, ev.id)
			ev.plan = nil
		}
		t.plan = nil
	} else if ev := obj.asEvent(); ev != nil {
		for _, g := range p.graphs {
			if g.def.space.kind == EventVertex {
				_ = g.clearVertex(ev, true)
			}
		}
		p.removeEvent(ev)
		ev.plan = nil
	}
}

func (p *Plan) insertTask(t *Task) error {
	t.plan = p
	p.tasks = append(p.tasks, t)
	p.taskSet[t] = struct{}{}
	p.byID[t.id] = t
	for _, name := range t.eventOrder {
		ev := t.events[name]
		ev.plan = p
		p.byID[ev.id] = ev
	}
	// Terminal events other than stop are forwarded to stop, so that any
	// way of ending the task makes it finished. The wiring is part of
	// insertion itself and is not staged as separate edge operations.
	prev := p.muteRecord
	p.muteRecord = true
	defer func() { p.muteRecord = prev }()
	stop := t.StopEvent()
	forward := p.Graph(Forward)
	for _, name := range t.eventOrder {
		ev := t.events[name]
		if ev.terminal && ev != stop {
			if err := forward.AddEdge(ev, stop, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Plan) insertEvent(ev *EventGenerator) {
	ev.plan = p
	p.freeEvents = append(p.freeEvents, ev)
	p.eventSet[ev] = struct{}{}
	p.byID[ev.id] = ev
}

// adopt is called by relation graphs when an edge connects an unowned
// object to the plan. A task event is adopted through its owning task.
func (p *Plan) adopt(obj PlanObject) error {
	if ev := obj.asEvent(); ev != nil && ev.task != nil {
		obj = ev.task
	}
	if obj.Plan() == p {
		return nil
	}
	return p.Add(obj)
}

// AddMission inserts the task and marks it as a mission: an externally
// required root that garbage collection never removes.
func (p *Plan) AddMission(t *Task) error {
	if err := p.Add(t); err != nil {
		return err
	}
	p.missions[t] = struct{}{}
	p.record(stagedOp{kind: opAddMission, parent: t})
	return nil
}

// AddPermanent inserts the object and protects it from garbage collection
// without making it externally required.
func (p *Plan) AddPermanent(obj PlanObject) error {
	if err := p.Add(obj); err != nil {
		return err
	}
	switch obj.vertexKind() {
	case TaskVertex:
		p.permanentTasks[obj.asTask()] = struct{}{}
	case EventVertex:
		p.permanentEvents[obj.asEvent()] = struct{}{}
	}
	p.record(stagedOp{kind: opAddPermanent, parent: obj})
	return nil
}

// Unmark demotes the object from mission and permanent status. The object
// stays in the plan until garbage collection removes it.
func (p *Plan) Unmark(obj PlanObject) {
	switch obj.vertexKind() {
	case TaskVertex:
		delete(p.missions, obj.asTask())
		delete(p.permanentTasks, obj.asTask())
	case EventVertex:
		delete(p.permanentEvents, obj.asEvent())
	}
	p.record(stagedOp{kind: opUnmark, parent: obj})
}

// Mission reports whether the task is a mission of this plan.
func (p *Plan) Mission(t *Task) bool {
	_, ok := p.missions[t]
	return ok
}

// Permanent reports whether the object is marked permanent.
func (p *Plan) Permanent(obj PlanObject) bool {
	if t := obj.asTask(); t != nil {
		_, ok := p.permanentTasks[t]
		return ok
	}
	if ev := obj.asEvent(); ev != nil {
		_, ok := p.permanentEvents[ev]
		return ok
	}
	return false
}

// Missions returns the mission tasks in plan insertion order.
func (p *Plan) Missions() []*Task {
	var out []*Task
	for _, t := range p.tasks {
		if _, ok := p.missions[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Tasks returns every owned task in insertion order.
func (p *Plan) Tasks() []*Task {
	return append([]*Task(nil), p.tasks...)
}

// FreeEvents returns every owned free event in insertion order.
func (p *Plan) FreeEvents() []*EventGenerator {
	return append([]*EventGenerator(nil), p.freeEvents...)
}

// Includes reports whether the object belongs to this plan.
func (p *Plan) Includes(obj PlanObject) bool {
	return obj.Plan() == p
}

// Resolve returns the object a remote reference points to, if it is still
// part of the plan.
func (p *Plan) Resolve(ref RemoteRef) (PlanObject, bool) {
	obj, ok := p.byID[ref.ID]
	return obj, ok
}

// RemoveObject removes a single object from the plan, clearing all of its
// edges, and finalizes it. Removal does not cascade to related objects.
func (p *Plan) RemoveObject(obj PlanObject) error {
	if obj.Plan() != p {
		return goerr.Wrap(ErrNotInPlan, "cannot remove object", goerr.V("object", obj.ID()))
	}
	p.record(stagedOp{kind: opRemoveObject, parent: obj})
	p.finalizeObject(obj)
	return nil
}

// Replace moves every incoming and outgoing task-relation edge of old onto
// replacement, transfers old's mission/permanent status, and demotes old.
// The old task stays in the plan until garbage collection.
func (p *Plan) Replace(old, replacement *Task) error {
	if err := p.checkReplace(old, replacement); err != nil {
		return err
	}
	// The compound move is staged as one replace operation, not as its
	// individual edge mutations.
	p.muteRecord = true
	err := p.moveTaskEdges(old, replacement)
	if err == nil {
		p.finishReplace(old, replacement)
	}
	p.muteRecord = false
	if err != nil {
		return err
	}
	p.record(stagedOp{kind: opReplace, parent: old, child: replacement})
	return nil
}

// ReplaceTask is Replace plus the event-level relations: Signal and Forward
// edges of old's events are moved to replacement's events of the same name.
func (p *Plan) ReplaceTask(old, replacement *Task) error {
	if err := p.checkReplace(old, replacement); err != nil {
		return err
	}
	p.muteRecord = true
	err := p.moveTaskEdges(old, replacement)
	if err == nil {
		err = p.moveEventEdges(old, replacement)
	}
	if err == nil {
		p.finishReplace(old, replacement)
	}
	p.muteRecord = false
	if err != nil {
		return err
	}
	p.record(stagedOp{kind: opReplaceTask, parent: old, child: replacement})
	return nil
}

func (p *Plan) checkReplace(old, replacement *Task) error {
	if old.Plan() != p {
		return goerr.Wrap(ErrNotInPlan, "cannot replace", goerr.V("task", old.ID()))
	}
	if replacement.Finalized() {
		return goerr.Wrap(ErrFinalizedObject, "cannot replace with finalized task",
			goerr.V("task", replacement.ID()))
	}
	return p.Add(replacement)
}

func (p *Plan) moveTaskEdges(old, replacement *Task) error {
	for _, g := range p.graphs {
		if g.def.space.kind != TaskVertex {
			continue
		}
		for _, child := range g.Children(old) {
			if child == PlanObject(replacement) {
				continue
			}
			info, _ := g.EdgeInfo(old, child)
			if err := g.RemoveEdge(old, child); err != nil {
				return err
			}
			if err := g.AddEdge(replacement, child, info); err != nil {
				return err
			}
		}
		for _, parent := range g.Parents(old) {
			if parent == PlanObject(replacement) {
				continue
			}
			info, _ := g.EdgeInfo(parent, old)
			if err := g.RemoveEdge(parent, old); err != nil {
				return err
			}
			if err := g.AddEdge(parent, replacement, info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Plan) moveEventEdges(old, replacement *Task) error {
	for _, g := range p.graphs {
		if g.def.space.kind != EventVertex {
			continue
		}
		for _, name := range old.eventOrder {
			oldEv := old.events[name]
			newEv, ok := replacement.events[name]
			if !ok {
				continue
			}
			for _, child := range g.Children(oldEv) {
				// Forward edges among the task's own terminal events follow
				// the old task; the replacement got its own on insertion.
				if childEv := child.asEvent(); childEv != nil && childEv.task == old {
					continue
				}
				info, _ := g.EdgeInfo(oldEv, child)
				if err := g.RemoveEdge(oldEv, child); err != nil {
					return err
				}
				if err := g.AddEdge(newEv, child, info); err != nil {
					return err
				}
			}
			for _, parent := range g.Parents(oldEv) {
				if parentEv := parent.asEvent(); parentEv != nil && parentEv.task == old {
					continue
				}
				info, _ := g.EdgeInfo(parent, oldEv)
				if err := g.RemoveEdge(parent, oldEv); err != nil {
					return err
				}
				if err := g.AddEdge(parent, newEv, info); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Plan) finishReplace(old, replacement *Task) {
	if _, ok := p.missions[old]; ok {
		p.missions[replacement] = struct{}{}
	}
	if _, ok := p.permanentTasks[old]; ok {
		p.permanentTasks[replacement] = struct{}{}
	}
	p.Unmark(old)
	for _, obs := range p.observers {
		if obs.Replaced != nil {
			obs.Replaced(old, replacement)
		}
	}
}

// UsefulTasks returns the tasks reachable from the mission and permanent
// root set through the non-weak task relations, in plan insertion order.
func (p *Plan) UsefulTasks() []*Task {
	useful := p.usefulTaskSet()
	var out []*Task
	for _, t := range p.tasks {
		if _, ok := useful[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// UnneededTasks returns the owned tasks that are not useful, in plan
// insertion order.
func (p *Plan) UnneededTasks() []*Task {
	useful := p.usefulTaskSet()
	var out []*Task
	for _, t := range p.tasks {
		if _, ok := useful[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (p *Plan) usefulTaskSet() map[*Task]struct{} {
	useful := map[*Task]struct{}{}
	for _, t := range p.tasks {
		_, mission := p.missions[t]
		_, permanent := p.permanentTasks[t]
		if mission || permanent {
			useful[t] = struct{}{}
		}
	}
	// A task discovered through one relation can open paths in another, so
	// iterate to a fixpoint.
	for {
		before := len(useful)
		var roots []PlanObject
		for _, t := range p.tasks {
			if _, ok := useful[t]; ok {
				roots = append(roots, t)
			}
		}
		for _, g := range p.graphs {
			if g.def.space.kind != TaskVertex || g.def.weak {
				continue
			}
			g.ReachableFrom(roots, func(v PlanObject) bool {
				if t := v.asTask(); t != nil {
					useful[t] = struct{}{}
				}
				return true
			})
		}
		if len(useful) == before {
			return useful
		}
	}
}

// UsefulEvents returns the free events related to a useful task or to a
// permanent event, in plan insertion order.
func (p *Plan) UsefulEvents() []*EventGenerator {
	useful := p.usefulEventSet(p.usefulTaskSet())
	var out []*EventGenerator
	for _, ev := range p.freeEvents {
		if _, ok := useful[ev]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// UnneededEvents returns the free events that are not useful.
func (p *Plan) UnneededEvents() []*EventGenerator {
	useful := p.usefulEventSet(p.usefulTaskSet())
	var out []*EventGenerator
	for _, ev := range p.freeEvents {
		if _, ok := useful[ev]; !ok {
			out = append(out, ev)
		}
	}
	return out
}

func (p *Plan) usefulEventSet(usefulTasks map[*Task]struct{}) map[*EventGenerator]struct{} {
	useful := map[*EventGenerator]struct{}{}
	var seeds []PlanObject
	for _, t := range p.tasks {
		if _, ok := usefulTasks[t]; !ok {
			continue
		}
		for _, name := range t.eventOrder {
			seeds = append(seeds, t.events[name])
		}
	}
	for _, ev := range p.freeEvents {
		if _, ok := p.permanentEvents[ev]; ok {
			useful[ev] = struct{}{}
			seeds = append(seeds, ev)
		}
	}
	visited := map[PlanObject]struct{}{}
	for _, s := range seeds {
		visited[s] = struct{}{}
	}
	queue := seeds
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, g := range p.graphs {
			if g.def.space.kind != EventVertex || g.def.weak {
				continue
			}
			for _, n := range append(g.Children(v), g.Parents(v)...) {
				if _, ok := visited[n]; ok {
					continue
				}
				visited[n] = struct{}{}
				queue = append(queue, n)
				if ev := n.asEvent(); ev != nil && ev.task == nil {
					useful[ev] = struct{}{}
				}
			}
		}
	}
	return useful
}

// GarbageCollect stops and finalizes every task and free event that is not
// reachable from the mission/permanent root set. A running task is asked to
// stop first; a task whose stop is already pending survives the configured
// grace passes so that in-flight shutdowns complete. With a non-empty force
// list, the given objects are finalized immediately and a single pass runs.
func (p *Plan) GarbageCollect(ctx context.Context, force ...PlanObject) error {
	p.collecting = true
	defer func() { p.collecting = false }()
	for _, obj := range force {
		if obj.Plan() == p {
			obj.base().markGarbage()
			p.finalizeObject(obj)
		}
	}
	pass := 0
	for {
		progress := p.collectPass(ctx, pass)
		pass++
		if !progress || len(force) > 0 {
			return nil
		}
	}
}

func (p *Plan) collectPass(ctx context.Context, pass int) bool {
	progress := false
	useful := p.usefulTaskSet()
	for _, t := range p.Tasks() {
		if t.Finalized() {
			continue
		}
		if _, ok := useful[t]; ok {
			t.graceArmed = false
			continue
		}
		if !t.garbage {
			t.markGarbage()
			p.logger.Debug("task marked as garbage", "task", t.model.name, "id", t.id)
		}
		switch {
		case t.Finished():
			p.finalizeObject(t)
			progress = true
		case t.Finishing():
			// The grace counter ticks once per GarbageCollect call, not
			// once per fixpoint pass.
			if pass != 0 {
				continue
			}
			if !t.graceArmed {
				t.graceArmed = true
				t.graceLeft = p.stopGracePasses
			}
			if t.graceLeft > 0 {
				t.graceLeft--
				continue
			}
			p.logger.Warn("finalizing task with pending stop", "task", t.model.name, "id", t.id)
			p.finalizeObject(t)
			progress = true
		case t.Started():
			if t.Executable() && t.StopEvent().Controllable() {
				if err := t.Stop(ctx); err != nil {
					p.logger.Warn("failed to stop unneeded task",
						"task", t.model.name, "id", t.id, "error", err)
					p.finalizeObject(t)
				}
			} else {
				p.finalizeObject(t)
			}
			progress = true
		case t.StartEvent().Pending():
			// Starting: wait for the start emission before collecting.
		default:
			p.finalizeObject(t)
			progress = true
		}
	}
	usefulEv := p.usefulEventSet(p.usefulTaskSet())
	for _, ev := range p.FreeEvents() {
		if ev.Finalized() {
			continue
		}
		if _, ok := usefulEv[ev]; ok {
			continue
		}
		ev.markGarbage()
		p.finalizeObject(ev)
		progress = true
	}
	return progress
}

// finalizeObject clears the object's edges, removes it from the plan and
// runs its finalization callbacks. Observers are notified last.
func (p *Plan) finalizeObject(obj PlanObject) {
	p.muteRecord = true
	defer func() { p.muteRecord = false }()
	if t := obj.asTask(); t != nil {
		for _, g := range p.graphs {
			switch g.def.space.kind {
			case TaskVertex:
				_ = g.clearVertex(t, true)
			case EventVertex:
				for _, name := range t.eventOrder {
					_ = g.clearVertex(t.events[name], true)
				}
			}
		}
		p.removeTask(t)
		for _, name := range t.eventOrder {
			ev := t.events[name]
			delete(p.byID, ev.id)
			ev.finalize()
		}
		t.finalize()
	} else if ev := obj.asEvent(); ev != nil {
		for _, g := range p.graphs {
			if g.def.space.kind == EventVertex {
				_ = g.clearVertex(ev, true)
			}
		}
		p.removeEvent(ev)
		ev.finalize()
	}
	for _, obs := range p.observers {
		if obs.FinalizedObject != nil {
			obs.FinalizedObject(p, obj)
		}
	}
}

func (p *Plan) removeTask(t *Task) {
	delete(p.taskSet, t)
	delete(p.missions, t)
	delete(p.permanentTasks, t)
	delete(p.byID, t.id)
	for i, o := range p.tasks {
		if o == t {
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			break
		}
	}
}

func (p *Plan) removeEvent(ev *EventGenerator) {
	delete(p.eventSet, ev)
	delete(p.permanentEvents, ev)
	delete(p.byID, ev.id)
	for i, o := range p.freeEvents {
		if o == ev {
			p.freeEvents = append(p.freeEvents[:i], p.freeEvents[i+1:]...)
			break
		}
	}
}

// emitted records an emission for the engine's propagation phase and
// notifies observers.
func (p *Plan) emitted(ev *EventGenerator, em Emission) {
	p.emissions = append(p.emissions, pendingEmission{ev: ev, em: em})
	for _, obs := range p.observers {
		if obs.EmittedEvent != nil {
			obs.EmittedEvent(ev, em)
		}
	}
}

// takeEmissions drains the pending emission worklist.
func (p *Plan) takeEmissions() []pendingEmission {
	out := p.emissions
	p.emissions = nil
	return out
}

func (p *Plan) record(op stagedOp) {
	if p.recorder != nil && !p.muteRecord {
		p.recorder.record(op)
	}
}

func (p *Plan) notifyAdded(obj PlanObject) {
	for _, obs := range p.observers {
		if obs.AddedObject != nil {
			obs.AddedObject(p, obj)
		}
	}
}
