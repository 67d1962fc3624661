package warden

import (
	"github.com/m-mizutani/goerr/v2"
)

// EdgeDirection tells an edge observer on which side of the edge the
// observed vertex sits.
type EdgeDirection int

const (
	// EdgeOutgoing means the observed vertex is the parent of the edge.
	EdgeOutgoing EdgeDirection = iota

	// EdgeIncoming means the observed vertex is the child of the edge.
	EdgeIncoming
)

// String returns the string representation of the edge direction.
func (x EdgeDirection) String() string {
	return []string{"outgoing", "incoming"}[x]
}

// EdgeAddObserver is implemented by vertex objects (or observers attached to
// them with SetEdgeObserver) that want to be notified of edge additions.
// BeforeEdgeAdd may return an error to veto the edge; in that case nothing is
// mutated. An error from AfterEdgeAdd is reported to the caller but the edge
// stays in place.
type EdgeAddObserver interface {
	BeforeEdgeAdd(other PlanObject, rel *Relation, info any, dir EdgeDirection) error
	AfterEdgeAdd(other PlanObject, rel *Relation, info any, dir EdgeDirection) error
}

// EdgeRemoveObserver is the removal counterpart of EdgeAddObserver, with the
// same veto semantics for BeforeEdgeRemove.
type EdgeRemoveObserver interface {
	BeforeEdgeRemove(other PlanObject, rel *Relation, dir EdgeDirection) error
	AfterEdgeRemove(other PlanObject, rel *Relation, dir EdgeDirection) error
}

type edgeRecord struct {
	info any

	// direct is false for edges that only exist because a subset relation
	// justifies them. Such edges disappear when the last justifying subset
	// edge is removed.
	direct bool
}

// adjacency keeps both a lookup map and an insertion-ordered vertex list so
// that iteration order is deterministic within a cycle.
type adjacency struct {
	order []PlanObject
	edges map[PlanObject]*edgeRecord
}

func newAdjacency() *adjacency {
	return &adjacency{edges: map[PlanObject]*edgeRecord{}}
}

func (a *adjacency) add(v PlanObject, rec *edgeRecord) {
	if _, ok := a.edges[v]; !ok {
		a.order = append(a.order, v)
	}
	a.edges[v] = rec
}

func (a *adjacency) remove(v PlanObject) {
	if _, ok := a.edges[v]; !ok {
		return
	}
	delete(a.edges, v)
	for i, o := range a.order {
		if o == v {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Relation is one graph instance of a RelationDef, owned by a single plan.
// Edges are directed parent→child and carry an arbitrary info payload.
type Relation struct {
	def  *RelationDef
	plan *Plan

	out map[PlanObject]*adjacency
	in  map[PlanObject]*adjacency

	supersets []*Relation
	subsets   []*Relation
}

func newRelation(def *RelationDef, plan *Plan) *Relation {
	return &Relation{
		def:  def,
		plan: plan,
		out:  map[PlanObject]*adjacency{},
		in:   map[PlanObject]*adjacency{},
	}
}

// Def returns the relation definition this graph instantiates.
func (g *Relation) Def() *RelationDef { return g.def }

// Name returns the relation name.
func (g *Relation) Name() string { return g.def.name }

func (g *Relation) checkKind(objs ...PlanObject) error {
	for _, o := range objs {
		if o.vertexKind() != g.def.space.kind {
			return goerr.Wrap(ErrWrongVertexKind, "wrong vertex kind",
				goerr.V("relation", g.def.name))
		}
	}
	return nil
}

// AddEdge adds the directed edge parent→child with the given info payload.
// The edge is propagated to every superset relation. If the relation (or an
// affected superset) is DAG constrained and the edge would close a cycle,
// ErrCycleFound is returned and nothing is applied. BeforeEdgeAdd observers
// on either endpoint may veto the edge; once they pass, the mutation is
// applied even if an AfterEdgeAdd observer fails.
func (g *Relation) AddEdge(parent, child PlanObject, info any) error {
	if err := g.checkKind(parent, child); err != nil {
		return err
	}
	if parent == child {
		return goerr.Wrap(ErrCycleFound, "self edge", goerr.V("relation", g.def.name))
	}
	if err := g.checkPlans(parent, child); err != nil {
		return err
	}

	if rec, ok := g.edge(parent, child); ok {
		// Re-adding an implicit (subset-justified) edge makes it direct.
		if !rec.direct {
			rec.direct = true
			rec.info = info
			g.record(stagedOp{kind: opUpdateEdgeInfo, rel: g.def, parent: parent, child: child, info: info})
			return nil
		}
		if rec.info == info {
			return nil
		}
		return goerr.Wrap(ErrEdgeExists, "edge already exists with different info",
			goerr.V("relation", g.def.name))
	}

	if g.def.singleChild {
		if adj, ok := g.out[parent]; ok && len(adj.order) > 0 {
			return goerr.Wrap(ErrSingleChild, "parent already has a child",
				goerr.V("relation", g.def.name))
		}
	}

	// The edge lands in this graph plus every transitive superset that does
	// not hold it yet. Each of those graphs enforces its own DAG flag.
	targets := g.propagationTargets(parent, child)
	for _, t := range targets {
		if t.def.dag && t.reachable(child, parent) {
			return goerr.Wrap(ErrCycleFound, "edge would close a cycle",
				goerr.V("relation", t.def.name),
				goerr.V("parent", parent.ID()), goerr.V("child", child.ID()))
		}
	}

	if err := notifyBeforeAdd(parent, child, g, info); err != nil {
		return err
	}

	if g.plan != nil {
		if err := g.plan.adopt(parent); err != nil {
			return err
		}
		if err := g.plan.adopt(child); err != nil {
			return err
		}
	}

	for i, t := range targets {
		t.insert(parent, child, &edgeRecord{info: info, direct: i == 0})
	}
	g.record(stagedOp{kind: opAddEdge, rel: g.def, parent: parent, child: child, info: info})

	return notifyAfterAdd(parent, child, g, info)
}

// RemoveEdge removes the edge parent→child. The edge is also removed from
// every superset relation that is no longer justified by a subset edge, and
// was not added to the superset directly.
func (g *Relation) RemoveEdge(parent, child PlanObject) error {
	if _, ok := g.edge(parent, child); !ok {
		return goerr.Wrap(ErrEdgeNotFound, "cannot remove edge",
			goerr.V("relation", g.def.name))
	}
	if err := notifyBeforeRemove(parent, child, g); err != nil {
		return err
	}
	g.removeEdge(parent, child)
	g.record(stagedOp{kind: opRemoveEdge, rel: g.def, parent: parent, child: child})
	return notifyAfterRemove(parent, child, g)
}

func (g *Relation) removeEdge(parent, child PlanObject) {
	g.erase(parent, child)
	for _, s := range g.allSupersets() {
		rec, ok := s.edge(parent, child)
		if !ok || rec.direct {
			continue
		}
		if !s.justified(parent, child) {
			s.erase(parent, child)
		}
	}
}

// UpdateEdgeInfo replaces the info payload of an existing edge.
func (g *Relation) UpdateEdgeInfo(parent, child PlanObject, info any) error {
	rec, ok := g.edge(parent, child)
	if !ok {
		return goerr.Wrap(ErrEdgeNotFound, "cannot update edge info",
			goerr.V("relation", g.def.name))
	}
	rec.info = info
	g.record(stagedOp{kind: opUpdateEdgeInfo, rel: g.def, parent: parent, child: child, info: info})
	return nil
}

// ClearVertex removes every edge touching v in this relation. Observers fire
// for each removed edge; a veto aborts the operation with edges removed so
// far kept removed.
func (g *Relation) ClearVertex(v PlanObject) error {
	return g.clearVertex(v, false)
}

// clearVertex with force removes the edges unconditionally, bypassing the
// observer hooks. Finalization relies on this: a finalized object must not
// keep edges in the live graph even if an observer vetoes the removal.
func (g *Relation) clearVertex(v PlanObject, force bool) error {
	if force {
		for _, child := range g.Children(v) {
			g.removeEdge(v, child)
			g.record(stagedOp{kind: opRemoveEdge, rel: g.def, parent: v, child: child})
		}
		for _, parent := range g.Parents(v) {
			g.removeEdge(parent, v)
			g.record(stagedOp{kind: opRemoveEdge, rel: g.def, parent: parent, child: v})
		}
		return nil
	}
	for _, child := range g.Children(v) {
		if err := g.RemoveEdge(v, child); err != nil {
			return err
		}
	}
	for _, parent := range g.Parents(v) {
		if err := g.RemoveEdge(parent, v); err != nil {
			return err
		}
	}
	return nil
}

// Linked reports whether the edge parent→child exists.
func (g *Relation) Linked(parent, child PlanObject) bool {
	_, ok := g.edge(parent, child)
	return ok
}

// EdgeInfo returns the info payload attached to the edge parent→child.
func (g *Relation) EdgeInfo(parent, child PlanObject) (any, bool) {
	rec, ok := g.edge(parent, child)
	if !ok {
		return nil, false
	}
	return rec.info, true
}

// EachChild yields each child of parent in insertion order, with the edge
// info. Iteration stops when fn returns false.
func (g *Relation) EachChild(parent PlanObject, fn func(child PlanObject, info any) bool) {
	adj, ok := g.out[parent]
	if !ok {
		return
	}
	for _, c := range append([]PlanObject(nil), adj.order...) {
		rec, ok := adj.edges[c]
		if !ok {
			continue
		}
		if !fn(c, rec.info) {
			return
		}
	}
}

// EachParent yields each parent of child in insertion order.
func (g *Relation) EachParent(child PlanObject, fn func(parent PlanObject, info any) bool) {
	adj, ok := g.in[child]
	if !ok {
		return
	}
	for _, p := range append([]PlanObject(nil), adj.order...) {
		rec, ok := adj.edges[p]
		if !ok {
			continue
		}
		if !fn(p, rec.info) {
			return
		}
	}
}

// Children returns the children of parent in insertion order.
func (g *Relation) Children(parent PlanObject) []PlanObject {
	var out []PlanObject
	g.EachChild(parent, func(c PlanObject, _ any) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Parents returns the parents of child in insertion order.
func (g *Relation) Parents(child PlanObject) []PlanObject {
	var out []PlanObject
	g.EachParent(child, func(p PlanObject, _ any) bool {
		out = append(out, p)
		return true
	})
	return out
}

// HasChild reports whether v has at least one outgoing edge.
func (g *Relation) HasChild(v PlanObject) bool {
	adj, ok := g.out[v]
	return ok && len(adj.order) > 0
}

// HasParent reports whether v has at least one incoming edge.
func (g *Relation) HasParent(v PlanObject) bool {
	adj, ok := g.in[v]
	return ok && len(adj.order) > 0
}

// Related reports whether v has any edge in this relation.
func (g *Relation) Related(v PlanObject) bool {
	return g.HasChild(v) || g.HasParent(v)
}

// Size returns the number of edges in the graph.
func (g *Relation) Size() int {
	n := 0
	for _, adj := range g.out {
		n += len(adj.order)
	}
	return n
}

// ReachableFrom walks the graph breadth-first along child edges starting
// from roots. The roots themselves are visited first; every vertex is
// visited at most once, and iteration stops when fn returns false.
func (g *Relation) ReachableFrom(roots []PlanObject, fn func(v PlanObject) bool) {
	visited := map[PlanObject]struct{}{}
	queue := make([]PlanObject, 0, len(roots))
	for _, r := range roots {
		if _, ok := visited[r]; ok {
			continue
		}
		visited[r] = struct{}{}
		if !fn(r) {
			return
		}
		queue = append(queue, r)
	}
	for i := 0; i < len(queue); i++ {
		for _, c := range g.Children(queue[i]) {
			if _, ok := visited[c]; ok {
				continue
			}
			visited[c] = struct{}{}
			if !fn(c) {
				return
			}
			queue = append(queue, c)
		}
	}
}

func (g *Relation) reachable(from, to PlanObject) bool {
	if from == to {
		return true
	}
	found := false
	g.ReachableFrom([]PlanObject{from}, func(v PlanObject) bool {
		if v == to {
			found = true
			return false
		}
		return true
	})
	return found
}

func (g *Relation) edge(parent, child PlanObject) (*edgeRecord, bool) {
	adj, ok := g.out[parent]
	if !ok {
		return nil, false
	}
	rec, ok := adj.edges[child]
	return rec, ok
}

func (g *Relation) insert(parent, child PlanObject, rec *edgeRecord) {
	adj, ok := g.out[parent]
	if !ok {
		adj = newAdjacency()
		g.out[parent] = adj
	}
	adj.add(child, rec)

	radj, ok := g.in[child]
	if !ok {
		radj = newAdjacency()
		g.in[child] = radj
	}
	radj.add(parent, rec)
}

func (g *Relation) erase(parent, child PlanObject) {
	if adj, ok := g.out[parent]; ok {
		adj.remove(child)
	}
	if radj, ok := g.in[child]; ok {
		radj.remove(parent)
	}
}

// propagationTargets returns this graph followed by every transitive
// superset graph that does not hold the edge yet.
func (g *Relation) propagationTargets(parent, child PlanObject) []*Relation {
	targets := []*Relation{g}
	for _, s := range g.allSupersets() {
		if _, ok := s.edge(parent, child); !ok {
			targets = append(targets, s)
		}
	}
	return targets
}

func (g *Relation) allSupersets() []*Relation {
	var out []*Relation
	seen := map[*Relation]struct{}{}
	queue := append([]*Relation(nil), g.supersets...)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		queue = append(queue, s.supersets...)
	}
	return out
}

// justified reports whether any subset relation still holds the edge.
func (g *Relation) justified(parent, child PlanObject) bool {
	for _, sub := range g.subsets {
		if sub.Linked(parent, child) {
			return true
		}
		if sub.justified(parent, child) {
			return true
		}
	}
	return false
}

func (g *Relation) checkPlans(parent, child PlanObject) error {
	pp, cp := parent.Plan(), child.Plan()
	if pp != nil && cp != nil && pp != cp {
		return goerr.Wrap(ErrCrossPlan, "cannot link across plans",
			goerr.V("relation", g.def.name))
	}
	for _, p := range []*Plan{pp, cp} {
		if p != nil && g.plan != nil && p != g.plan {
			return goerr.Wrap(ErrNotInPlan, "object belongs to another plan",
				goerr.V("relation", g.def.name))
		}
	}
	return nil
}

func (g *Relation) record(op stagedOp) {
	if g.plan != nil {
		g.plan.record(op)
	}
}

func notifyBeforeAdd(parent, child PlanObject, g *Relation, info any) error {
	for _, obs := range edgeAddObservers(parent) {
		if err := obs.BeforeEdgeAdd(child, g, info, EdgeOutgoing); err != nil {
			return err
		}
	}
	for _, obs := range edgeAddObservers(child) {
		if err := obs.BeforeEdgeAdd(parent, g, info, EdgeIncoming); err != nil {
			return err
		}
	}
	return nil
}

func notifyAfterAdd(parent, child PlanObject, g *Relation, info any) error {
	var firstErr error
	for _, obs := range edgeAddObservers(parent) {
		if err := obs.AfterEdgeAdd(child, g, info, EdgeOutgoing); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, obs := range edgeAddObservers(child) {
		if err := obs.AfterEdgeAdd(parent, g, info, EdgeIncoming); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func notifyBeforeRemove(parent, child PlanObject, g *Relation) error {
	for _, obs := range edgeRemoveObservers(parent) {
		if err := obs.BeforeEdgeRemove(child, g, EdgeOutgoing); err != nil {
			return err
		}
	}
	for _, obs := range edgeRemoveObservers(child) {
		if err := obs.BeforeEdgeRemove(parent, g, EdgeIncoming); err != nil {
			return err
		}
	}
	return nil
}

func notifyAfterRemove(parent, child PlanObject, g *Relation) error {
	var firstErr error
	for _, obs := range edgeRemoveObservers(parent) {
		if err := obs.AfterEdgeRemove(child, g, EdgeOutgoing); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, obs := range edgeRemoveObservers(child) {
		if err := obs.AfterEdgeRemove(parent, g, EdgeIncoming); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func edgeAddObservers(v PlanObject) []EdgeAddObserver {
	var out []EdgeAddObserver
	if obs, ok := v.(EdgeAddObserver); ok {
		out = append(out, obs)
	}
	if attached := v.base().observer; attached != nil {
		if obs, ok := attached.(EdgeAddObserver); ok {
			out = append(out, obs)
		}
	}
	return out
}

func edgeRemoveObservers(v PlanObject) []EdgeRemoveObserver {
	var out []EdgeRemoveObserver
	if obs, ok := v.(EdgeRemoveObserver); ok {
		out = append(out, obs)
	}
	if attached := v.base().observer; attached != nil {
		if obs, ok := attached.(EdgeRemoveObserver); ok {
			out = append(out, obs)
		}
	}
	return out
}
