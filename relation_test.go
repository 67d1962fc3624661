package warden_test

import (
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/warden"
)

func newTestTask(t *testing.T, model *warden.TaskModel) *warden.Task {
	t.Helper()
	task, err := warden.NewTask(model)
	gt.NoError(t, err)
	return task
}

func TestDependencyRejectsCycles(t *testing.T) {
	model := warden.NewTaskModel("test.cycle")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	a := newTestTask(t, model)
	b := newTestTask(t, model)
	c := newTestTask(t, model)

	gt.NoError(t, g.AddEdge(a, b, nil))
	gt.NoError(t, g.AddEdge(b, c, nil))

	sizeBefore := g.Size()
	err := g.AddEdge(c, a, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrCycleFound))

	// A rejected edge must leave the graph untouched.
	gt.Equal(t, sizeBefore, g.Size())
	gt.False(t, g.Linked(c, a))

	err = g.AddEdge(a, a, nil)
	gt.True(t, errors.Is(err, warden.ErrCycleFound))
}

func TestSingleChildRelation(t *testing.T) {
	model := warden.NewTaskModel("test.agent")
	plan := warden.NewPlan()
	g := plan.Graph(warden.ExecutedBy)

	task := newTestTask(t, model)
	agent1 := newTestTask(t, model)
	agent2 := newTestTask(t, model)

	gt.NoError(t, g.AddEdge(task, agent1, nil))
	err := g.AddEdge(task, agent2, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrSingleChild))
	gt.True(t, g.Linked(task, agent1))
	gt.False(t, g.Linked(task, agent2))

	// Replacing the child after removal is fine.
	gt.NoError(t, g.RemoveEdge(task, agent1))
	gt.NoError(t, g.AddEdge(task, agent2, nil))
}

func TestEdgeInfoAndUpdate(t *testing.T) {
	model := warden.NewTaskModel("test.info")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	parent := newTestTask(t, model)
	child := newTestTask(t, model)

	gt.NoError(t, g.AddEdge(parent, child, "first"))

	info, ok := g.EdgeInfo(parent, child)
	gt.True(t, ok)
	gt.Equal(t, "first", info)

	// Re-adding with identical info is a no-op; different info is an error.
	gt.NoError(t, g.AddEdge(parent, child, "first"))
	err := g.AddEdge(parent, child, "second")
	gt.True(t, errors.Is(err, warden.ErrEdgeExists))

	gt.NoError(t, g.UpdateEdgeInfo(parent, child, "second"))
	info, ok = g.EdgeInfo(parent, child)
	gt.True(t, ok)
	gt.Equal(t, "second", info)

	err = g.UpdateEdgeInfo(child, parent, "x")
	gt.True(t, errors.Is(err, warden.ErrEdgeNotFound))
}

func TestSubsetRelationPropagation(t *testing.T) {
	space := warden.NewRelationSpace(warden.TaskVertex)
	super := space.Relation("super")
	sub := space.Relation("sub", warden.SubsetOf(super))

	model := warden.NewTaskModel("test.subset")

	t.Run("subset edge appears in superset", func(t *testing.T) {
		plan := warden.NewPlan()
		a := newTestTask(t, model)
		b := newTestTask(t, model)

		gt.NoError(t, plan.Graph(sub).AddEdge(a, b, nil))
		gt.True(t, plan.Graph(super).Linked(a, b))

		// Removing the justifying subset edge removes the implicit
		// superset edge as well.
		gt.NoError(t, plan.Graph(sub).RemoveEdge(a, b))
		gt.False(t, plan.Graph(super).Linked(a, b))
	})

	t.Run("direct superset edge survives subset removal", func(t *testing.T) {
		plan := warden.NewPlan()
		a := newTestTask(t, model)
		b := newTestTask(t, model)

		gt.NoError(t, plan.Graph(super).AddEdge(a, b, nil))
		gt.NoError(t, plan.Graph(sub).AddEdge(a, b, nil))
		gt.NoError(t, plan.Graph(sub).RemoveEdge(a, b))
		gt.True(t, plan.Graph(super).Linked(a, b))
	})
}

func TestSubsetDAGChecksSuperset(t *testing.T) {
	space := warden.NewRelationSpace(warden.TaskVertex)
	super := space.Relation("acyclic-super", warden.DAG())
	sub := space.Relation("checked-sub", warden.SubsetOf(super))

	model := warden.NewTaskModel("test.subsetdag")
	plan := warden.NewPlan()
	a := newTestTask(t, model)
	b := newTestTask(t, model)

	// The superset holds b→a, so adding a→b to the subset would close a
	// cycle in the superset even though the subset itself stays acyclic.
	gt.NoError(t, plan.Graph(super).AddEdge(b, a, nil))
	err := plan.Graph(sub).AddEdge(a, b, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrCycleFound))
	gt.False(t, plan.Graph(sub).Linked(a, b))
}

type vetoObserver struct {
	vetoAdd    bool
	vetoRemove bool
	added      int
	removed    int
}

func (o *vetoObserver) BeforeEdgeAdd(other warden.PlanObject, rel *warden.Relation, info any, dir warden.EdgeDirection) error {
	if o.vetoAdd {
		return errors.New("edge not welcome")
	}
	return nil
}

func (o *vetoObserver) AfterEdgeAdd(other warden.PlanObject, rel *warden.Relation, info any, dir warden.EdgeDirection) error {
	o.added++
	return nil
}

func (o *vetoObserver) BeforeEdgeRemove(other warden.PlanObject, rel *warden.Relation, dir warden.EdgeDirection) error {
	if o.vetoRemove {
		return errors.New("edge is load bearing")
	}
	return nil
}

func (o *vetoObserver) AfterEdgeRemove(other warden.PlanObject, rel *warden.Relation, dir warden.EdgeDirection) error {
	o.removed++
	return nil
}

func TestEdgeObserverVeto(t *testing.T) {
	model := warden.NewTaskModel("test.hooks")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	parent := newTestTask(t, model)
	child := newTestTask(t, model)

	obs := &vetoObserver{vetoAdd: true}
	child.SetEdgeObserver(obs)

	err := g.AddEdge(parent, child, nil)
	gt.Error(t, err)
	gt.False(t, g.Linked(parent, child))
	gt.Equal(t, 0, obs.added)

	obs.vetoAdd = false
	gt.NoError(t, g.AddEdge(parent, child, nil))
	gt.Equal(t, 1, obs.added)

	obs.vetoRemove = true
	gt.Error(t, g.RemoveEdge(parent, child))
	gt.True(t, g.Linked(parent, child))
	gt.Equal(t, 0, obs.removed)

	obs.vetoRemove = false
	gt.NoError(t, g.RemoveEdge(parent, child))
	gt.Equal(t, 1, obs.removed)
}

func TestAddEdgeAdoptsIntoPlan(t *testing.T) {
	model := warden.NewTaskModel("test.adopt")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	parent := newTestTask(t, model)
	child := newTestTask(t, model)
	gt.NoError(t, plan.Add(parent))
	gt.Nil(t, child.Plan())

	gt.NoError(t, g.AddEdge(parent, child, nil))
	gt.Equal(t, plan, child.Plan())
	gt.True(t, plan.Includes(child))
}

func TestAddEdgeRejectsCrossPlan(t *testing.T) {
	model := warden.NewTaskModel("test.crossplan")
	planA := warden.NewPlan()
	planB := warden.NewPlan()

	a := newTestTask(t, model)
	b := newTestTask(t, model)
	gt.NoError(t, planA.Add(a))
	gt.NoError(t, planB.Add(b))

	err := planA.Graph(warden.Dependency).AddEdge(a, b, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrCrossPlan))
}

func TestClearVertex(t *testing.T) {
	model := warden.NewTaskModel("test.clear")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	parent := newTestTask(t, model)
	mid := newTestTask(t, model)
	child := newTestTask(t, model)

	gt.NoError(t, g.AddEdge(parent, mid, nil))
	gt.NoError(t, g.AddEdge(mid, child, nil))

	gt.NoError(t, g.ClearVertex(mid))
	gt.False(t, g.Related(mid))
	gt.False(t, g.Linked(parent, mid))
	gt.False(t, g.Linked(mid, child))
}

func TestChildIterationOrder(t *testing.T) {
	model := warden.NewTaskModel("test.order")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	parent := newTestTask(t, model)
	first := newTestTask(t, model)
	second := newTestTask(t, model)
	third := newTestTask(t, model)

	gt.NoError(t, g.AddEdge(parent, first, nil))
	gt.NoError(t, g.AddEdge(parent, second, nil))
	gt.NoError(t, g.AddEdge(parent, third, nil))

	children := g.Children(parent)
	gt.Equal(t, 3, len(children))
	gt.Equal(t, warden.PlanObject(first), children[0])
	gt.Equal(t, warden.PlanObject(second), children[1])
	gt.Equal(t, warden.PlanObject(third), children[2])
}

func TestReachableFrom(t *testing.T) {
	model := warden.NewTaskModel("test.reach")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	root := newTestTask(t, model)
	mid := newTestTask(t, model)
	leaf := newTestTask(t, model)
	island := newTestTask(t, model)

	gt.NoError(t, g.AddEdge(root, mid, nil))
	gt.NoError(t, g.AddEdge(mid, leaf, nil))
	gt.NoError(t, plan.Add(island))

	seen := map[warden.PlanObject]bool{}
	g.ReachableFrom([]warden.PlanObject{root}, func(v warden.PlanObject) bool {
		seen[v] = true
		return true
	})
	gt.True(t, seen[root])
	gt.True(t, seen[mid])
	gt.True(t, seen[leaf])
	gt.False(t, seen[island])
}

func TestRelationDefinedAfterPlanKeepsEdges(t *testing.T) {
	model := warden.NewTaskModel("test.latedef")
	plan := warden.NewPlan()

	a := newTestTask(t, model)
	b := newTestTask(t, model)
	gt.NoError(t, plan.Graph(warden.Dependency).AddEdge(a, b, nil))

	// Defining a relation after the plan has instantiated its space must
	// not recreate the existing graphs.
	late := warden.TaskStructure.Relation("test.latedef.custom")
	g := plan.Graph(late)
	gt.NotNil(t, g)

	gt.True(t, plan.Graph(warden.Dependency).Linked(a, b))
	gt.NoError(t, g.AddEdge(a, b, nil))
	gt.True(t, g.Linked(a, b))
}

func TestRemoveObjectClearsEdgesDespiteVeto(t *testing.T) {
	model := warden.NewTaskModel("test.forceclear")
	plan := warden.NewPlan()
	g := plan.Graph(warden.Dependency)

	parent := newTestTask(t, model)
	child := newTestTask(t, model)
	gt.NoError(t, g.AddEdge(parent, child, nil))

	obs := &vetoObserver{vetoRemove: true}
	child.SetEdgeObserver(obs)

	gt.Error(t, g.RemoveEdge(parent, child))
	gt.True(t, g.Linked(parent, child))

	// Finalization must clear the vertex even when an observer vetoes
	// ordinary removal.
	gt.NoError(t, plan.RemoveObject(child))
	gt.True(t, child.Finalized())
	gt.False(t, g.Linked(parent, child))
}
