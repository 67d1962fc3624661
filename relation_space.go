package warden

// VertexKind is the kind of object a relation space accepts as vertices.
type VertexKind int

const (
	// TaskVertex marks relation spaces over tasks.
	TaskVertex VertexKind = iota

	// EventVertex marks relation spaces over event generators.
	EventVertex
)

// String returns the string representation of the vertex kind.
func (x VertexKind) String() string {
	return []string{"task", "event"}[x]
}

// RelationDef is the schema of a relation: its name, vertex kind and
// structural constraints. Plans instantiate one Relation graph per
// definition; the definition itself holds no edges.
type RelationDef struct {
	name  string
	space *RelationSpace

	dag         bool
	singleChild bool
	weak        bool

	supersets []*RelationDef
	subsets   []*RelationDef
}

// Name returns the relation name.
func (d *RelationDef) Name() string { return d.name }

// Space returns the relation space the definition belongs to.
func (d *RelationDef) Space() *RelationSpace { return d.space }

// RelationOption configures a relation definition.
type RelationOption func(*RelationDef)

// DAG rejects edges that would create a cycle in the relation graph.
func DAG() RelationOption {
	return func(d *RelationDef) {
		d.dag = true
	}
}

// SingleChild allows at most one outgoing edge per vertex.
func SingleChild() RelationOption {
	return func(d *RelationDef) {
		d.singleChild = true
	}
}

// Weak excludes the relation from garbage-collection usefulness: children
// reached only through a weak relation are not kept alive by it.
func Weak() RelationOption {
	return func(d *RelationDef) {
		d.weak = true
	}
}

// SubsetOf declares the relation a subset of parent: every edge added to the
// relation is implicitly added to parent, and removed from parent only once
// no subset edge justifies it anymore.
func SubsetOf(parent *RelationDef) RelationOption {
	return func(d *RelationDef) {
		d.supersets = append(d.supersets, parent)
		parent.subsets = append(parent.subsets, d)
	}
}

// RelationSpace is an ordered registry of relation definitions over one
// vertex kind. The package ships two spaces, TaskStructure and
// EventStructure; applications may define more.
type RelationSpace struct {
	kind   VertexKind
	defs   []*RelationDef
	byName map[string]*RelationDef
}

// NewRelationSpace creates an empty relation space for the given vertex
// kind.
func NewRelationSpace(kind VertexKind) *RelationSpace {
	return &RelationSpace{
		kind:   kind,
		byName: map[string]*RelationDef{},
	}
}

// Kind returns the vertex kind of the space.
func (s *RelationSpace) Kind() VertexKind { return s.kind }

// Relation defines a new relation in the space. Defining the same name twice
// returns the existing definition unchanged.
func (s *RelationSpace) Relation(name string, options ...RelationOption) *RelationDef {
	if d, ok := s.byName[name]; ok {
		return d
	}
	d := &RelationDef{name: name, space: s}
	for _, opt := range options {
		opt(d)
	}
	s.defs = append(s.defs, d)
	s.byName[name] = d
	return d
}

// Lookup returns the definition registered under name.
func (s *RelationSpace) Lookup(name string) (*RelationDef, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// EachRelation yields every definition in definition order.
func (s *RelationSpace) EachRelation(fn func(d *RelationDef) bool) {
	for _, d := range s.defs {
		if !fn(d) {
			return
		}
	}
}

// instantiate builds a graph for every definition the plan does not have an
// instance of yet and returns only the new ones. Relations may be defined
// after plans exist, so the subset/superset pointers of the whole space are
// rewired against the union of existing and new instances.
func (s *RelationSpace) instantiate(p *Plan, existing map[*RelationDef]*Relation) []*Relation {
	all := map[*RelationDef]*Relation{}
	created := make([]*Relation, 0, len(s.defs))
	for _, d := range s.defs {
		if g, ok := existing[d]; ok {
			all[d] = g
			continue
		}
		g := newRelation(d, p)
		all[d] = g
		created = append(created, g)
	}
	if len(created) == 0 {
		return nil
	}
	for _, d := range s.defs {
		g := all[d]
		g.supersets = g.supersets[:0]
		g.subsets = g.subsets[:0]
		for _, sup := range d.supersets {
			if sg, ok := all[sup]; ok {
				g.supersets = append(g.supersets, sg)
			}
		}
		for _, sub := range d.subsets {
			if sg, ok := all[sub]; ok {
				g.subsets = append(g.subsets, sg)
			}
		}
	}
	return created
}

// TaskStructure is the relation space over tasks. Every plan instantiates
// its definitions.
var TaskStructure = NewRelationSpace(TaskVertex)

// EventStructure is the relation space over event generators.
var EventStructure = NewRelationSpace(EventVertex)

var (
	// Dependency links a task to the tasks it needs to achieve its goal.
	Dependency = TaskStructure.Relation("Dependency", DAG())

	// PlannedBy links an abstract task to the task that develops it into an
	// executable subplan.
	PlannedBy = TaskStructure.Relation("PlannedBy", DAG(), SingleChild())

	// ExecutedBy links a task to its execution agent, the task it depends on
	// to run at all.
	ExecutedBy = TaskStructure.Relation("ExecutedBy", SingleChild())

	// ErrorHandling links a failing task to the tasks repairing it. The
	// relation is weak: a repair task does not keep its target alive.
	ErrorHandling = TaskStructure.Relation("ErrorHandling", Weak())

	// Signal triggers the command of the target event when the source
	// emits.
	Signal = EventStructure.Relation("Signal", DAG())

	// Forward emits the target event when the source emits.
	Forward = EventStructure.Relation("Forward", DAG())
)
