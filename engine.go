package warden

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// EngineState is the state of the engine's cycle state machine.
type EngineState string

const (
	EngineIdle     EngineState = "idle"
	EngineRunning  EngineState = "running-cycle"
	EngineQuitting EngineState = "quitting"
)

// StructureCheck inspects the plan after event propagation and reports
// violations. A result pairs an execution exception with the tasks at
// fault; with no culprit tasks, the exception's origin task is the culprit.
// Checks run every cycle, so a violation that no longer reproduces is
// resolved by simply not reporting it again.
type StructureCheck func(p *Plan) []CheckResult

// CheckResult is one violation reported by a structure check.
type CheckResult struct {
	Exception *ExecutionException
	Tasks     []*Task
}

// DeferredFunc is a callable deferred to the engine's next cycle.
type DeferredFunc func(ctx context.Context) error

type registeredCheck struct {
	id int
	fn StructureCheck
}

type emitRequest struct {
	ev           *EventGenerator
	eventContext any
}

// Engine drives one plan through propagate/check/collect cycles. All plan
// mutation happens on the engine's cycle under its exclusive lock; other
// threads communicate through RunOnce, AtCycleEnd and EmitLater, which are
// drained at the start of the next cycle.
type Engine struct {
	plan        *Plan
	logger      *slog.Logger
	cyclePeriod time.Duration

	// mu is the cycle lock: exactly one cycle executes at a time.
	mu sync.Mutex

	queueMu  sync.Mutex
	runOnce  []DeferredFunc
	cycleEnd []DeferredFunc
	emitReqs []emitRequest

	checks      []registeredCheck
	nextCheckID int

	abortDefault bool
	abortStack   []bool

	state      EngineState
	quitFlag   bool
	cycleCount int
}

// EngineOption configures a new engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger. The default discards everything.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithAbortOnException sets the default abort policy: when true, an
// unhandled execution exception terminates the engine run with ErrAborting.
func WithAbortOnException(abort bool) EngineOption {
	return func(e *Engine) {
		e.abortDefault = abort
	}
}

// WithCyclePeriod sets the pacing of Run. The default is 100ms.
func WithCyclePeriod(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.cyclePeriod = d
	}
}

// NewEngine creates an engine over the given plan.
func NewEngine(plan *Plan, options ...EngineOption) *Engine {
	e := &Engine{
		plan:        plan,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		cyclePeriod: 100 * time.Millisecond,
		state:       EngineIdle,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Plan returns the plan the engine drives.
func (e *Engine) Plan() *Plan { return e.plan }

// State returns the engine state.
func (e *Engine) State() EngineState {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return e.state
}

func (e *Engine) setState(s EngineState) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.state = s
}

// CycleCount returns the number of completed cycles.
func (e *Engine) CycleCount() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return e.cycleCount
}

// RunOnce schedules fn to run exactly once at the start of the next cycle,
// in registration order. Safe to call from any thread.
func (e *Engine) RunOnce(fn DeferredFunc) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.runOnce = append(e.runOnce, fn)
}

// AtCycleEnd schedules fn to run at the end of the current or next cycle.
// Hooks registered while cycle-end hooks are running still run in the same
// cycle. Safe to call from any thread.
func (e *Engine) AtCycleEnd(fn DeferredFunc) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.cycleEnd = append(e.cycleEnd, fn)
}

// EmitLater requests an emission processed in the next cycle's propagation
// phase. Safe to call from any thread; this is how background workers
// report completion or failure.
func (e *Engine) EmitLater(ev *EventGenerator, eventContext any) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.emitReqs = append(e.emitReqs, emitRequest{ev: ev, eventContext: eventContext})
}

// AddStructureCheck registers a check run every cycle, in registration
// order. The returned id deregisters it through RemoveStructureCheck.
func (e *Engine) AddStructureCheck(fn StructureCheck) int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.nextCheckID++
	e.checks = append(e.checks, registeredCheck{id: e.nextCheckID, fn: fn})
	return e.nextCheckID
}

// RemoveStructureCheck deregisters a structure check.
func (e *Engine) RemoveStructureCheck(id int) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for i, c := range e.checks {
		if c.id == id {
			e.checks = append(e.checks[:i], e.checks[i+1:]...)
			return
		}
	}
}

// PushAbortPolicy overrides the abort policy for a nested evaluation
// context without affecting the caller's.
func (e *Engine) PushAbortPolicy(abort bool) {
	e.abortStack = append(e.abortStack, abort)
}

// PopAbortPolicy restores the previous abort policy.
func (e *Engine) PopAbortPolicy() {
	if len(e.abortStack) > 0 {
		e.abortStack = e.abortStack[:len(e.abortStack)-1]
	}
}

// WithAbortScope runs fn under the given abort policy.
func (e *Engine) WithAbortScope(abort bool, fn func() error) error {
	e.PushAbortPolicy(abort)
	defer e.PopAbortPolicy()
	return fn()
}

func (e *Engine) abortOnException() bool {
	if len(e.abortStack) > 0 {
		return e.abortStack[len(e.abortStack)-1]
	}
	return e.abortDefault
}

// Quit requests a cooperative shutdown, honored at the next cycle
// boundary. In-flight tasks are not forcibly terminated.
func (e *Engine) Quit() {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.quitFlag = true
}

func (e *Engine) quitting() bool {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return e.quitFlag
}

// Run steps the engine until Quit is called, the context is canceled, or an
// unhandled exception aborts the run.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cyclePeriod)
	defer ticker.Stop()
	for {
		if e.quitting() {
			e.setState(EngineQuitting)
			return nil
		}
		if err := e.Step(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs exactly one cycle: drain deferred callables, propagate pending
// emissions, run structure checks, run cycle-end hooks, garbage-collect.
// It returns ErrAborting when an unhandled execution exception is raised
// under a strict abort policy.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quitting() {
		e.setState(EngineQuitting)
		return nil
	}
	e.setState(EngineRunning)
	defer e.setState(EngineIdle)

	ctx = ctxWithLogger(ctx, e.logger)

	var unhandled []*ExecutionException

	unhandled = append(unhandled, e.processOnce(ctx)...)
	unhandled = append(unhandled, e.propagateEvents(ctx)...)
	unhandled = append(unhandled, e.checkStructure(ctx)...)
	e.processCycleEnd(ctx)

	if err := e.plan.GarbageCollect(ctx); err != nil {
		e.logger.Warn("garbage collection failed", "error", err)
	}
	e.queueMu.Lock()
	e.cycleCount++
	e.queueMu.Unlock()

	if len(unhandled) > 0 {
		for _, exc := range unhandled {
			e.logger.Error("unhandled execution exception", "error", exc)
		}
		if e.abortOnException() {
			e.Quit()
			return goerr.Wrap(ErrAborting, unhandled[0].Error(),
				goerr.V("exceptions", len(unhandled)))
		}
	}
	return nil
}

// processOnce drains the run-once queue in FIFO order. Callables registered
// during the drain run in the next cycle.
func (e *Engine) processOnce(ctx context.Context) []*ExecutionException {
	e.queueMu.Lock()
	once := e.runOnce
	e.runOnce = nil
	emits := e.emitReqs
	e.emitReqs = nil
	e.queueMu.Unlock()

	var unhandled []*ExecutionException
	for _, fn := range once {
		if err := fn(ctx); err != nil {
			e.logger.Warn("deferred callable failed", "error", err)
			if exc := asExecutionException(err); exc != nil {
				unhandled = append(unhandled, exc)
			}
		}
	}
	for _, req := range emits {
		if err := req.ev.Emit(ctx, req.eventContext); err != nil {
			e.logger.Warn("deferred emission failed",
				"event", req.ev.describe(), "error", err)
		}
	}
	return unhandled
}

type propagationEdge struct {
	from *EventGenerator
	to   *EventGenerator
}

// propagateEvents processes the pending-emission worklist breadth-first.
// Each Signal/Forward edge is delivered at most once per cycle, so that
// converging paths do not re-deliver; loops cannot occur because both
// relations reject cyclic edges at definition time.
func (e *Engine) propagateEvents(ctx context.Context) []*ExecutionException {
	signal := e.plan.Graph(Signal)
	forward := e.plan.Graph(Forward)
	visited := map[propagationEdge]struct{}{}
	var unhandled []*ExecutionException

	worklist := e.plan.takeEmissions()
	for i := 0; i < len(worklist); i++ {
		pe := worklist[i]
		signal.EachChild(pe.ev, func(child PlanObject, _ any) bool {
			target := child.asEvent()
			edge := propagationEdge{from: pe.ev, to: target}
			if _, ok := visited[edge]; ok {
				return true
			}
			visited[edge] = struct{}{}
			if err := target.Call(ctx, pe.em.Context); err != nil {
				unhandled = append(unhandled, e.toException(target, err))
			}
			return true
		})
		forward.EachChild(pe.ev, func(child PlanObject, _ any) bool {
			target := child.asEvent()
			edge := propagationEdge{from: pe.ev, to: target}
			if _, ok := visited[edge]; ok {
				return true
			}
			visited[edge] = struct{}{}
			if err := target.Emit(ctx, pe.em.Context); err != nil {
				unhandled = append(unhandled, e.toException(target, err))
			}
			return true
		})
		worklist = append(worklist, e.plan.takeEmissions()...)
	}
	return unhandled
}

// checkStructure runs the registered checks in registration order. Each
// violation's culprit tasks and everything depending on them are removed
// from the plan, unless a repair task is attached through the ErrorHandling
// relation; a violation with no culprit is reported as unhandled.
func (e *Engine) checkStructure(ctx context.Context) []*ExecutionException {
	e.queueMu.Lock()
	checks := append([]registeredCheck(nil), e.checks...)
	e.queueMu.Unlock()

	var unhandled []*ExecutionException
	removal := map[*Task]struct{}{}
	repairs := e.plan.Graph(ErrorHandling)

	for _, check := range checks {
		for _, result := range check.fn(e.plan) {
			exc := result.Exception
			culprits := result.Tasks
			if len(culprits) == 0 && exc != nil && exc.Origin().Task != nil {
				culprits = []*Task{exc.Origin().Task}
			}
			if len(culprits) == 0 {
				if exc != nil {
					unhandled = append(unhandled, exc)
				}
				continue
			}
			for _, culprit := range culprits {
				if culprit.Plan() != e.plan {
					continue
				}
				if repaired(repairs, culprit) {
					e.logger.Info("structure violation handled by repair task",
						"task", culprit.model.name, "error", exc)
					continue
				}
				e.scheduleRemoval(culprit, exc, removal)
			}
		}
	}

	for _, t := range e.plan.Tasks() {
		if _, ok := removal[t]; !ok {
			continue
		}
		e.logger.Info("removing task after structure violation", "task", t.model.name, "id", t.id)
		if err := e.plan.RemoveObject(t); err != nil {
			e.logger.Warn("failed to remove task", "task", t.model.name, "error", err)
		}
	}
	return unhandled
}

// scheduleRemoval marks the culprit and its forward closure over the
// non-weak task relations: every task depending on the culprit goes with
// it. The exception trace records each propagation step.
func (e *Engine) scheduleRemoval(culprit *Task, exc *ExecutionException, removal map[*Task]struct{}) {
	if _, ok := removal[culprit]; ok {
		return
	}
	removal[culprit] = struct{}{}
	queue := []*Task{culprit}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, g := range e.plan.graphs {
			if g.def.space.kind != TaskVertex || g.def.weak {
				continue
			}
			for _, parent := range g.Parents(cur) {
				dependent := parent.asTask()
				if dependent == nil {
					continue
				}
				if _, ok := removal[dependent]; ok {
					continue
				}
				removal[dependent] = struct{}{}
				if exc != nil {
					exc.Propagate(cur, dependent)
				}
				queue = append(queue, dependent)
			}
		}
	}
}

func repaired(repairs *Relation, culprit *Task) bool {
	for _, child := range repairs.Children(culprit) {
		if repair := child.asTask(); repair != nil && !repair.Finished() {
			return true
		}
	}
	return false
}

// processCycleEnd runs the cycle-end hooks, including hooks registered by
// the current cycle. A failing hook is reported and does not prevent the
// remaining hooks or garbage collection from running.
func (e *Engine) processCycleEnd(ctx context.Context) {
	for {
		e.queueMu.Lock()
		hooks := e.cycleEnd
		e.cycleEnd = nil
		e.queueMu.Unlock()
		if len(hooks) == 0 {
			return
		}
		for _, fn := range hooks {
			if err := fn(ctx); err != nil {
				e.logger.Warn("cycle-end hook failed", "error", err)
			}
		}
	}
}

func (e *Engine) toException(ev *EventGenerator, err error) *ExecutionException {
	if exc := asExecutionException(err); exc != nil {
		return exc
	}
	return NewExecutionException(NewEventOrigin(ev), err)
}

func asExecutionException(err error) *ExecutionException {
	var exc *ExecutionException
	if errors.As(err, &exc) {
		return exc
	}
	return nil
}
