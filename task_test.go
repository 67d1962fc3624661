package warden_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/warden"
)

func TestTaskStateMachine(t *testing.T) {
	model := warden.NewTaskModel("test.state")
	plan := warden.NewPlan()
	ctx := context.Background()

	task := newTestTask(t, model)
	gt.NoError(t, plan.Add(task))

	gt.True(t, task.Pending())
	gt.Equal(t, warden.TaskStatePending, task.State())

	gt.NoError(t, task.Start(ctx))
	gt.True(t, task.Started())
	gt.True(t, task.Running())
	gt.Equal(t, warden.TaskStateRunning, task.State())

	// Starting twice violates the event model.
	err := task.Start(ctx)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventModelViolation))

	gt.NoError(t, task.SuccessEvent().Call(ctx, nil))
	gt.True(t, task.Success())
	gt.True(t, task.Finished())
	gt.Equal(t, warden.TaskStateFinished, task.State())

	// Events after a terminal event are refused.
	err = task.FailedEvent().Call(ctx, nil)
	gt.True(t, errors.Is(err, warden.ErrEventModelViolation))
}

func TestTaskEventsBeforeStart(t *testing.T) {
	model := warden.NewTaskModel("test.prestart")
	plan := warden.NewPlan()

	task := newTestTask(t, model)
	gt.NoError(t, plan.Add(task))

	err := task.SuccessEvent().Call(context.Background(), nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventModelViolation))
}

func TestTaskNotExecutableOutsidePlan(t *testing.T) {
	model := warden.NewTaskModel("test.noplan")
	task := newTestTask(t, model)

	gt.False(t, task.Executable())
	err := task.Start(context.Background())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventNotExecutable))
}

func TestTerminalEventForwardsToStop(t *testing.T) {
	model := warden.NewTaskModel("test.terminal")
	plan := warden.NewPlan()

	task := newTestTask(t, model)
	gt.NoError(t, plan.Add(task))

	forward := plan.Graph(warden.Forward)
	gt.True(t, forward.Linked(task.SuccessEvent(), task.StopEvent()))
	gt.True(t, forward.Linked(task.FailedEvent(), task.StopEvent()))
}

func TestRequiredArguments(t *testing.T) {
	model := warden.NewTaskModel("test.args", warden.WithRequiredArguments("target"))
	plan := warden.NewPlan()
	ctx := context.Background()

	task := newTestTask(t, model)
	gt.NoError(t, plan.Add(task))

	err := task.Start(ctx)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrMissingArgument))

	gt.NoError(t, task.SetArgument("target", "somewhere"))
	gt.NoError(t, task.Start(ctx))

	// Arguments freeze once the task has started.
	err = task.SetArgument("target", "elsewhere")
	gt.True(t, errors.Is(err, warden.ErrArgumentsFrozen))
}

func TestArgumentSchema(t *testing.T) {
	model := warden.NewTaskModel("test.schema",
		warden.WithArgumentSchema(`{
			"type": "object",
			"properties": {
				"speed": {"type": "number", "minimum": 0}
			}
		}`))

	_, err := warden.NewTask(model, warden.WithArgument("speed", 1.5))
	gt.NoError(t, err)

	_, err = warden.NewTask(model, warden.WithArgument("speed", -1))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrInvalidArguments))

	_, err = warden.NewTask(model, warden.WithArgument("speed", "fast"))
	gt.True(t, errors.Is(err, warden.ErrInvalidArguments))
}

func TestModelInheritance(t *testing.T) {
	vehicle := warden.NewTaskModel("test.vehicle",
		warden.WithServices(warden.ServiceTag("mobility")))
	car := warden.NewTaskModel("test.car", warden.Extends(vehicle))

	gt.True(t, car.Fulfills(vehicle))
	gt.True(t, car.Fulfills(car))
	gt.False(t, vehicle.Fulfills(car))
	gt.True(t, car.Provides(warden.ServiceTag("mobility")))

	ancestry := car.Ancestry()
	gt.Equal(t, 2, len(ancestry))
	gt.Equal(t, car, ancestry[0])
	gt.Equal(t, vehicle, ancestry[1])
}

func TestTaskFulfills(t *testing.T) {
	base := warden.NewTaskModel("test.fulfills.base")
	derived := warden.NewTaskModel("test.fulfills.derived", warden.Extends(base))

	task, err := warden.NewTask(derived, warden.WithArgument("target", "dock"))
	gt.NoError(t, err)

	gt.True(t, task.Fulfills(base, nil))
	gt.True(t, task.Fulfills(base, map[string]any{"target": "dock"}))
	gt.False(t, task.Fulfills(base, map[string]any{"target": "pier"}))
	gt.False(t, task.Fulfills(base, map[string]any{"other": 1}))

	unrelated := warden.NewTaskModel("test.fulfills.unrelated")
	gt.False(t, task.Fulfills(unrelated, nil))
}

func TestCustomModelEvents(t *testing.T) {
	blockedReached := 0
	model := warden.NewTaskModel("test.custom",
		warden.WithEvent("blocked", warden.EventCommand(
			func(ctx context.Context, ev *warden.EventGenerator, eventContext any) error {
				blockedReached++
				return ev.Emit(ctx, eventContext)
			})),
		warden.WithEvent("aborted", warden.TerminalEvent()))
	plan := warden.NewPlan()
	ctx := context.Background()

	task := newTestTask(t, model)
	gt.NoError(t, plan.Add(task))
	gt.NoError(t, task.Start(ctx))

	blocked := gt.R1(task.Event("blocked")).NoError(t)
	gt.False(t, blocked.Terminal())
	gt.NoError(t, blocked.Call(ctx, nil))
	gt.Equal(t, 1, blockedReached)
	gt.True(t, blocked.Happened())
	gt.False(t, task.Finished())

	aborted := gt.R1(task.Event("aborted")).NoError(t)
	gt.True(t, aborted.Terminal())
	gt.NoError(t, aborted.Call(ctx, nil))
	gt.True(t, task.Finished())

	_, err := task.Event("no-such-event")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventModelViolation))
}

func TestTaskRelationHelpers(t *testing.T) {
	model := warden.NewTaskModel("test.helpers")
	plan := warden.NewPlan()

	task := newTestTask(t, model)
	agent := newTestTask(t, model)
	planner := newTestTask(t, model)
	gt.NoError(t, plan.Add(task))

	gt.NoError(t, task.SetExecutionAgent(agent))
	gt.Equal(t, agent, task.ExecutionAgent())

	gt.NoError(t, task.SetPlanner(planner))
	gt.Equal(t, planner, task.Planner())

	other := newTestTask(t, model)
	gt.NoError(t, task.DependsOn(other, nil))
	gt.True(t, plan.Graph(warden.Dependency).Linked(task, other))
	gt.NoError(t, task.RemoveDependsOn(other))
	gt.False(t, plan.Graph(warden.Dependency).Linked(task, other))
}

func TestTaskRemoteRef(t *testing.T) {
	model := warden.NewTaskModel("test.ref")
	task := newTestTask(t, model)

	ref := task.RemoteRef()
	gt.Equal(t, task.ID(), ref.ID)
	gt.Equal(t, "task", ref.Kind)
	gt.Equal(t, "test.ref", ref.Model)
}
