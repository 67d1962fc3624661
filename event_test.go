package warden_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/warden"
)

func TestFreeEventCallAndHistory(t *testing.T) {
	plan := warden.NewPlan()
	ctx := context.Background()

	ev := warden.NewEventGenerator(warden.Controllable())
	gt.NoError(t, plan.Add(ev))
	gt.True(t, ev.RootObject())
	gt.True(t, ev.Controllable())
	gt.False(t, ev.Happened())

	gt.NoError(t, ev.Call(ctx, "payload"))
	gt.True(t, ev.Happened())
	gt.Equal(t, 1, len(ev.History()))

	em, ok := ev.LastEmission()
	gt.True(t, ok)
	gt.Equal(t, "payload", em.Context)
	gt.False(t, em.Time.IsZero())
}

func TestContingentEventCannotBeCalled(t *testing.T) {
	plan := warden.NewPlan()
	ctx := context.Background()

	ev := warden.NewEventGenerator()
	gt.NoError(t, plan.Add(ev))
	gt.False(t, ev.Controllable())

	err := ev.Call(ctx, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventNotControllable))

	// Contingent events can still be emitted by whoever observes them.
	gt.NoError(t, ev.Emit(ctx, nil))
	gt.True(t, ev.Happened())
}

func TestEventCommandFailureResetsPending(t *testing.T) {
	plan := warden.NewPlan()
	ctx := context.Background()

	boom := errors.New("command exploded")
	ev := warden.NewEventGenerator(warden.WithCommand(
		func(ctx context.Context, ev *warden.EventGenerator, eventContext any) error {
			return boom
		}))
	gt.NoError(t, plan.Add(ev))

	err := ev.Call(ctx, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, boom))
	gt.False(t, ev.Pending())
	gt.False(t, ev.Happened())
}

func TestEventNotExecutableOutsidePlan(t *testing.T) {
	ev := warden.NewEventGenerator(warden.Controllable())
	err := ev.Emit(context.Background(), nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventNotExecutable))
}

func TestMarkUnreachable(t *testing.T) {
	plan := warden.NewPlan()
	ctx := context.Background()

	ev := warden.NewEventGenerator(warden.Controllable())
	gt.NoError(t, plan.Add(ev))

	ev.MarkUnreachable("operator gave up")
	gt.True(t, ev.Unreachable())
	gt.Equal(t, any("operator gave up"), ev.UnreachableReason())

	err := ev.Call(ctx, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrUnreachableEvent))

	err = ev.Emit(ctx, nil)
	gt.True(t, errors.Is(err, warden.ErrUnreachableEvent))
}

func TestSignalAndForwardSetup(t *testing.T) {
	plan := warden.NewPlan()

	source := warden.NewEventGenerator(warden.Controllable())
	target := warden.NewEventGenerator(warden.Controllable())
	watcher := warden.NewEventGenerator()

	// Relations require plan membership.
	err := source.SignalTo(target)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrNotInPlan))

	gt.NoError(t, plan.Add(source))
	gt.NoError(t, source.SignalTo(target))
	gt.True(t, plan.Graph(warden.Signal).Linked(source, target))

	gt.NoError(t, source.ForwardTo(watcher))
	gt.True(t, plan.Graph(warden.Forward).Linked(source, watcher))

	gt.NoError(t, source.RemoveSignal(target))
	gt.False(t, plan.Graph(warden.Signal).Linked(source, target))
	gt.NoError(t, source.RemoveForward(watcher))
	gt.False(t, plan.Graph(warden.Forward).Linked(source, watcher))
}

func TestSignalRequiresControllableTarget(t *testing.T) {
	plan := warden.NewPlan()

	source := warden.NewEventGenerator(warden.Controllable())
	contingent := warden.NewEventGenerator()
	gt.NoError(t, plan.Add(source))

	err := source.SignalTo(contingent)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, warden.ErrEventNotControllable))
}

func TestEventRemoteRef(t *testing.T) {
	ev := warden.NewEventGenerator()
	ref := ev.RemoteRef()
	gt.Equal(t, ev.ID(), ref.ID)
	gt.Equal(t, "event", ref.Kind)
}
