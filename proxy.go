package warden

import (
	"sync"
)

// ProxyExtension adds behavior to the task proxies a transaction builds for
// a given model. Extensions registered for a base model apply to every
// specialization: proxy construction walks the model ancestry and applies
// the collected extensions in ancestry order, base models first.
type ProxyExtension interface {
	SetupProxy(proxy, target *Task, tx *Transaction)
}

// ProxyExtensionFunc adapts a function to the ProxyExtension interface.
type ProxyExtensionFunc func(proxy, target *Task, tx *Transaction)

// SetupProxy implements ProxyExtension.
func (f ProxyExtensionFunc) SetupProxy(proxy, target *Task, tx *Transaction) {
	f(proxy, target, tx)
}

var proxyRegistry = struct {
	sync.Mutex
	byModel map[*TaskModel][]ProxyExtension
}{byModel: map[*TaskModel][]ProxyExtension{}}

// RegisterProxy associates a proxy extension with a task model. This is the
// only supported way to extend transaction proxy behavior.
func RegisterProxy(model *TaskModel, ext ProxyExtension) {
	proxyRegistry.Lock()
	defer proxyRegistry.Unlock()
	proxyRegistry.byModel[model] = append(proxyRegistry.byModel[model], ext)
}

// proxyExtensionsFor resolves the extensions applicable to a model: the
// ancestry is walked from the least specific model to the most, so that a
// derived model's proxy includes all behavior registered for its bases.
func proxyExtensionsFor(model *TaskModel) []ProxyExtension {
	proxyRegistry.Lock()
	defer proxyRegistry.Unlock()
	ancestry := model.Ancestry()
	var out []ProxyExtension
	for i := len(ancestry) - 1; i >= 0; i-- {
		out = append(out, proxyRegistry.byModel[ancestry[i]]...)
	}
	return out
}

// newTaskProxy builds the proxy task standing in for target inside tx. The
// proxy shares the target's identity and model, copies its argument map,
// and eagerly proxies the target's events so that Event(name) on the proxy
// returns the matching event proxy.
func newTaskProxy(tx *Transaction, target *Task) *Task {
	proxy := &Task{
		planObject: planObject{
			id:          target.id,
			proxy:       true,
			proxyTarget: target,
		},
		model:  target.model,
		args:   target.Arguments(),
		events: map[string]*EventGenerator{},
	}
	for _, name := range target.eventOrder {
		proxy.eventOrder = append(proxy.eventOrder, name)
		proxy.events[name] = newEventProxy(proxy, target.events[name])
	}
	proxy.proxyExtensions = proxyExtensionsFor(target.model)
	return proxy
}

// newEventProxy builds the proxy generator standing in for target. For task
// events, proxyTask is the owning task proxy; free events pass nil.
func newEventProxy(proxyTask *Task, target *EventGenerator) *EventGenerator {
	return &EventGenerator{
		planObject: planObject{
			id:          target.id,
			proxy:       true,
			proxyTarget: target,
		},
		name:     target.name,
		task:     proxyTask,
		terminal: target.terminal,
		command:  target.command,
		history:  target.History(),
	}
}

// unwrapProxy resolves a proxy to the real object it stands in for; other
// objects are returned unchanged.
func unwrapProxy(obj PlanObject) PlanObject {
	if obj.TransactionProxy() {
		return obj.base().proxyTarget
	}
	return obj
}
