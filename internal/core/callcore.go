package core

import (
	"log/slog"

	"github.com/sebas/callhub/internal/events"
)

// ManagerRef is the view of a call manager the hub needs: its name and
// the bus its calls publish on.
type ManagerRef interface {
	Name() string
	Bus() *events.Bus
}

// CallCore is the process-wide call hub. It subscribes to every call's
// lifecycle events on its manager's bus and re-emits them on one uniform
// stream tagged with the manager, so observers never need to know which
// manager produced an event.
//
// All hub state is owned by the dispatcher. Call events are published
// from the dispatcher, so the created handler mutates hub state
// directly; handlers that can fire from other goroutines only post.
type CallCore struct {
	d   *Dispatcher
	hub *events.Bus

	managers    map[string]ManagerRef
	managerSubs map[string][]*events.Subscription
	readiness   map[string]bool
	readyFired  bool

	// per-call subscription handles, keyed by call id; releasing them on
	// the call's removed event is the only teardown path
	callSubs map[string][]*events.Subscription
}

// NewCallCore creates the hub on the given dispatcher.
func NewCallCore(d *Dispatcher, hub *events.Bus) *CallCore {
	return &CallCore{
		d:           d,
		hub:         hub,
		managers:    make(map[string]ManagerRef),
		managerSubs: make(map[string][]*events.Subscription),
		readiness:   make(map[string]bool),
		callSubs:    make(map[string][]*events.Subscription),
	}
}

// Hub returns the uniform event stream.
func (cc *CallCore) Hub() *events.Bus { return cc.hub }

// AddManager registers a manager and subscribes to its readiness and
// call-added notifications. The hub's own ready event fires once every
// registered manager has reported ready.
func (cc *CallCore) AddManager(m ManagerRef) {
	cc.d.Post(func() {
		name := m.Name()
		if _, exists := cc.managers[name]; exists {
			return
		}
		cc.managers[name] = m
		cc.readiness[name] = false

		readySub := m.Bus().Subscribe(events.ManagerReadySubject(name), func(ev events.Event) {
			cc.d.Post(func() { cc.markReady(name) })
		})
		createdSub := m.Bus().Subscribe(events.SubjectCalls+".*."+events.SubjectCallCreated, func(ev events.Event) {
			state, ok := ev.(*events.CallStateEvent)
			if !ok {
				return
			}
			// Call transitions are published from the dispatcher, so this
			// handler already runs there. Attaching the per-call
			// subscription synchronously closes the window in which an
			// event published right after created could slip past it.
			created := *state
			cc.addCall(created.CallID, m, &created)
		})
		cc.managerSubs[name] = []*events.Subscription{readySub, createdSub}

		slog.Info("[CallCore] Manager added", "manager", name)
	})
}

// RemoveCall drops the per-call subscriptions. Normally triggered by the
// call's own removed event; exposed for tests and endpoint shutdown.
func (cc *CallCore) RemoveCall(callID string) {
	cc.d.Post(func() { cc.removeCall(callID) })
}

// Close releases every subscription the hub holds.
func (cc *CallCore) Close() {
	cc.d.Post(func() {
		for name, subs := range cc.managerSubs {
			for _, s := range subs {
				s.Close()
			}
			delete(cc.managerSubs, name)
		}
		for id := range cc.callSubs {
			cc.removeCall(id)
		}
	})
}

// addCall subscribes to all of the new call's lifecycle events and
// re-emits the created event. Runs on the dispatcher.
func (cc *CallCore) addCall(callID string, m ManagerRef, created *events.CallStateEvent) {
	if _, exists := cc.callSubs[callID]; exists {
		return
	}

	sub := m.Bus().Subscribe(events.CallSubject(callID, ">"), func(ev events.Event) {
		cc.d.Post(func() { cc.reemit(m.Name(), callID, ev) })
	})
	cc.callSubs[callID] = []*events.Subscription{sub}

	slog.Debug("[CallCore] Call added", "manager", m.Name(), "call_id", callID)
	cc.reemit(m.Name(), callID, created)
}

// removeCall disconnects and discards the call's subscriptions. Runs on
// the dispatcher.
func (cc *CallCore) removeCall(callID string) {
	subs, ok := cc.callSubs[callID]
	if !ok {
		return
	}
	for _, s := range subs {
		s.Close()
	}
	delete(cc.callSubs, callID)
	slog.Debug("[CallCore] Call removed", "call_id", callID)
}

// reemit republishes a call event on the hub, tagged with its manager.
// Runs on the dispatcher.
func (cc *CallCore) reemit(manager, callID string, ev events.Event) {
	switch e := ev.(type) {
	case *events.CallStateEvent:
		tagged := *e
		tagged.Manager = manager
		cc.hub.Publish(&tagged)
		if e.Kind == events.SubjectCallRemoved {
			cc.removeCall(callID)
		}
	case *events.CallStreamEvent:
		tagged := *e
		tagged.Manager = manager
		cc.hub.Publish(&tagged)
	case *events.CallStatsEvent:
		tagged := *e
		tagged.Manager = manager
		cc.hub.Publish(&tagged)
	}
}

// markReady records one manager's readiness. Runs on the dispatcher.
func (cc *CallCore) markReady(name string) {
	cc.readiness[name] = true
	if cc.readyFired {
		return
	}
	for _, ready := range cc.readiness {
		if !ready {
			return
		}
	}
	cc.readyFired = true
	slog.Info("[CallCore] All managers ready")
	cc.hub.Publish(&events.CoreReadyEvent{BaseEvent: events.NewBase()})
}
