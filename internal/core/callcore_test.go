package core

import (
	"context"
	"testing"

	"github.com/sebas/callhub/internal/events"
)

// fakeManager satisfies ManagerRef with its own bus.
type fakeManager struct {
	name string
	bus  *events.Bus
}

func (m *fakeManager) Name() string     { return m.name }
func (m *fakeManager) Bus() *events.Bus { return m.bus }

func stateEvent(callID, kind string) *events.CallStateEvent {
	return &events.CallStateEvent{BaseEvent: events.NewBase(), CallID: callID, Kind: kind}
}

func newCallCoreFixture(t *testing.T) (*Dispatcher, *CallCore, *fakeManager, *events.Bus) {
	t.Helper()
	d := NewDispatcher(64)
	d.Run(context.Background())
	t.Cleanup(d.Stop)

	hub := events.NewBus()
	cc := NewCallCore(d, hub)
	m := &fakeManager{name: "default", bus: events.NewBus()}
	cc.AddManager(m)
	flush(t, d)
	return d, cc, m, hub
}

func TestCallCoreReemitsTaggedEvents(t *testing.T) {
	d, _, m, hub := newCallCoreFixture(t)

	var kinds []string
	var managers []string
	hub.Subscribe("callhub.calls.>", func(ev events.Event) {
		if e, ok := ev.(*events.CallStateEvent); ok {
			kinds = append(kinds, e.Kind)
			managers = append(managers, e.Manager)
		}
	})

	m.bus.Publish(stateEvent("c1", events.SubjectCallCreated))
	flush(t, d)
	m.bus.Publish(stateEvent("c1", events.SubjectCallEstablished))
	m.bus.Publish(stateEvent("c1", events.SubjectCallCleared))
	flush(t, d)

	want := []string{
		events.SubjectCallCreated,
		events.SubjectCallEstablished,
		events.SubjectCallCleared,
	}
	if len(kinds) != len(want) {
		t.Fatalf("re-emitted kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind[%d] = %q, want %q", i, kinds[i], want[i])
		}
		if managers[i] != "default" {
			t.Errorf("manager tag[%d] = %q, want %q", i, managers[i], "default")
		}
	}
}

func TestCallCoreRemovedTearsDownSubscriptions(t *testing.T) {
	d, _, m, hub := newCallCoreFixture(t)

	// ready + created subscriptions belong to the manager registration
	base := m.bus.SubscriberCount()

	m.bus.Publish(stateEvent("c1", events.SubjectCallCreated))
	flush(t, d)
	if got := m.bus.SubscriberCount(); got != base+1 {
		t.Fatalf("SubscriberCount() after created = %d, want %d", got, base+1)
	}

	seen := 0
	hub.Subscribe("callhub.calls.c1.>", func(events.Event) { seen++ })

	m.bus.Publish(stateEvent("c1", events.SubjectCallRemoved))
	flush(t, d)

	if got := m.bus.SubscriberCount(); got != base {
		t.Errorf("SubscriberCount() after removed = %d, want %d", got, base)
	}
	if seen != 1 {
		t.Fatalf("hub saw %d events, want 1 (removed)", seen)
	}

	// A stale event for the removed call must not reach the hub.
	m.bus.Publish(stateEvent("c1", events.SubjectCallCleared))
	flush(t, d)
	if seen != 1 {
		t.Errorf("stale event reached the hub, seen = %d", seen)
	}
}

func TestCallCoreEventsRightAfterCreatedAreDelivered(t *testing.T) {
	d, _, m, hub := newCallCoreFixture(t)

	var kinds []string
	hub.Subscribe("callhub.calls.c9.>", func(ev events.Event) {
		if e, ok := ev.(*events.CallStateEvent); ok {
			kinds = append(kinds, e.Kind)
		}
	})
	base := m.bus.SubscriberCount()

	// Back-to-back publishes with no dispatcher hop in between, the way
	// an instantly-failing call tears down right after creation.
	d.Post(func() {
		m.bus.Publish(stateEvent("c9", events.SubjectCallCreated))
		m.bus.Publish(stateEvent("c9", events.SubjectCallCleared))
		m.bus.Publish(stateEvent("c9", events.SubjectCallRemoved))
	})
	flush(t, d)

	want := []string{
		events.SubjectCallCreated,
		events.SubjectCallCleared,
		events.SubjectCallRemoved,
	}
	if len(kinds) != len(want) {
		t.Fatalf("hub kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if got := m.bus.SubscriberCount(); got != base {
		t.Errorf("SubscriberCount() = %d, want %d (per-call subscription leaked)", got, base)
	}
}

func TestCallCoreExplicitRemove(t *testing.T) {
	d, cc, m, _ := newCallCoreFixture(t)

	base := m.bus.SubscriberCount()
	m.bus.Publish(stateEvent("c2", events.SubjectCallCreated))
	flush(t, d)

	cc.RemoveCall("c2")
	flush(t, d)
	if got := m.bus.SubscriberCount(); got != base {
		t.Errorf("SubscriberCount() = %d, want %d", got, base)
	}
}

func TestCallCoreReadiness(t *testing.T) {
	d, cc, m, hub := newCallCoreFixture(t)

	second := &fakeManager{name: "lab", bus: events.NewBus()}
	cc.AddManager(second)
	flush(t, d)

	ready := 0
	hub.Subscribe(events.SubjectCoreReady, func(events.Event) { ready++ })

	m.bus.Publish(&events.ManagerReadyEvent{BaseEvent: events.NewBase(), Manager: m.name})
	flush(t, d)
	if ready != 0 {
		t.Fatal("core ready fired before all managers were ready")
	}

	second.bus.Publish(&events.ManagerReadyEvent{BaseEvent: events.NewBase(), Manager: second.name})
	flush(t, d)
	if ready != 1 {
		t.Errorf("core ready events = %d, want 1", ready)
	}

	// Repeated readiness must not fire again.
	m.bus.Publish(&events.ManagerReadyEvent{BaseEvent: events.NewBase(), Manager: m.name})
	flush(t, d)
	if ready != 1 {
		t.Errorf("core ready events after repeat = %d, want 1", ready)
	}
}

func TestCallCoreCloseReleasesEverything(t *testing.T) {
	d, cc, m, _ := newCallCoreFixture(t)

	m.bus.Publish(stateEvent("c3", events.SubjectCallCreated))
	flush(t, d)

	cc.Close()
	flush(t, d)
	if got := m.bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() after Close = %d, want 0", got)
	}
}
