package core

import (
	"context"
	"sync"
	"testing"

	"github.com/sebas/callhub/internal/account"
	"github.com/sebas/callhub/internal/events"
)

type fakeSubscriber struct {
	protocol string
	refuse   bool

	mu           sync.Mutex
	subscribed   []*account.Account
	unsubscribed []*account.Account
}

func (s *fakeSubscriber) Protocol() string { return s.protocol }

func (s *fakeSubscriber) Subscribe(a *account.Account) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.subscribed = append(s.subscribed, a)
	return true
}

func (s *fakeSubscriber) Unsubscribe(a *account.Account) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, a)
	return true
}

type nilStore struct{}

func (nilStore) Save(context.Context, string, account.Record) error { return nil }
func (nilStore) Delete(context.Context, string, string) error       { return nil }
func (nilStore) List(context.Context, string) ([]account.Record, error) {
	return nil, nil
}
func (nilStore) Close() error { return nil }

func newAccountCoreFixture(t *testing.T) (*AccountCore, *Dispatcher, *events.Bus) {
	t.Helper()
	d := NewDispatcher(64)
	d.Run(context.Background())
	t.Cleanup(d.Stop)
	hub := events.NewBus()
	return NewAccountCore(d, hub), d, hub
}

func TestAccountCoreRoutesByProtocol(t *testing.T) {
	ac, _, _ := newAccountCoreFixture(t)

	sip := &fakeSubscriber{protocol: "sip"}
	h323 := &fakeSubscriber{protocol: "h323"}
	ac.AddSubscriber(sip)
	ac.AddSubscriber(h323)

	bank := account.NewBank("office", "sip", nilStore{}, events.NewBus())
	bank.SetDispatch(ac)
	a, err := bank.Add(context.Background(), account.Params{
		Type: "sip", Name: "Alice", Host: "example.com", User: "alice", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	sip.mu.Lock()
	got := len(sip.subscribed)
	sip.mu.Unlock()
	if got != 1 {
		t.Fatalf("sip subscriber got %d accounts, want 1", got)
	}
	h323.mu.Lock()
	if len(h323.subscribed) != 0 {
		t.Error("h323 subscriber claimed a sip account")
	}
	h323.mu.Unlock()

	if !ac.UnsubscribeAccount(a) {
		t.Fatal("UnsubscribeAccount = false")
	}
	sip.mu.Lock()
	if len(sip.unsubscribed) != 1 {
		t.Errorf("unsubscribed = %d, want 1", len(sip.unsubscribed))
	}
	sip.mu.Unlock()
}

func TestAccountCoreNoSubscriberForType(t *testing.T) {
	ac, _, _ := newAccountCoreFixture(t)

	bank := account.NewBank("office", "h323", nilStore{}, events.NewBus())
	a, err := bank.Add(context.Background(), account.Params{
		Type: "h323", Name: "GW", Host: "gw.example.com", User: "gw",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if ac.SubscribeAccount(a) {
		t.Error("SubscribeAccount = true with no registered subscriber")
	}
	if ac.UnsubscribeAccount(a) {
		t.Error("UnsubscribeAccount = true with no registered subscriber")
	}
}

func TestAccountCoreRefusedSubscription(t *testing.T) {
	ac, _, _ := newAccountCoreFixture(t)
	ac.AddSubscriber(&fakeSubscriber{protocol: "sip", refuse: true})

	bank := account.NewBank("office", "sip", nilStore{}, events.NewBus())
	a, err := bank.Add(context.Background(), account.Params{
		Type: "sip", Name: "Alice", Host: "example.com", User: "alice",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if ac.SubscribeAccount(a) {
		t.Error("SubscribeAccount = true, want refusal to propagate")
	}
}

func TestAccountCoreReemitsTaggedBankEvents(t *testing.T) {
	ac, d, hub := newAccountCoreFixture(t)

	bank := account.NewBank("office", "sip", nilStore{}, events.NewBus())
	ac.AddBank(bank)
	flush(t, d)

	var mu sync.Mutex
	var banks []string
	hub.Subscribe(events.SubjectAccounts+".>", func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e := ev.(type) {
		case *events.AccountRegistrationEvent:
			banks = append(banks, e.Bank)
		case *events.AccountRemovedEvent:
			banks = append(banks, e.Bank)
		}
	})

	bank.Bus().Publish(&events.AccountRegistrationEvent{
		BaseEvent: events.NewBase(),
		AoR:       "sip:alice@example.com",
		Account:   "Alice",
		State:     "Registered",
	})
	bank.Bus().Publish(&events.AccountRemovedEvent{
		BaseEvent: events.NewBase(),
		AoR:       "sip:alice@example.com",
		Account:   "Alice",
	})
	flush(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(banks) != 2 {
		t.Fatalf("re-emitted %d events, want 2", len(banks))
	}
	for _, b := range banks {
		if b != "office" {
			t.Errorf("event bank = %q, want office", b)
		}
	}
}

func TestAccountCoreCloseStopsReemission(t *testing.T) {
	ac, d, hub := newAccountCoreFixture(t)

	bank := account.NewBank("office", "sip", nilStore{}, events.NewBus())
	ac.AddBank(bank)
	flush(t, d)

	seen := 0
	hub.Subscribe(events.SubjectAccounts+".>", func(events.Event) { seen++ })

	ac.Close()
	flush(t, d)

	bank.Bus().Publish(&events.AccountRegistrationEvent{
		BaseEvent: events.NewBase(),
		AoR:       "sip:alice@example.com",
		Account:   "Alice",
		State:     "Registered",
	})
	flush(t, d)

	if seen != 0 {
		t.Errorf("events after Close = %d, want 0", seen)
	}
}
