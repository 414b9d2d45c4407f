package core

import (
	"log/slog"
	"sync"

	"github.com/sebas/callhub/internal/account"
	"github.com/sebas/callhub/internal/events"
)

// AccountSubscriber is implemented by a protocol endpoint that can claim
// responsibility for accounts of its protocol type.
type AccountSubscriber interface {
	// Protocol returns the protocol name the subscriber handles.
	Protocol() string
	// Subscribe claims the account; false means it was refused.
	Subscribe(a *account.Account) bool
	// Unsubscribe withdraws a previously claimed account.
	Unsubscribe(a *account.Account) bool
}

// AccountCore is the process-wide account hub. It aggregates banks,
// re-emits their account and registration events tagged with the bank,
// and routes accounts to the one subscriber that understands their
// protocol via a protocol-name-keyed registry.
type AccountCore struct {
	d   *Dispatcher
	hub *events.Bus

	banks    map[string]*account.Bank
	bankSubs map[string][]*events.Subscription

	// protocol name -> subscriber; read from caller goroutines, so it
	// gets its own short mutex instead of dispatcher ownership
	subMu       sync.RWMutex
	subscribers map[string]AccountSubscriber
}

// NewAccountCore creates the hub on the given dispatcher.
func NewAccountCore(d *Dispatcher, hub *events.Bus) *AccountCore {
	return &AccountCore{
		d:           d,
		hub:         hub,
		banks:       make(map[string]*account.Bank),
		bankSubs:    make(map[string][]*events.Subscription),
		subscribers: make(map[string]AccountSubscriber),
	}
}

// Hub returns the uniform event stream.
func (ac *AccountCore) Hub() *events.Bus { return ac.hub }

// AddSubscriber registers an endpoint under its protocol name.
func (ac *AccountCore) AddSubscriber(s AccountSubscriber) {
	ac.subMu.Lock()
	ac.subscribers[s.Protocol()] = s
	ac.subMu.Unlock()
	slog.Info("[AccountCore] Subscriber added", "protocol", s.Protocol())
}

// AddBank registers a bank, wires its dispatch and re-emits its events
// on the hub tagged with the bank name.
func (ac *AccountCore) AddBank(b *account.Bank) {
	ac.d.Post(func() {
		name := b.Name()
		if _, exists := ac.banks[name]; exists {
			return
		}
		ac.banks[name] = b
		b.SetDispatch(ac)

		sub := b.Bus().Subscribe(events.SubjectAccounts+".>", func(ev events.Event) {
			ac.d.Post(func() { ac.reemit(name, ev) })
		})
		ac.bankSubs[name] = []*events.Subscription{sub}

		slog.Info("[AccountCore] Bank added", "bank", name, "family", b.Family())
	})
}

// SubscribeAccount routes the account to the subscriber registered for
// its protocol type. Implements account.Dispatch.
//
// The registry lookup is synchronous so callers learn immediately
// whether any endpoint claimed the account.
func (ac *AccountCore) SubscribeAccount(a *account.Account) bool {
	s, ok := ac.lookup(a.Type())
	if !ok {
		slog.Warn("[AccountCore] No subscriber for account type", "type", a.Type(), "aor", a.AoR())
		return false
	}
	return s.Subscribe(a)
}

// UnsubscribeAccount withdraws the account from its subscriber.
// Implements account.Dispatch.
func (ac *AccountCore) UnsubscribeAccount(a *account.Account) bool {
	s, ok := ac.lookup(a.Type())
	if !ok {
		return false
	}
	return s.Unsubscribe(a)
}

func (ac *AccountCore) lookup(protocol string) (AccountSubscriber, bool) {
	ac.subMu.RLock()
	defer ac.subMu.RUnlock()
	s, ok := ac.subscribers[protocol]
	return s, ok
}

// Close releases every subscription the hub holds.
func (ac *AccountCore) Close() {
	ac.d.Post(func() {
		for name, subs := range ac.bankSubs {
			for _, s := range subs {
				s.Close()
			}
			delete(ac.bankSubs, name)
		}
	})
}

// reemit republishes a bank event tagged with its bank. Runs on the
// dispatcher.
func (ac *AccountCore) reemit(bank string, ev events.Event) {
	switch e := ev.(type) {
	case *events.AccountRegistrationEvent:
		tagged := *e
		tagged.Bank = bank
		ac.hub.Publish(&tagged)
	case *events.AccountUpdatedEvent:
		tagged := *e
		tagged.Bank = bank
		ac.hub.Publish(&tagged)
	case *events.AccountRemovedEvent:
		tagged := *e
		tagged.Bank = bank
		ac.hub.Publish(&tagged)
	}
}

var _ account.Dispatch = (*AccountCore)(nil)
