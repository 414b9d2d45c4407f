package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/callhub/internal/events"
)

// Dispatch routes an account to the one subscriber that understands its
// protocol type. The account hub implements it.
type Dispatch interface {
	// SubscribeAccount hands the account to a matching subscriber.
	// Returns false when no subscriber accepted it.
	SubscribeAccount(a *Account) bool

	// UnsubscribeAccount withdraws the account from its subscriber.
	UnsubscribeAccount(a *Account) bool
}

// Bank is the owning, ordered collection of accounts for one protocol
// family. It persists accounts write-through and re-emits their events
// on its bus.
type Bank struct {
	name   string
	family string
	store  Store
	bus    *events.Bus

	mu       sync.Mutex
	accounts []*Account
	dispatch Dispatch
}

// NewBank creates an empty bank for one protocol family.
func NewBank(name, family string, store Store, bus *events.Bus) *Bank {
	return &Bank{
		name:   name,
		family: family,
		store:  store,
		bus:    bus,
	}
}

// Name returns the bank's name.
func (b *Bank) Name() string { return b.name }

// Family returns the protocol family this bank owns accounts for.
func (b *Bank) Family() string { return b.family }

// Bus returns the bank's event bus.
func (b *Bank) Bus() *events.Bus { return b.bus }

// SetDispatch attaches the account hub's subscription dispatch.
func (b *Bank) SetDispatch(d Dispatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatch = d
}

func (b *Bank) dispatcher() Dispatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatch
}

// Accounts returns the accounts in insertion order.
func (b *Bank) Accounts() []*Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Account, len(b.accounts))
	copy(out, b.accounts)
	return out
}

// Find returns the account with the given address-of-record.
func (b *Bank) Find(aor string) (*Account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.accounts {
		if a.AoR() == aor {
			return a, true
		}
	}
	return nil, false
}

// Add validates, creates and synchronously persists a new account. When
// the account is enabled it is handed to the subscription dispatch.
func (b *Bank) Add(ctx context.Context, p Params) (*Account, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Type != b.family {
		return nil, fmt.Errorf("account type %q does not belong to bank family %q", p.Type, b.family)
	}

	a := newAccount(b.bus, p)

	b.mu.Lock()
	position := len(b.accounts)
	b.accounts = append(b.accounts, a)
	b.mu.Unlock()

	if err := b.persist(ctx, a, position); err != nil {
		b.mu.Lock()
		b.accounts = b.accounts[:len(b.accounts)-1]
		b.mu.Unlock()
		return nil, err
	}

	slog.Info("[Bank] Account added", "bank", b.name, "aor", a.AoR())
	if p.Enabled {
		if d := b.dispatcher(); d != nil {
			d.SubscribeAccount(a)
		}
	}
	return a, nil
}

// Update applies an edit and synchronously persists it.
func (b *Bank) Update(ctx context.Context, a *Account, p Params) error {
	oldAoR := a.AoR()
	aorChanged, err := a.Update(p)
	if err != nil {
		return err
	}
	if aorChanged {
		if err := b.store.Delete(ctx, b.name, oldAoR); err != nil {
			slog.Warn("[Bank] Stale record cleanup failed", "bank", b.name, "aor", oldAoR, "error", err)
		}
	}
	return b.persist(ctx, a, b.position(a))
}

// Remove detaches the account from the bank and deletes its record.
// Removal never touches the remote registrar unless unregisterFirst is
// set, in which case the account is withdrawn from its subscriber (which
// issues the unregistration) before it is dropped.
func (b *Bank) Remove(ctx context.Context, a *Account, unregisterFirst bool) error {
	if unregisterFirst {
		if d := b.dispatcher(); d != nil {
			d.UnsubscribeAccount(a)
		}
	}

	b.mu.Lock()
	for i, other := range b.accounts {
		if other == a {
			b.accounts = append(b.accounts[:i], b.accounts[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	a.markDead()
	if err := b.store.Delete(ctx, b.name, a.AoR()); err != nil {
		return err
	}

	b.bus.Publish(&events.AccountRemovedEvent{
		BaseEvent: events.NewBase(),
		AoR:       a.AoR(),
		Account:   a.Name(),
	})
	slog.Info("[Bank] Account removed", "bank", b.name, "aor", a.AoR())
	return nil
}

// Enable turns the account on, persists the flag and hands the account
// to the subscription dispatch so its endpoint starts registering it.
func (b *Bank) Enable(ctx context.Context, a *Account) error {
	a.setEnabled(true)
	if err := b.persist(ctx, a, b.position(a)); err != nil {
		return err
	}
	if d := b.dispatcher(); d != nil {
		if !d.SubscribeAccount(a) {
			slog.Warn("[Bank] No subscriber for account", "bank", b.name, "aor", a.AoR(), "type", a.Type())
		}
	}
	return nil
}

// Disable turns the account off, persists the flag and withdraws it from
// its subscriber (issuing the unregistration).
func (b *Bank) Disable(ctx context.Context, a *Account) error {
	a.setEnabled(false)
	if err := b.persist(ctx, a, b.position(a)); err != nil {
		return err
	}
	if d := b.dispatcher(); d != nil {
		d.UnsubscribeAccount(a)
	}
	return nil
}

// Restore loads the bank's accounts from the store, in stored order, and
// hands enabled ones to the subscription dispatch.
func (b *Bank) Restore(ctx context.Context) error {
	records, err := b.store.List(ctx, b.name)
	if err != nil {
		return err
	}

	for _, rec := range records {
		a := newAccount(b.bus, Params{
			Type:        rec.Type,
			Name:        rec.Name,
			Host:        rec.Host,
			User:        rec.User,
			AuthUser:    rec.AuthUser,
			Password:    rec.Password,
			Enabled:     rec.Enabled,
			TimeoutSecs: rec.Timeout,
		})
		b.mu.Lock()
		b.accounts = append(b.accounts, a)
		b.mu.Unlock()

		if rec.Enabled {
			if d := b.dispatcher(); d != nil {
				d.SubscribeAccount(a)
			}
		}
	}

	slog.Info("[Bank] Restored", "bank", b.name, "accounts", len(records))
	return nil
}

// persist writes one account's record synchronously. Accounts whose
// derived record would be empty are skipped.
func (b *Bank) persist(ctx context.Context, a *Account, position int) error {
	p := a.Snapshot()
	if p.User == "" && p.Host == "" {
		return nil
	}
	return b.store.Save(ctx, b.name, Record{
		AoR:      a.AoR(),
		Type:     p.Type,
		Name:     p.Name,
		Host:     p.Host,
		User:     p.User,
		AuthUser: p.AuthUser,
		Password: p.Password,
		Enabled:  p.Enabled,
		Timeout:  p.TimeoutSecs,
		Position: position,
	})
}

func (b *Bank) position(a *Account) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.accounts {
		if other == a {
			return i
		}
	}
	return len(b.accounts)
}
