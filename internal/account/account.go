// Package account implements registration targets, their owning banks
// and the persistence contract between them.
package account

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/callhub/internal/events"
)

// Known provider kinds. The set is closed; Bank.Add refuses others.
const (
	TypeSIP  = "sip"
	TypeH323 = "h323"
)

// knownTypes is the closed set of provider kinds.
var knownTypes = map[string]bool{
	TypeSIP:  true,
	TypeH323: true,
}

// Params are the caller-editable fields of an account.
type Params struct {
	Type        string
	Name        string
	Host        string
	User        string
	AuthUser    string
	Password    string
	Enabled     bool
	TimeoutSecs int
}

// Validate rejects configuration errors before any attempt starts.
func (p Params) Validate() error {
	if !knownTypes[p.Type] {
		return fmt.Errorf("unknown account type %q", p.Type)
	}
	if p.Host == "" {
		return fmt.Errorf("account host must not be empty")
	}
	if p.User == "" {
		return fmt.Errorf("account user must not be empty")
	}
	if p.TimeoutSecs < 0 {
		return fmt.Errorf("account timeout must not be negative")
	}
	return nil
}

// Account is one registration target. It is owned by its Bank; the
// subscribed protocol endpoint holds a non-owning reference while an
// attempt is in flight.
type Account struct {
	id  string
	bus *events.Bus

	mu         sync.Mutex
	accType    string
	name       string
	host       string
	user       string
	authUser   string
	password   string
	enabled    bool
	timeout    int
	limited    bool
	dead       bool
	state      RegistrationState
	generation uint64
}

func newAccount(bus *events.Bus, p Params) *Account {
	return &Account{
		id:       uuid.New().String(),
		bus:      bus,
		accType:  p.Type,
		name:     p.Name,
		host:     p.Host,
		user:     p.User,
		authUser: p.AuthUser,
		password: p.Password,
		enabled:  p.Enabled,
		timeout:  p.TimeoutSecs,
		state:    StateUnregistered,
	}
}

// ID returns the stable opaque account id.
func (a *Account) ID() string { return a.id }

// Type returns the protocol family of the account.
func (a *Account) Type() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accType
}

// Name returns the display name.
func (a *Account) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// Host returns the registrar host.
func (a *Account) Host() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.host
}

// User returns the account username.
func (a *Account) User() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

// AuthUser returns the authentication username, if distinct.
func (a *Account) AuthUser() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authUser
}

// Password returns the credential.
func (a *Account) Password() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.password
}

// Enabled reports whether the account should be registered.
func (a *Account) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// TimeoutSecs returns the registration timeout in seconds.
func (a *Account) TimeoutSecs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

// State returns the last known registration state.
func (a *Account) State() RegistrationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsDead reports whether the account was removed from its bank.
func (a *Account) IsDead() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dead
}

// SetLimited flags a registration that the registrar restricted.
func (a *Account) SetLimited(limited bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limited = limited
}

// IsLimited reports whether the current registration is restricted.
func (a *Account) IsLimited() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limited
}

// AoR derives the address-of-record from the username and host. It is
// deterministic and stays stable across edits that change neither field;
// banks and endpoint-side caches join on it.
func (a *Account) AoR() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aorLocked()
}

func (a *Account) aorLocked() string {
	return AoRFor(Params{Type: a.accType, User: a.user, Host: a.host})
}

// AoRFor computes the address-of-record a set of parameters would
// produce once saved. Only the protocol, user and host take part, so
// display-name edits never change the identity.
func AoRFor(p Params) string {
	uri := sip.Uri{
		Scheme: p.Type,
		User:   p.User,
		Host:   p.Host,
	}
	return fmt.Sprintf("%s:%s@%s", uri.Scheme, uri.User, uri.Host)
}

// Update edits the caller-editable fields and reports whether the
// address-of-record changed.
func (a *Account) Update(p Params) (aorChanged bool, err error) {
	if err := p.Validate(); err != nil {
		return false, err
	}

	a.mu.Lock()
	oldAoR := a.aorLocked()
	a.accType = p.Type
	a.name = p.Name
	a.host = p.Host
	a.user = p.User
	a.authUser = p.AuthUser
	a.password = p.Password
	a.enabled = p.Enabled
	a.timeout = p.TimeoutSecs
	newAoR := a.aorLocked()
	name := a.name
	a.mu.Unlock()

	a.bus.Publish(&events.AccountUpdatedEvent{
		BaseEvent: events.NewBase(),
		AoR:       newAoR,
		Account:   name,
	})
	return oldAoR != newAoR, nil
}

// Snapshot returns the current field values as Params.
func (a *Account) Snapshot() Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Params{
		Type:        a.accType,
		Name:        a.name,
		Host:        a.host,
		User:        a.user,
		AuthUser:    a.authUser,
		Password:    a.password,
		Enabled:     a.enabled,
		TimeoutSecs: a.timeout,
	}
}

// BeginAttempt starts a new registration or unregistration attempt. It
// bumps the attempt generation, moves the account to Processing and
// returns the generation the worker must present with its result. An
// account already in Processing keeps its state and emits no event, so
// overlapping attempts never produce a Processing-to-Processing pair.
func (a *Account) BeginAttempt() uint64 {
	a.mu.Lock()
	a.generation++
	gen := a.generation
	if !a.state.CanTransitionTo(StateProcessing) {
		a.mu.Unlock()
		return gen
	}
	a.state = StateProcessing
	ev := a.registrationEventLocked("")
	a.mu.Unlock()

	a.bus.Publish(ev)
	return gen
}

// CurrentGeneration returns the newest attempt generation.
func (a *Account) CurrentGeneration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// ApplyResult applies a worker's outcome if its generation is still the
// current one. Stale results are discarded and false is returned.
func (a *Account) ApplyResult(gen uint64, state RegistrationState, info string) bool {
	a.mu.Lock()
	if gen != a.generation || !a.state.CanTransitionTo(state) {
		a.mu.Unlock()
		return false
	}
	a.state = state
	ev := a.registrationEventLocked(info)
	a.mu.Unlock()

	a.bus.Publish(ev)
	return true
}

// markDead flags the account after removal from its bank.
func (a *Account) markDead() {
	a.mu.Lock()
	a.dead = true
	a.enabled = false
	a.mu.Unlock()
}

func (a *Account) setEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
}

// registrationEventLocked builds the event. Caller holds a.mu.
func (a *Account) registrationEventLocked(info string) *events.AccountRegistrationEvent {
	return &events.AccountRegistrationEvent{
		BaseEvent: events.NewBase(),
		AoR:       a.aorLocked(),
		Account:   a.name,
		State:     a.state.String(),
		Info:      info,
	}
}
