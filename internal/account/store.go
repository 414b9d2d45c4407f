package account

import "context"

// Record is the persisted form of one account. Banks serialize every
// account with a non-empty address-of-record synchronously on each add
// or update, so process termination never loses a committed account.
type Record struct {
	AoR      string
	Type     string
	Name     string
	Host     string
	User     string
	AuthUser string
	Password string
	Enabled  bool
	Timeout  int
	Position int
}

// Store is the persistence backend shared by all banks.
type Store interface {
	// Save upserts one record for the named bank.
	Save(ctx context.Context, bank string, rec Record) error

	// Delete removes one record by address-of-record.
	Delete(ctx context.Context, bank, aor string) error

	// List returns the bank's records in position order.
	List(ctx context.Context, bank string) ([]Record, error)

	// Close releases the backend.
	Close() error
}
