package account

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists account records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and creates, if missing) the account database.
// Use ":memory:" for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open account database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS accounts (
		bank TEXT NOT NULL,
		aor TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		username TEXT NOT NULL,
		auth_username TEXT,
		password TEXT,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		timeout INTEGER NOT NULL DEFAULT 3600,
		position INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (bank, aor)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounts table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store. The write is synchronous; when it returns the
// record is durable.
func (s *SQLiteStore) Save(ctx context.Context, bank string, rec Record) error {
	if rec.AoR == "" {
		return fmt.Errorf("record has empty address-of-record")
	}

	const query = `INSERT INTO accounts
		(bank, aor, type, name, host, username, auth_username, password, enabled, timeout, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bank, aor) DO UPDATE SET
		type=excluded.type, name=excluded.name, host=excluded.host,
		username=excluded.username, auth_username=excluded.auth_username,
		password=excluded.password, enabled=excluded.enabled,
		timeout=excluded.timeout, position=excluded.position,
		updated_at=CURRENT_TIMESTAMP`

	_, err := s.db.ExecContext(ctx, query,
		bank, rec.AoR, rec.Type, rec.Name, rec.Host, rec.User,
		rec.AuthUser, rec.Password, rec.Enabled, rec.Timeout, rec.Position)
	if err != nil {
		return fmt.Errorf("save account %s: %w", rec.AoR, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, bank, aor string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE bank = ? AND aor = ?`, bank, aor)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", aor, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, bank string) ([]Record, error) {
	const query = `SELECT aor, type, name, host, username, auth_username,
		password, enabled, timeout, position
		FROM accounts WHERE bank = ? ORDER BY position, aor`

	rows, err := s.db.QueryContext(ctx, query, bank)
	if err != nil {
		return nil, fmt.Errorf("list accounts for bank %s: %w", bank, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var authUser, password sql.NullString
		if err := rows.Scan(&rec.AoR, &rec.Type, &rec.Name, &rec.Host,
			&rec.User, &authUser, &password, &rec.Enabled,
			&rec.Timeout, &rec.Position); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		rec.AuthUser = authUser.String
		rec.Password = password.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
