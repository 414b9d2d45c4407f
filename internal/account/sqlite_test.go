package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSaveAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "office", Record{
		AoR: "sip:bob@example.com", Type: "sip", Name: "Bob",
		Host: "example.com", User: "bob", Enabled: true,
		Timeout: 300, Position: 1,
	}))
	require.NoError(t, s.Save(ctx, "office", Record{
		AoR: "sip:alice@example.com", Type: "sip", Name: "Alice",
		Host: "example.com", User: "alice", AuthUser: "alice-auth",
		Password: "secret", Enabled: false, Position: 0,
	}))

	recs, err := s.List(ctx, "office")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Position order, not insertion order.
	assert.Equal(t, "sip:alice@example.com", recs[0].AoR)
	assert.Equal(t, "alice-auth", recs[0].AuthUser)
	assert.Equal(t, "secret", recs[0].Password)
	assert.False(t, recs[0].Enabled)

	assert.Equal(t, "sip:bob@example.com", recs[1].AoR)
	assert.True(t, recs[1].Enabled)
	assert.Equal(t, 300, recs[1].Timeout)
}

func TestSQLiteSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{AoR: "sip:alice@example.com", Type: "sip", Name: "Alice",
		Host: "example.com", User: "alice", Enabled: true}
	require.NoError(t, s.Save(ctx, "office", rec))

	rec.Name = "Alice (desk)"
	rec.Enabled = false
	require.NoError(t, s.Save(ctx, "office", rec))

	recs, err := s.List(ctx, "office")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Alice (desk)", recs[0].Name)
	assert.False(t, recs[0].Enabled)
}

func TestSQLiteRejectsEmptyAoR(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Save(context.Background(), "office", Record{Name: "nobody"}))
}

func TestSQLiteDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "office", Record{
		AoR: "sip:alice@example.com", Type: "sip", Name: "Alice",
		Host: "example.com", User: "alice",
	}))
	require.NoError(t, s.Delete(ctx, "office", "sip:alice@example.com"))

	recs, err := s.List(ctx, "office")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Deleting again is not an error.
	require.NoError(t, s.Delete(ctx, "office", "sip:alice@example.com"))
}

func TestSQLiteBanksAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "office", Record{
		AoR: "sip:alice@example.com", Type: "sip", Name: "Alice",
		Host: "example.com", User: "alice",
	}))
	require.NoError(t, s.Save(ctx, "home", Record{
		AoR: "sip:alice@example.com", Type: "sip", Name: "Alice",
		Host: "example.com", User: "alice",
	}))

	require.NoError(t, s.Delete(ctx, "home", "sip:alice@example.com"))

	recs, err := s.List(ctx, "office")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
