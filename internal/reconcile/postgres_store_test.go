package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/racegate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := &Record{
		ID:        "rec_pgtest1",
		TxID:      "0xPG1",
		Subject:   "player-1",
		Amount:    "0.010000",
		Message:   "issuer unavailable",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.TxID, got.TxID)
	assert.Equal(t, rec.Subject, got.Subject)
	assert.False(t, got.Resolved())

	byTx, err := store.GetByTxID(ctx, "0xPG1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byTx.ID)
}

func TestPostgresStore_DuplicateTx(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := &Record{ID: "rec_dup1", TxID: "0xDUP", Subject: "p", Amount: "1.000000", Message: "m", CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, rec))

	dup := &Record{ID: "rec_dup2", TxID: "0xDUP", Subject: "p", Amount: "1.000000", Message: "m", CreatedAt: time.Now()}
	assert.ErrorIs(t, store.Create(ctx, dup), ErrDuplicateTx)
}

func TestPostgresStore_ResolveAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	older := &Record{ID: "rec_a", TxID: "0xA", Subject: "p", Amount: "1.000000", Message: "m", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Record{ID: "rec_b", TxID: "0xB", Subject: "p", Amount: "1.000000", Message: "m", CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	unresolved, err := store.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 2)
	assert.Equal(t, "rec_a", unresolved[0].ID)

	require.NoError(t, store.Resolve(ctx, "rec_a", "refunded"))

	unresolved, err = store.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "rec_b", unresolved[0].ID)

	resolved, err := store.Get(ctx, "rec_a")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "refunded", resolved.Resolution)

	// Resolving twice is an error: the record is no longer open
	assert.ErrorIs(t, store.Resolve(ctx, "rec_a", "again"), ErrRecordNotFound)
}

func TestPostgresStore_GetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, err := store.Get(context.Background(), "rec_missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
