package ordersaga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	state := NewSagaState(uuid.New(), time.Unix(1_700_000_000, 0))
	require.NoError(t, store.Save(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	loaded, err := store.GetByCorrelationID(ctx, state.CorrelationID)
	require.NoError(t, err)
	loaded.InventoryReserved = true
	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	// The first handle is now stale; its write must lose.
	state.PaymentProcessed = true
	assert.ErrorIs(t, store.Save(ctx, state), ErrVersionConflict)

	// Re-reading picks up the winner and allows the write through.
	fresh, err := store.GetByCorrelationID(ctx, state.CorrelationID)
	require.NoError(t, err)
	assert.True(t, fresh.InventoryReserved)
	fresh.PaymentProcessed = true
	require.NoError(t, store.Save(ctx, fresh))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	state := NewSagaState(uuid.New(), time.Unix(1_700_000_000, 0))
	state.AddCompensationAction(NewRefundPaymentAction(state.OrderID, 10, state.CreatedAt))
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.GetByCorrelationID(ctx, state.CorrelationID)
	require.NoError(t, err)
	loaded.CompensationLog[0].Executed = true
	loaded.OrderConfirmed = true

	again, err := store.GetByCorrelationID(ctx, state.CorrelationID)
	require.NoError(t, err)
	assert.False(t, again.CompensationLog[0].Executed)
	assert.False(t, again.OrderConfirmed)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetByCorrelationID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestMemoryStoreScan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, NewSagaState(uuid.New(), time.Unix(1_700_000_000, 0))))
	}

	assert.Equal(t, 3, store.Len())
	visited := 0
	store.Scan(func(*SagaState) bool {
		visited++
		return true
	})
	assert.Equal(t, 3, visited)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	state := NewSagaState(uuid.New(), time.Unix(1_700_000_000, 0).UTC())
	state.CurrentStep = StepInventoryReservation
	state.AddCompensationAction(NewReleaseInventoryAction(state.OrderID, nil, state.CreatedAt))
	require.NoError(t, store.Save(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	// A fresh store over the same directory sees the persisted saga.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	loaded, err := reopened.GetByCorrelationID(ctx, state.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, state.CorrelationID, loaded.CorrelationID)
	assert.Equal(t, StepInventoryReservation, loaded.CurrentStep)
	assert.Equal(t, int64(1), loaded.Version)
	require.Len(t, loaded.CompensationLog, 1)
}

func TestFileStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	state := NewSagaState(uuid.New(), time.Unix(1_700_000_000, 0))
	require.NoError(t, store.Save(ctx, state))

	stale := *state
	stale.Version = 0
	assert.ErrorIs(t, store.Save(ctx, &stale), ErrVersionConflict)
}

func TestFileStoreNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.GetByCorrelationID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSagaNotFound)
}
