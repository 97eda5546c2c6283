package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixmorph/pixmorph/internal/domain"
)

func TestMemory_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	require.NoError(t, l.Grant(ctx, "acct-1", 10))

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)

	require.NoError(t, l.Reserve(ctx, "acct-1", 3))
	balance, _ = l.Balance(ctx, "acct-1")
	assert.Equal(t, 7, balance)

	require.NoError(t, l.Release(ctx, "acct-1", 3))
	balance, _ = l.Balance(ctx, "acct-1")
	assert.Equal(t, 10, balance)
}

func TestMemory_ReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Grant(ctx, "acct-1", 2))

	err := l.Reserve(ctx, "acct-1", 3)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	// No side effect on failure.
	balance, _ := l.Balance(ctx, "acct-1")
	assert.Equal(t, 2, balance)
}

func TestMemory_UnknownAccountBalanceIsZero(t *testing.T) {
	l := NewMemory()
	balance, err := l.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
	assert.ErrorIs(t, l.Reserve(context.Background(), "nobody", 1), domain.ErrInsufficientCredit)
}

// Concurrent reserves must succeed for exactly floor(B/A) callers.
func TestMemory_ConcurrentReserveNoOverdebit(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	require.NoError(t, l.Grant(ctx, "acct-1", 10))

	const callers = 25
	const amount = 3 // floor(10/3) = 3 winners

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, failed := 0, 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, "acct-1", amount)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				failed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, callers-3, failed)

	balance, _ := l.Balance(ctx, "acct-1")
	assert.Equal(t, 1, balance)
}

func TestMemory_EntriesBalanceAfterConsistency(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	require.NoError(t, l.Grant(ctx, "acct-1", 5))
	require.NoError(t, l.Reserve(ctx, "acct-1", 2))
	require.NoError(t, l.Release(ctx, "acct-1", 2))

	entries := l.Entries("acct-1")
	require.Len(t, entries, 3)

	running := 0
	for _, e := range entries {
		running += e.Delta
		assert.Equal(t, running, e.BalanceAfter)
	}
	assert.Equal(t, ReasonManual, entries[0].Reason)
	assert.Equal(t, ReasonReserve, entries[1].Reason)
	assert.Equal(t, ReasonRelease, entries[2].Reason)
}
