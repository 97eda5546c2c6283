package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// Memory is an in-process Ledger used by tests and single-binary setups.
// A single mutex covers both the running totals and the entry log; every
// critical section is a handful of map operations, no I/O.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int
	entries  []Entry
	nextID   int64
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int)}
}

func (m *Memory) append(account string, delta int, reason Reason) Entry {
	m.nextID++
	balance := m.balances[account] + delta
	m.balances[account] = balance
	e := Entry{
		ID:           m.nextID,
		Account:      account,
		Delta:        delta,
		Reason:       reason,
		BalanceAfter: balance,
		CreatedAt:    time.Now(),
	}
	m.entries = append(m.entries, e)
	return e
}

// Reserve implements Ledger.
func (m *Memory) Reserve(_ context.Context, account string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[account] < amount {
		return domain.ErrInsufficientCredit
	}
	m.append(account, -amount, ReasonReserve)
	return nil
}

// Release implements Ledger.
func (m *Memory) Release(_ context.Context, account string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(account, amount, ReasonRelease)
	return nil
}

// Grant implements Ledger.
func (m *Memory) Grant(_ context.Context, account string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(account, amount, ReasonManual)
	return nil
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, account string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

// Entries returns a copy of the entry log for an account, oldest first.
func (m *Memory) Entries(account string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.Account == account {
			out = append(out, e)
		}
	}
	return out
}
