package ledger

import (
	"context"
	"time"
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonReserve Reason = "reserve"
	ReasonRelease Reason = "release"
	ReasonManual  Reason = "manual"
)

// Entry is one append-only ledger record. BalanceAfter equals the sum of
// all deltas for the account up to and including this entry.
type Entry struct {
	ID           int64     `db:"entry_id" json:"entry_id"`
	Account      string    `db:"account" json:"account"`
	Delta        int       `db:"delta" json:"delta"`
	Reason       Reason    `db:"reason" json:"reason"`
	BalanceAfter int       `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Ledger holds per-account integer balances and an append-only entry log.
//
// Reserve must be linearizable per account: concurrent reserves against the
// same account must never over-debit. Release idempotency is the caller's
// responsibility. Implementations keep the running total and the appended
// entry consistent within a single transaction.
type Ledger interface {
	// Reserve atomically debits amount if the balance covers it, otherwise
	// returns domain.ErrInsufficientCredit with no side effect.
	Reserve(ctx context.Context, account string, amount int) error

	// Release credits amount back to the account.
	Release(ctx context.Context, account string, amount int) error

	// Grant appends a manual credit, e.g. the signup allowance.
	Grant(ctx context.Context, account string, amount int) error

	// Balance returns the current running total for the account.
	Balance(ctx context.Context, account string) (int, error)
}
