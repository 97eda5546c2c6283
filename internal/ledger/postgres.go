package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/shared/postgresql"
)

// Postgres stores balances in an accounts table (running total) and the
// append-only log in ledger_entries. Both are written in one transaction,
// so balance_after always matches the sum of deltas.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a Postgres-backed ledger.
func NewPostgres(pg *postgresql.Client) *Postgres {
	return &Postgres{db: pg.GetDB()}
}

// Reserve implements Ledger. The conditional UPDATE is the linearization
// point: a row is only updated when the balance covers the amount, so two
// racing reserves cannot both succeed on the same credit.
func (p *Postgres) Reserve(ctx context.Context, account string, amount int) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var balance int
	err = tx.GetContext(ctx, &balance, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE account = $1 AND balance >= $2
		RETURNING balance
	`, account, amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrInsufficientCredit
		}
		return fmt.Errorf("reserve credit: %w", err)
	}

	if err := p.appendEntry(ctx, tx, account, -amount, ReasonReserve, balance); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve: %w", err)
	}
	return nil
}

// Release implements Ledger.
func (p *Postgres) Release(ctx context.Context, account string, amount int) error {
	return p.credit(ctx, account, amount, ReasonRelease)
}

// Grant implements Ledger.
func (p *Postgres) Grant(ctx context.Context, account string, amount int) error {
	return p.credit(ctx, account, amount, ReasonManual)
}

func (p *Postgres) credit(ctx context.Context, account string, amount int, reason Reason) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var balance int
	err = tx.GetContext(ctx, &balance, `
		INSERT INTO accounts (account, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (account)
		DO UPDATE SET balance = accounts.balance + $2, updated_at = NOW()
		RETURNING balance
	`, account, amount)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}

	if err := p.appendEntry(ctx, tx, account, amount, reason, balance); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

func (p *Postgres) appendEntry(ctx context.Context, tx *sqlx.Tx, account string, delta int, reason Reason, balanceAfter int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account, delta, reason, balance_after, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, account, delta, reason, balanceAfter)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Balance implements Ledger. Served from the maintained running total.
func (p *Postgres) Balance(ctx context.Context, account string) (int, error) {
	var balance int
	err := p.db.GetContext(ctx, &balance,
		`SELECT balance FROM accounts WHERE account = $1`, account)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}
