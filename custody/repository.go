package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals the source account lacks balance or is not
	// able to authorize the transfer.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	// ErrTransferRejected signals the destination account cannot receive.
	ErrTransferRejected = errors.New("custody: transfer rejected by destination")
	// ErrAccountNotFound signals no account exists for the identifier.
	ErrAccountNotFound = errors.New("custody: account not found")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("custody: amount must be positive")
)

// Repository moves the asset between accounts and the engine's held balance.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed custody repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Pull moves amount from the account into the engine's held balance. It runs
// inside the caller's transaction and is all-or-nothing with it.
func (r *Repository) Pull(ctx context.Context, tx pgx.Tx, accountID, jobID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: pull of %d", ErrInvalidAmount, amount)
	}

	const debitSQL = `
		UPDATE accounts
		SET balance = balance - $1, updated_at = now()
		WHERE id = $2::uuid AND status = 'active' AND balance >= $1
	`
	tag, err := tx.Exec(ctx, debitSQL, amount, accountID)
	if err != nil {
		return fmt.Errorf("custody: debit source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s cannot cover %d", ErrInsufficientFunds, accountID, amount)
	}

	if err := r.creditEscrow(ctx, tx, amount); err != nil {
		return err
	}

	return r.appendEntry(ctx, tx, entryParams{
		JobID: jobID, From: accountID, To: EscrowAccountID, Amount: amount, Kind: EntryPull,
	})
}

// Push releases amount from the engine's held balance to the account. The
// destination must be an active account; anything else rejects receipt.
func (r *Repository) Push(ctx context.Context, tx pgx.Tx, accountID, jobID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: push of %d", ErrInvalidAmount, amount)
	}

	const debitSQL = `
		UPDATE accounts
		SET balance = balance - $1, updated_at = now()
		WHERE id = $2::uuid AND balance >= $1
	`
	tag, err := tx.Exec(ctx, debitSQL, amount, EscrowAccountID)
	if err != nil {
		return fmt.Errorf("custody: debit escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Held balance short of an amount still owed means conservation is
		// already broken; surface it loudly rather than masking it.
		return fmt.Errorf("custody: escrow balance short of %d", amount)
	}

	const creditSQL = `
		UPDATE accounts
		SET balance = balance + $1, updated_at = now()
		WHERE id = $2::uuid AND status = 'active'
	`
	tag, err = tx.Exec(ctx, creditSQL, amount, accountID)
	if err != nil {
		return fmt.Errorf("custody: credit destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", ErrTransferRejected, accountID)
	}

	return r.appendEntry(ctx, tx, entryParams{
		JobID: jobID, From: EscrowAccountID, To: accountID, Amount: amount, Kind: EntryPush,
	})
}

// CreateAccount opens an active user account sharing the owner's id.
func (r *Repository) CreateAccount(ctx context.Context, id string) error {
	const insertSQL = `
		INSERT INTO accounts (id, kind, balance, status)
		VALUES ($1::uuid, 'user', 0, 'active')
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insertSQL, id); err != nil {
		return fmt.Errorf("custody: create account: %w", err)
	}
	return nil
}

// Deposit credits external funds to an account. This is the boundary to the
// asset token outside the engine, so it is not tied to any job.
func (r *Repository) Deposit(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit of %d", ErrInvalidAmount, amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("custody: begin deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	const creditSQL = `
		UPDATE accounts
		SET balance = balance + $1, updated_at = now()
		WHERE id = $2::uuid AND status = 'active'
	`
	tag, err := tx.Exec(ctx, creditSQL, amount, accountID)
	if err != nil {
		return fmt.Errorf("custody: credit deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", ErrTransferRejected, accountID)
	}

	if err := r.appendEntry(ctx, tx, entryParams{
		To: accountID, Amount: amount, Kind: EntryDeposit,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("custody: commit deposit: %w", err)
	}
	return nil
}

// Balance returns the current balance of an account.
func (r *Repository) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1::uuid`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("custody: balance: %w", err)
	}
	return balance, nil
}

// HeldBalance returns the engine's custody balance.
func (r *Repository) HeldBalance(ctx context.Context) (int64, error) {
	return r.Balance(ctx, EscrowAccountID)
}

func (r *Repository) creditEscrow(ctx context.Context, tx pgx.Tx, amount int64) error {
	const creditSQL = `
		UPDATE accounts
		SET balance = balance + $1, updated_at = now()
		WHERE id = $2::uuid
	`
	tag, err := tx.Exec(ctx, creditSQL, amount, EscrowAccountID)
	if err != nil {
		return fmt.Errorf("custody: credit escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("custody: escrow account missing")
	}
	return nil
}

type entryParams struct {
	JobID  string
	From   string
	To     string
	Amount int64
	Kind   string
}

func (r *Repository) appendEntry(ctx context.Context, tx pgx.Tx, p entryParams) error {
	var jobID, from any
	if p.JobID != "" {
		jobID = p.JobID
	}
	if p.From != "" {
		from = p.From
	}

	const insertSQL = `
		INSERT INTO ledger_entries (job_id, from_account, to_account, amount, kind)
		VALUES ($1, $2::uuid, $3::uuid, $4, $5::ledger_entry_kind)
	`
	if _, err := tx.Exec(ctx, insertSQL, jobID, from, p.To, p.Amount, p.Kind); err != nil {
		return fmt.Errorf("custody: append ledger entry: %w", err)
	}
	return nil
}
