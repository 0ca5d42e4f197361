package custody

import "time"

// EscrowAccountID is the engine's own account. All held balance lives here;
// its balance equals the sum of amounts over jobs still in custody.
const EscrowAccountID = "00000000-0000-0000-0000-000000000001"

// Account kinds.
const (
	KindUser   = "user"
	KindEscrow = "escrow"
)

// Account statuses. A closed account rejects incoming transfers.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Account mirrors the accounts table. User accounts share their owner's id.
type Account struct {
	ID        string
	Kind      string
	Balance   int64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry is one append-only ledger row. Every balance change writes exactly
// one entry; deposits have no source account.
type Entry struct {
	ID          int64
	JobID       *string
	FromAccount *string
	ToAccount   string
	Amount      int64
	Kind        string
	CreatedAt   time.Time
}

// Ledger entry kinds.
const (
	EntryDeposit = "deposit"
	EntryPull    = "pull"
	EntryPush    = "push"
)
