package account

import "time"

// Role distinguishes the three parties of a delivery.
type Role string

const (
	RoleSeller    Role = "seller"
	RoleLogistics Role = "logistics"
	RoleConsumer  Role = "consumer"
)

// Account is a seller, logistics agent, or consumer.
//
// Balance is the recorded balance: the application's cached mirror of
// ledger-confirmed movements, authoritative for application logic but
// reconciled against (not identical to) the ledger's own balance. It is only
// ever mutated in the same unit of work that inserts the matching Entry row.
type Account struct {
	ID            string
	Name          string
	Email         string
	Role          Role
	WalletAddress string
	// Credential is the sealed signing key for the user's ledger wallet.
	Credential string
	Balance    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EntryType is the direction of a balance mutation.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Entry is an immutable audit record of one balance mutation. Created exactly
// once per mutation, never updated or deleted.
type Entry struct {
	ID          string
	AccountID   string
	Amount      int64
	Type        EntryType
	Description string
	CreatedAt   time.Time
}
