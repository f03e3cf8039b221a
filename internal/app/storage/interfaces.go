package storage

import (
	"context"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/divergence"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
)

// AccountStore persists user accounts and their append-only balance entries.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (account.Account, error)
	ListEntries(ctx context.Context, accountID string) ([]account.Entry, error)

	// ApplyMutation writes one recorded-balance change and its audit entry in
	// a single unit of work. Standalone counterpart of the mutations embedded
	// in the composite settlement operations; used for credits that mirror
	// ledger movements outside a settlement (faucet top-ups, seeding).
	ApplyMutation(ctx context.Context, m LedgerMutation) error
}

// ShipmentStore persists shipment records.
type ShipmentStore interface {
	GetShipment(ctx context.Context, id string) (shipment.Record, error)
	GetShipmentByCode(ctx context.Context, code string) (shipment.Record, error)
	ListShipments(ctx context.Context, sellerID string) ([]shipment.Record, error)

	// TransitionStatus performs the conditional update WHERE status = from.
	// The backing row's atomicity guarantees at most one caller wins a race
	// to perform the same transition; false means another caller already did
	// (a NoOp, not an error), which callers use to suppress duplicate
	// settlement.
	TransitionStatus(ctx context.Context, id string, from, to shipment.Status) (bool, error)
}

// EscrowWalletStore persists custodial wallets. Wallets are never deleted.
type EscrowWalletStore interface {
	// CreateEscrowWallet inserts the wallet atomically. A second wallet for
	// the same shipment violates the one-wallet-per-shipment invariant and
	// fails with a persistence error.
	CreateEscrowWallet(ctx context.Context, w escrow.Wallet) (escrow.Wallet, error)
	GetEscrowWallet(ctx context.Context, id string) (escrow.Wallet, error)
	GetEscrowWalletByShipment(ctx context.Context, shipmentID string) (escrow.Wallet, error)

	// SetWalletFunded flips pending -> funded with the confirmed amount.
	// Returns false if the wallet was not pending.
	SetWalletFunded(ctx context.Context, id string, amount int64) (bool, error)

	// ClaimWalletRelease flips funded -> releasing. At most one caller wins;
	// false means the claim is already held or the wallet never funded.
	ClaimWalletRelease(ctx context.Context, id string) (bool, error)

	// ReleaseWalletClaim flips releasing -> funded after a definitively
	// failed release, so a later attempt may retry.
	ReleaseWalletClaim(ctx context.Context, id string) (bool, error)

	// SetWalletFailed marks the wallet terminally failed.
	SetWalletFailed(ctx context.Context, id, reason string) error

	// ListWalletEvents returns the wallet's transition history, oldest first.
	// Every status flip appends an event in the same unit of work as the flip
	// itself; wallet rows are never the only record of a transition.
	ListWalletEvents(ctx context.Context, walletID string) ([]escrow.Event, error)
}

// LedgerMutation is one recorded-balance change plus its audit entry. The two
// are written in the same unit of work; a balance change without its entry is
// a bug the store contract forbids.
type LedgerMutation struct {
	AccountID   string
	Amount      int64
	Type        account.EntryType
	Description string
	// Guarded debits fail with an insufficient-funds error instead of driving
	// the recorded balance negative. Mirror debits of already ledger-confirmed
	// movements are unguarded.
	Guarded bool
}

// SettlementStore bundles the composite transactional operations whose
// atomicity the settlement engine and state machine rely on. Each method is a
// single local unit of work: every contained write commits or none do.
type SettlementStore interface {
	// ApplyEscrowFunding runs the bookkeeping after a confirmed funding
	// transfer: debit of the payer's recorded balance with its entry, wallet
	// pending -> funded, and insertion of the shipment row. Fails entirely if
	// the wallet is missing or not pending.
	ApplyEscrowFunding(ctx context.Context, rec shipment.Record, debit LedgerMutation) (shipment.Record, error)

	// ApplyHandover performs the pending -> in_transit transition together
	// with the handover fee movements. Returns false (and writes nothing)
	// when another caller already performed the transition.
	ApplyHandover(ctx context.Context, shipmentID string, muts []LedgerMutation) (bool, error)

	// ApplyRelease performs in_transit -> delivered, the release credits, and
	// wallet releasing -> completed. Returns false when the transition was
	// already performed.
	ApplyRelease(ctx context.Context, shipmentID, walletID string, muts []LedgerMutation) (bool, error)
}

// DivergenceStore persists settlement divergences for reconciliation.
type DivergenceStore interface {
	CreateDivergence(ctx context.Context, rec divergence.Record) (divergence.Record, error)
	ListOpenDivergences(ctx context.Context) ([]divergence.Record, error)
	AnnotateDivergence(ctx context.Context, id string, observedBalance int64, resolved bool) error
}
