package escrow

import "time"

// Status is the custodial wallet lifecycle state.
type Status string

const (
	// StatusPending: keypair generated, no confirmed funding yet.
	StatusPending Status = "pending"
	// StatusFunded: the funding transfer is ledger-confirmed.
	StatusFunded Status = "funded"
	// StatusReleasing: a release claim is held; at most one caller may move
	// funds out of the wallet.
	StatusReleasing Status = "releasing"
	// StatusCompleted: the final release is ledger-confirmed. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed: terminal; no further transfers from this wallet.
	StatusFailed Status = "failed"
)

// Wallet is the per-shipment custodial wallet. The address and signing
// credential are generated together and never reassigned. Amount reflects the
// last ledger-confirmed transfer, not an optimistic value.
type Wallet struct {
	ID         string
	ShipmentID string
	Address    string
	// Credential is the AES-GCM sealed signing key. The plaintext exists only
	// in memory while a transfer is signed and must never be logged.
	Credential string
	PublicKey  string
	Amount     int64
	Status     Status
	FailReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Event is one wallet status transition. Events are append-only; together
// they reconstruct the wallet's full lifecycle without overwriting history.
type Event struct {
	ID        string
	WalletID  string
	From      Status
	To        Status
	Reason    string
	CreatedAt time.Time
}
