package divergence

import "time"

// Stage names which settlement step diverged.
type Stage string

const (
	StageFund    Stage = "fund"
	StageRelease Stage = "release"
)

// Record captures a confirmed ledger transfer whose local bookkeeping did not
// commit. Records are never auto-corrected; the reconciliation sweep only
// annotates them with observed ledger state. Enough detail is kept to replay
// the bookkeeping manually.
type Record struct {
	ID          string
	ShipmentID  string
	WalletID    string
	TxID        string
	Stage       Stage
	Amount      int64
	FromAddress string
	ToAddress   string
	Detail      string

	// ObservedBalance is the destination balance seen by the last
	// reconciliation sweep, nil until a sweep has run.
	ObservedBalance *int64
	Resolved        bool
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}
