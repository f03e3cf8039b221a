package shipment

import "time"

// Status is the delivery lifecycle state of a shipment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// legalTransitions encodes the delivery state machine. Transitions are
// monotonic: nothing leaves delivered, and failed is terminal for settlement.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusInTransit, StatusFailed},
	StatusInTransit: {StatusDelivered, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one physical product shipped. Rows are never hard-deleted; the
// transactions table carries the append-only history.
type Record struct {
	ID               string
	Code             string
	TrackingNumber   string
	SellerID         string
	LogisticsID      string
	ConsumerID       string
	Name             string
	Description      string
	SenderLocation   string
	ReceiverLocation string
	WeightKG         float64

	// Display-layer USD figures. The authoritative amounts are the integer
	// ledger units below.
	ValueUSD       float64
	DeliveryFeeUSD float64

	// EscrowAmount is the funded escrow total in ledger units.
	// DeliveryFeeUnits is the delivery fee converted at funding time with the
	// same rate, so milestone settlement never consults the oracle again.
	EscrowAmount     int64
	DeliveryFeeUnits int64
	EscrowWalletID   string

	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
}
