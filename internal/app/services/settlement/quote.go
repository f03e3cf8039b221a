package settlement

import (
	"math"

	"github.com/shiptrack/escrow_layer/internal/apperr"
)

// EscrowQuote is the result of converting a shipment's USD amounts into
// ledger units at a point-in-time rate.
type EscrowQuote struct {
	// Rate is ledger units per USD at quote time.
	Rate float64
	// EscrowAmount is the total to lock, including the platform buffer.
	EscrowAmount int64
	// DeliveryFeeUnits is the delivery fee converted at the same rate. It is
	// persisted on the shipment so milestone settlements never consult the
	// oracle again.
	DeliveryFeeUnits int64
}

// ComputeEscrowAmount converts value and fee into ledger units. The escrow
// total is (value + fee) * rate inflated by bufferPercent, rounded up so the
// locked amount always covers the USD obligation. The fee is rounded up
// independently at the same rate.
func ComputeEscrowAmount(valueUSD, feeUSD, rate float64, bufferPercent int) (EscrowQuote, error) {
	if valueUSD <= 0 {
		return EscrowQuote{}, apperr.Validation("shipment value must be positive")
	}
	if feeUSD < 0 {
		return EscrowQuote{}, apperr.Validation("delivery fee cannot be negative")
	}
	if rate <= 0 {
		return EscrowQuote{}, apperr.Validation("conversion rate must be positive")
	}
	if bufferPercent < 0 {
		return EscrowQuote{}, apperr.Validation("buffer percent cannot be negative")
	}

	buffer := 1 + float64(bufferPercent)/100
	escrow := math.Ceil((valueUSD + feeUSD) * rate * buffer)
	feeUnits := math.Ceil(feeUSD * rate)

	if escrow > math.MaxInt64 || feeUnits > escrow {
		return EscrowQuote{}, apperr.Validation("amounts out of range")
	}

	return EscrowQuote{
		Rate:             rate,
		EscrowAmount:     int64(escrow),
		DeliveryFeeUnits: int64(feeUnits),
	}, nil
}

// splitRelease divides a funded wallet between the logistics provider and
// the seller. Logistics receives its share of the delivery fee rounded down;
// every remaining unit, including rounding residue and the platform buffer,
// goes to the seller so the released total always equals the locked total.
func splitRelease(walletAmount, deliveryFeeUnits int64, logisticsSharePercent int) (logistics, seller int64) {
	logistics = deliveryFeeUnits * int64(logisticsSharePercent) / 100
	if logistics > walletAmount {
		logistics = walletAmount
	}
	seller = walletAmount - logistics
	return logistics, seller
}
