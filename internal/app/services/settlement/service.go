// Package settlement moves escrowed funds between custodial wallets and
// keeps the relational books consistent with what the ledger actually did.
//
// The ordering discipline is uniform: ledger transfers first, bookkeeping
// second, and a transfer is never resubmitted. When a transfer is known or
// suspected to have happened but the books could not record it, a divergence
// row is written and the shipment status is left untouched for operator
// review.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/divergence"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/metrics"
	"github.com/shiptrack/escrow_layer/internal/app/services/events"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Config carries the settlement policy knobs.
type Config struct {
	// BufferPercent inflates the escrow total above the USD obligation.
	BufferPercent int
	// LogisticsSharePercent of the delivery fee paid out on completion.
	LogisticsSharePercent int
	// TransferFeeUnits is reserved on top of the escrow amount so the payer
	// can cover the ledger's own transfer cost.
	TransferFeeUnits int64
	// TestFundsEnabled allows one faucet top-up attempt per funding.
	TestFundsEnabled bool
}

// Service is the settlement engine.
type Service struct {
	settlements storage.SettlementStore
	wallets     storage.EscrowWalletStore
	divergences storage.DivergenceStore
	accounts    storage.AccountStore
	ledger      chain.Ledger
	cipher      *secretstore.Cipher
	cfg         Config
	publisher   *events.Publisher
	log         *logger.Logger
}

// New constructs the settlement engine. publisher may be nil.
func New(settlements storage.SettlementStore, wallets storage.EscrowWalletStore, divergences storage.DivergenceStore, accounts storage.AccountStore, ledger chain.Ledger, cipher *secretstore.Cipher, cfg Config, publisher *events.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if cfg.BufferPercent == 0 {
		cfg.BufferPercent = 5
	}
	if cfg.LogisticsSharePercent == 0 {
		cfg.LogisticsSharePercent = 95
	}
	return &Service{
		settlements: settlements,
		wallets:     wallets,
		divergences: divergences,
		accounts:    accounts,
		ledger:      ledger,
		cipher:      cipher,
		cfg:         cfg,
		publisher:   publisher,
		log:         log,
	}
}

// Quote converts a shipment's USD amounts at the given rate under the
// configured buffer.
func (s *Service) Quote(valueUSD, feeUSD, rate float64) (EscrowQuote, error) {
	return ComputeEscrowAmount(valueUSD, feeUSD, rate, s.cfg.BufferPercent)
}

// FundEscrow locks rec.EscrowAmount in the shipment's escrow wallet and, in
// the same bookkeeping transaction, debits the payer's recorded balance and
// inserts the shipment row. The shipment row only exists once funding is
// confirmed.
func (s *Service) FundEscrow(ctx context.Context, rec shipment.Record, payer account.Account, wallet escrow.Wallet) (shipment.Record, error) {
	start := time.Now()
	need := rec.EscrowAmount + s.cfg.TransferFeeUnits

	balance, err := s.ledger.GetBalance(ctx, payer.WalletAddress)
	if err != nil {
		return shipment.Record{}, apperr.Persistence("query payer balance", err)
	}
	if (balance < need || payer.Balance < rec.EscrowAmount) && s.cfg.TestFundsEnabled {
		if faucetErr := s.ledger.RequestTestFunds(ctx, payer.WalletAddress); faucetErr != nil {
			s.log.WithError(faucetErr).WithField("address", payer.WalletAddress).Warn("faucet request failed")
		} else {
			topped, err := s.ledger.GetBalance(ctx, payer.WalletAddress)
			if err != nil {
				return shipment.Record{}, apperr.Persistence("query payer balance", err)
			}
			// mirror the grant so the recorded balance can absorb the
			// escrow debit in the same bookkeeping transaction
			if granted := topped - balance; granted > 0 {
				if mErr := s.accounts.ApplyMutation(ctx, storage.LedgerMutation{
					AccountID:   payer.ID,
					Amount:      granted,
					Type:        account.EntryCredit,
					Description: "test funds top-up",
				}); mErr != nil {
					return shipment.Record{}, mErr
				}
				payer.Balance += granted
			}
			balance = topped
		}
	}
	if balance < need {
		return shipment.Record{}, apperr.InsufficientFunds("payer wallet holds %d, needs %d", balance, need)
	}
	if payer.Balance < rec.EscrowAmount {
		return shipment.Record{}, apperr.InsufficientFunds("payer account records %d, needs %d", payer.Balance, rec.EscrowAmount)
	}

	credential, err := s.cipher.Open(payer.Credential)
	if err != nil {
		return shipment.Record{}, apperr.Persistence("unseal payer credential", err)
	}

	receipt, err := s.ledger.Transfer(ctx, credential, wallet.Address, rec.EscrowAmount)
	if err != nil {
		if errors.Is(err, chain.ErrOutcomeUnknown) {
			return shipment.Record{}, s.recordDivergence(ctx, divergence.Record{
				ShipmentID:  rec.ID,
				WalletID:    wallet.ID,
				Stage:       divergence.StageFund,
				Amount:      rec.EscrowAmount,
				FromAddress: payer.WalletAddress,
				ToAddress:   wallet.Address,
				Detail:      fmt.Sprintf("funding transfer outcome unknown: %v", err),
			})
		}
		return shipment.Record{}, apperr.Persistence("funding transfer", err)
	}

	saved, err := s.settlements.ApplyEscrowFunding(ctx, rec, storage.LedgerMutation{
		AccountID:   payer.ID,
		Amount:      rec.EscrowAmount,
		Type:        account.EntryDebit,
		Description: fmt.Sprintf("escrow lock for shipment %s", rec.Code),
		Guarded:     true,
	})
	if err != nil {
		return shipment.Record{}, s.recordDivergence(ctx, divergence.Record{
			ShipmentID:  rec.ID,
			WalletID:    wallet.ID,
			TxID:        receipt.TxID,
			Stage:       divergence.StageFund,
			Amount:      rec.EscrowAmount,
			FromAddress: payer.WalletAddress,
			ToAddress:   wallet.Address,
			Detail:      fmt.Sprintf("funding confirmed on ledger but bookkeeping failed: %v", err),
		})
	}

	metrics.RecordSettlement("fund", "confirmed", time.Since(start))
	metrics.RecordEscrowLocked(saved.EscrowAmount)
	s.log.WithField("shipment_id", saved.ID).
		WithField("wallet_id", wallet.ID).
		WithField("amount", saved.EscrowAmount).
		WithField("tx_id", receipt.TxID).
		Info("escrow funded")
	return saved, nil
}

// ReleaseResult reports the outcome of an escrow release.
type ReleaseResult struct {
	// AlreadyCompleted is set when another caller released this wallet first.
	AlreadyCompleted bool
	LogisticsAmount  int64
	SellerAmount     int64
}

// ReleaseEscrow pays the funded wallet out to the logistics provider and the
// seller. The funded -> releasing claim on the wallet makes release
// exactly-once: a concurrent duplicate loses the claim and reports
// AlreadyCompleted without touching the ledger.
func (s *Service) ReleaseEscrow(ctx context.Context, rec shipment.Record, wallet escrow.Wallet, logistics, seller account.Account) (ReleaseResult, error) {
	start := time.Now()
	claimed, err := s.wallets.ClaimWalletRelease(ctx, wallet.ID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !claimed {
		current, err := s.wallets.GetEscrowWallet(ctx, wallet.ID)
		if err != nil {
			return ReleaseResult{}, err
		}
		switch current.Status {
		case escrow.StatusReleasing, escrow.StatusCompleted:
			return ReleaseResult{AlreadyCompleted: true}, nil
		default:
			return ReleaseResult{}, apperr.Invariant("wallet %s is %s, cannot release", wallet.ID, current.Status)
		}
	}

	logisticsAmount, sellerAmount := splitRelease(wallet.Amount, rec.DeliveryFeeUnits, s.cfg.LogisticsSharePercent)

	credential, err := s.cipher.Open(wallet.Credential)
	if err != nil {
		// nothing moved yet; surrender the claim so a retry can succeed
		s.surrenderClaim(ctx, wallet.ID)
		return ReleaseResult{}, apperr.Persistence("unseal escrow credential", err)
	}

	// zero-amount legs are skipped; the ledger rejects empty transfers
	var logisticsTx, sellerTx chain.TransferReceipt
	if logisticsAmount > 0 {
		logisticsTx, err = s.ledger.Transfer(ctx, credential, logistics.WalletAddress, logisticsAmount)
		if err != nil {
			if errors.Is(err, chain.ErrOutcomeUnknown) {
				return ReleaseResult{}, s.recordDivergence(ctx, divergence.Record{
					ShipmentID:  rec.ID,
					WalletID:    wallet.ID,
					Stage:       divergence.StageRelease,
					Amount:      logisticsAmount,
					FromAddress: wallet.Address,
					ToAddress:   logistics.WalletAddress,
					Detail:      fmt.Sprintf("logistics payout outcome unknown: %v", err),
				})
			}
			// definitive rejection before any funds moved
			s.surrenderClaim(ctx, wallet.ID)
			return ReleaseResult{}, apperr.Persistence("logistics payout", err)
		}
	}

	if sellerAmount > 0 {
		sellerTx, err = s.ledger.Transfer(ctx, credential, seller.WalletAddress, sellerAmount)
		if err != nil {
			// the logistics payout already happened; this is a divergence no
			// matter how the second transfer failed
			return ReleaseResult{}, s.recordDivergence(ctx, divergence.Record{
				ShipmentID:  rec.ID,
				WalletID:    wallet.ID,
				TxID:        logisticsTx.TxID,
				Stage:       divergence.StageRelease,
				Amount:      sellerAmount,
				FromAddress: wallet.Address,
				ToAddress:   seller.WalletAddress,
				Detail:      fmt.Sprintf("seller payout failed after logistics payout %s: %v", logisticsTx.TxID, err),
			})
		}
	}

	var muts []storage.LedgerMutation
	if logisticsAmount > 0 {
		muts = append(muts, storage.LedgerMutation{
			AccountID:   logistics.ID,
			Amount:      logisticsAmount,
			Type:        account.EntryCredit,
			Description: fmt.Sprintf("delivery payout for shipment %s", rec.Code),
		})
	}
	if sellerAmount > 0 {
		muts = append(muts, storage.LedgerMutation{
			AccountID:   seller.ID,
			Amount:      sellerAmount,
			Type:        account.EntryCredit,
			Description: fmt.Sprintf("escrow release for shipment %s", rec.Code),
		})
	}
	applied, err := s.settlements.ApplyRelease(ctx, rec.ID, wallet.ID, muts)
	if err != nil || !applied {
		detail := "release bookkeeping was not applied"
		if err != nil {
			detail = fmt.Sprintf("release bookkeeping failed: %v", err)
		}
		txID := sellerTx.TxID
		if txID == "" {
			txID = logisticsTx.TxID
		}
		return ReleaseResult{}, s.recordDivergence(ctx, divergence.Record{
			ShipmentID:  rec.ID,
			WalletID:    wallet.ID,
			TxID:        txID,
			Stage:       divergence.StageRelease,
			Amount:      wallet.Amount,
			FromAddress: wallet.Address,
			ToAddress:   seller.WalletAddress,
			Detail:      detail,
		})
	}

	metrics.RecordSettlement("release", "confirmed", time.Since(start))
	metrics.RecordEscrowReleased(wallet.Amount)
	s.log.WithField("shipment_id", rec.ID).
		WithField("wallet_id", wallet.ID).
		WithField("logistics_amount", logisticsAmount).
		WithField("seller_amount", sellerAmount).
		WithField("logistics_tx", logisticsTx.TxID).
		WithField("seller_tx", sellerTx.TxID).
		Info("escrow released")
	return ReleaseResult{LogisticsAmount: logisticsAmount, SellerAmount: sellerAmount}, nil
}

func (s *Service) surrenderClaim(ctx context.Context, walletID string) {
	if _, err := s.wallets.ReleaseWalletClaim(ctx, walletID); err != nil {
		s.log.WithError(err).WithField("wallet_id", walletID).Error("failed to surrender release claim")
	}
}

// recordDivergence persists the divergence and returns the error the caller
// should surface. The shipment status is deliberately left where it was.
func (s *Service) recordDivergence(ctx context.Context, rec divergence.Record) error {
	metrics.RecordSettlement(string(rec.Stage), "diverged", 0)
	saved, err := s.divergences.CreateDivergence(ctx, rec)
	if err != nil {
		s.log.WithError(err).
			WithField("shipment_id", rec.ShipmentID).
			WithField("detail", rec.Detail).
			Error("failed to persist divergence record")
		return apperr.Divergence("%s (divergence record could not be saved)", rec.Detail)
	}
	s.log.WithField("divergence_id", saved.ID).
		WithField("shipment_id", rec.ShipmentID).
		WithField("wallet_id", rec.WalletID).
		WithField("stage", string(rec.Stage)).
		WithField("amount", rec.Amount).
		WithField("from", rec.FromAddress).
		WithField("to", rec.ToAddress).
		WithField("tx_id", rec.TxID).
		Error("ledger and bookkeeping diverged")
	s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeSettlementDiverged,
		ShipmentID: rec.ShipmentID,
		Amount:     rec.Amount,
	})
	return apperr.Divergence("%s", rec.Detail)
}
