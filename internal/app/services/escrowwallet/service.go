// Package escrowwallet manages per-shipment custodial wallets. Each shipment
// gets a dedicated ledger keypair whose private key is sealed before it
// touches storage.
package escrowwallet

import (
	"context"

	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Service creates and tracks escrow wallets.
type Service struct {
	store  storage.EscrowWalletStore
	ledger chain.Ledger
	cipher *secretstore.Cipher
	log    *logger.Logger
}

// New constructs an escrow wallet service.
func New(store storage.EscrowWalletStore, ledger chain.Ledger, cipher *secretstore.Cipher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrowwallet")
	}
	return &Service{store: store, ledger: ledger, cipher: cipher, log: log}
}

// Create opens a fresh custodial wallet for a shipment. The shipment row may
// not exist yet; only the id binding is recorded here.
func (s *Service) Create(ctx context.Context, shipmentID string) (escrow.Wallet, error) {
	if shipmentID == "" {
		return escrow.Wallet{}, apperr.Validation("shipment id is required")
	}

	kp, err := s.ledger.CreateKeypair()
	if err != nil {
		return escrow.Wallet{}, apperr.Persistence("create keypair", err)
	}
	sealed, err := s.cipher.Seal(kp.Credential)
	if err != nil {
		return escrow.Wallet{}, apperr.Persistence("seal credential", err)
	}

	wallet, err := s.store.CreateEscrowWallet(ctx, escrow.Wallet{
		ShipmentID: shipmentID,
		Address:    kp.Address,
		Credential: sealed,
		PublicKey:  kp.PublicKey,
		Status:     escrow.StatusPending,
	})
	if err != nil {
		return escrow.Wallet{}, err
	}

	s.log.WithField("wallet_id", wallet.ID).
		WithField("shipment_id", shipmentID).
		WithField("address", wallet.Address).
		Info("escrow wallet created")
	return wallet, nil
}

// Get returns a wallet by id.
func (s *Service) Get(ctx context.Context, id string) (escrow.Wallet, error) {
	return s.store.GetEscrowWallet(ctx, id)
}

// GetByShipment returns the wallet bound to a shipment.
func (s *Service) GetByShipment(ctx context.Context, shipmentID string) (escrow.Wallet, error) {
	return s.store.GetEscrowWalletByShipment(ctx, shipmentID)
}

// UnsealCredential recovers the plaintext signing credential for a wallet.
// The returned value must never be logged or persisted.
func (s *Service) UnsealCredential(w escrow.Wallet) (string, error) {
	plain, err := s.cipher.Open(w.Credential)
	if err != nil {
		return "", apperr.Persistence("unseal credential", err)
	}
	return plain, nil
}

// MarkFunded records that the wallet holds amount. Repeating the call for an
// already funded wallet with the same amount is a no-op; a conflicting
// amount is an invariant breach.
func (s *Service) MarkFunded(ctx context.Context, id string, amount int64) error {
	won, err := s.store.SetWalletFunded(ctx, id, amount)
	if err != nil {
		return err
	}
	if won {
		s.log.WithField("wallet_id", id).WithField("amount", amount).Info("escrow wallet funded")
		return nil
	}

	wallet, err := s.store.GetEscrowWallet(ctx, id)
	if err != nil {
		return err
	}
	switch wallet.Status {
	case escrow.StatusFunded, escrow.StatusReleasing, escrow.StatusCompleted:
		if wallet.Amount != amount {
			return apperr.Invariant("wallet %s already funded with %d, cannot record %d", id, wallet.Amount, amount)
		}
		return nil
	default:
		return apperr.Invariant("wallet %s is %s, cannot mark funded", id, wallet.Status)
	}
}

// MarkFailed parks the wallet in the failed state with a reason.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	if err := s.store.SetWalletFailed(ctx, id, reason); err != nil {
		return err
	}
	s.log.WithField("wallet_id", id).WithField("reason", reason).Warn("escrow wallet failed")
	return nil
}
