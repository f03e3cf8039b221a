// Package accounts manages the participants of the settlement flow. Every
// account gets its own custodial ledger wallet at registration.
package accounts

import (
	"context"
	"strings"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// BalanceView pairs the recorded balance with the live ledger balance of the
// same account. The two can legitimately differ while settlements are in
// flight.
type BalanceView struct {
	AccountID     string
	WalletAddress string
	Recorded      int64
	Ledger        int64
}

// Service manages accounts.
type Service struct {
	store  storage.AccountStore
	ledger chain.Ledger
	cipher *secretstore.Cipher
	log    *logger.Logger
}

// New constructs an accounts service.
func New(store storage.AccountStore, ledger chain.Ledger, cipher *secretstore.Cipher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{store: store, ledger: ledger, cipher: cipher, log: log}
}

// Register creates an account with a fresh custodial wallet.
func (s *Service) Register(ctx context.Context, name, email string, role account.Role) (account.Account, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))

	if name == "" {
		return account.Account{}, apperr.Validation("name is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return account.Account{}, apperr.Validation("a valid email is required")
	}
	switch role {
	case account.RoleSeller, account.RoleLogistics, account.RoleConsumer:
	default:
		return account.Account{}, apperr.Validation("unknown role %q", role)
	}

	if _, err := s.store.GetAccountByEmail(ctx, email); err == nil {
		return account.Account{}, apperr.Validation("email %s is already registered", email)
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return account.Account{}, err
	}

	kp, err := s.ledger.CreateKeypair()
	if err != nil {
		return account.Account{}, apperr.Persistence("create keypair", err)
	}
	sealed, err := s.cipher.Seal(kp.Credential)
	if err != nil {
		return account.Account{}, apperr.Persistence("seal credential", err)
	}

	acct, err := s.store.CreateAccount(ctx, account.Account{
		Name:          name,
		Email:         email,
		Role:          role,
		WalletAddress: kp.Address,
		Credential:    sealed,
	})
	if err != nil {
		return account.Account{}, err
	}

	s.log.WithField("account_id", acct.ID).
		WithField("role", string(role)).
		WithField("address", acct.WalletAddress).
		Info("account registered")
	return acct, nil
}

// Get returns an account by id.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// Balance reads both sides of an account's money: the recorded balance kept
// by the books and the live balance on the ledger.
func (s *Service) Balance(ctx context.Context, id string) (BalanceView, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return BalanceView{}, err
	}
	onLedger, err := s.ledger.GetBalance(ctx, acct.WalletAddress)
	if err != nil {
		return BalanceView{}, apperr.Persistence("query ledger balance", err)
	}
	return BalanceView{
		AccountID:     acct.ID,
		WalletAddress: acct.WalletAddress,
		Recorded:      acct.Balance,
		Ledger:        onLedger,
	}, nil
}

// Entries returns the account's audit trail, oldest first.
func (s *Service) Entries(ctx context.Context, id string) ([]account.Entry, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, id)
}

// RequestTestFunds asks the faucet to top up the account's wallet and
// mirrors the grant into the recorded balance.
func (s *Service) RequestTestFunds(ctx context.Context, id string) error {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	before, err := s.ledger.GetBalance(ctx, acct.WalletAddress)
	if err != nil {
		return apperr.Persistence("query wallet balance", err)
	}
	if err := s.ledger.RequestTestFunds(ctx, acct.WalletAddress); err != nil {
		return apperr.Persistence("request test funds", err)
	}
	after, err := s.ledger.GetBalance(ctx, acct.WalletAddress)
	if err != nil {
		return apperr.Persistence("query wallet balance", err)
	}
	if granted := after - before; granted > 0 {
		if err := s.store.ApplyMutation(ctx, storage.LedgerMutation{
			AccountID:   acct.ID,
			Amount:      granted,
			Type:        account.EntryCredit,
			Description: "test funds top-up",
		}); err != nil {
			return err
		}
	}
	s.log.WithField("account_id", id).WithField("address", acct.WalletAddress).Info("faucet requested")
	return nil
}
