// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/divergence"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
)

// Store holds all state behind one mutex so the composite operations get the
// same all-or-nothing behaviour a SQL transaction provides.
type Store struct {
	mu                sync.RWMutex
	accounts          map[string]account.Account
	accountsByEmail   map[string]string
	entries           map[string][]account.Entry
	shipments         map[string]shipment.Record
	shipmentsByCode   map[string]string
	wallets           map[string]escrow.Wallet
	walletsByShipment map[string]string
	walletEvents      map[string][]escrow.Event
	divergences       map[string]divergence.Record

	// FailNextBookkeeping forces the next composite write to fail after the
	// ledger transfer already confirmed. Tests use it to exercise divergence
	// handling.
	FailNextBookkeeping bool
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.ShipmentStore = (*Store)(nil)
var _ storage.EscrowWalletStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.DivergenceStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:          make(map[string]account.Account),
		accountsByEmail:   make(map[string]string),
		entries:           make(map[string][]account.Entry),
		shipments:         make(map[string]shipment.Record),
		shipmentsByCode:   make(map[string]string),
		wallets:           make(map[string]escrow.Wallet),
		walletsByShipment: make(map[string]string),
		walletEvents:      make(map[string][]escrow.Event),
		divergences:       make(map[string]divergence.Record),
	}
}

// AccountStore implementation ------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, apperr.Persistence("create account", apperr.Invariant("account %s already exists", acct.ID))
	}
	if acct.Email != "" {
		if _, exists := s.accountsByEmail[acct.Email]; exists {
			return account.Account{}, apperr.Persistence("create account", apperr.Invariant("email %s already registered", acct.Email))
		}
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.ID] = acct
	if acct.Email != "" {
		s.accountsByEmail[acct.Email] = acct.ID
	}
	return acct, nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, apperr.NotFound("account %s not found", acct.ID)
	}
	acct.CreatedAt = original.CreatedAt
	acct.Balance = original.Balance // balances only move through settlement ops
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, apperr.NotFound("account %s not found", id)
	}
	return acct, nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByEmail[email]
	if !ok {
		return account.Account{}, apperr.NotFound("no account for email %s", email)
	}
	return s.accounts[id], nil
}

func (s *Store) ApplyMutation(_ context.Context, m storage.LedgerMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateBalanceLocked(m)
}

func (s *Store) ListEntries(_ context.Context, accountID string) ([]account.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.entries[accountID]
	out := make([]account.Entry, len(src))
	copy(out, src)
	return out, nil
}

// ShipmentStore implementation -----------------------------------------------

func (s *Store) GetShipment(_ context.Context, id string) (shipment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getShipmentLocked(id)
}

func (s *Store) getShipmentLocked(id string) (shipment.Record, error) {
	rec, ok := s.shipments[id]
	if !ok {
		return shipment.Record{}, apperr.NotFound("shipment %s not found", id)
	}
	return rec, nil
}

func (s *Store) GetShipmentByCode(_ context.Context, code string) (shipment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.shipmentsByCode[code]
	if !ok {
		return shipment.Record{}, apperr.NotFound("shipment code %s not found", code)
	}
	return s.shipments[id], nil
}

func (s *Store) ListShipments(_ context.Context, sellerID string) ([]shipment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]shipment.Record, 0)
	for _, rec := range s.shipments {
		if sellerID == "" || rec.SellerID == sellerID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, from, to shipment.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to)
}

func (s *Store) transitionLocked(id string, from, to shipment.Status) (bool, error) {
	if !shipment.CanTransition(from, to) {
		return false, apperr.Invariant("illegal shipment transition %s -> %s", from, to)
	}
	rec, ok := s.shipments[id]
	if !ok {
		return false, apperr.NotFound("shipment %s not found", id)
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
	if to == shipment.StatusDelivered {
		at := rec.UpdatedAt
		rec.DeliveredAt = &at
	}
	s.shipments[id] = rec
	return true, nil
}

// EscrowWalletStore implementation -------------------------------------------

func (s *Store) CreateEscrowWallet(_ context.Context, w escrow.Wallet) (escrow.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if _, exists := s.walletsByShipment[w.ShipmentID]; exists {
		return escrow.Wallet{}, apperr.Persistence("create escrow wallet",
			apperr.Invariant("escrow wallet already exists for shipment %s", w.ShipmentID))
	}

	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	s.wallets[w.ID] = w
	s.walletsByShipment[w.ShipmentID] = w.ID
	return w, nil
}

func (s *Store) GetEscrowWallet(_ context.Context, id string) (escrow.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return escrow.Wallet{}, apperr.NotFound("escrow wallet %s not found", id)
	}
	return w, nil
}

func (s *Store) GetEscrowWalletByShipment(_ context.Context, shipmentID string) (escrow.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.walletsByShipment[shipmentID]
	if !ok {
		return escrow.Wallet{}, apperr.NotFound("no escrow wallet for shipment %s", shipmentID)
	}
	return s.wallets[id], nil
}

func (s *Store) SetWalletFunded(_ context.Context, id string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setWalletFundedLocked(id, amount)
}

func (s *Store) setWalletFundedLocked(id string, amount int64) (bool, error) {
	w, ok := s.wallets[id]
	if !ok {
		return false, apperr.NotFound("escrow wallet %s not found", id)
	}
	if w.Status != escrow.StatusPending {
		return false, nil
	}
	w.Status = escrow.StatusFunded
	w.Amount = amount
	w.UpdatedAt = time.Now().UTC()
	s.wallets[id] = w
	s.appendWalletEventLocked(id, escrow.StatusPending, escrow.StatusFunded, "")
	return true, nil
}

func (s *Store) ClaimWalletRelease(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return false, apperr.NotFound("escrow wallet %s not found", id)
	}
	if w.Status != escrow.StatusFunded {
		return false, nil
	}
	w.Status = escrow.StatusReleasing
	w.UpdatedAt = time.Now().UTC()
	s.wallets[id] = w
	s.appendWalletEventLocked(id, escrow.StatusFunded, escrow.StatusReleasing, "")
	return true, nil
}

func (s *Store) ReleaseWalletClaim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return false, apperr.NotFound("escrow wallet %s not found", id)
	}
	if w.Status != escrow.StatusReleasing {
		return false, nil
	}
	w.Status = escrow.StatusFunded
	w.UpdatedAt = time.Now().UTC()
	s.wallets[id] = w
	s.appendWalletEventLocked(id, escrow.StatusReleasing, escrow.StatusFunded, "release claim surrendered")
	return true, nil
}

func (s *Store) SetWalletFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return apperr.NotFound("escrow wallet %s not found", id)
	}
	if w.Status == escrow.StatusCompleted {
		return apperr.Invariant("wallet %s already completed", id)
	}
	from := w.Status
	w.Status = escrow.StatusFailed
	w.FailReason = reason
	w.UpdatedAt = time.Now().UTC()
	s.wallets[id] = w
	s.appendWalletEventLocked(id, from, escrow.StatusFailed, reason)
	return nil
}

func (s *Store) ListWalletEvents(_ context.Context, walletID string) ([]escrow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.walletEvents[walletID]
	out := make([]escrow.Event, len(src))
	copy(out, src)
	return out, nil
}

// SettlementStore implementation ---------------------------------------------

func (s *Store) ApplyEscrowFunding(_ context.Context, rec shipment.Record, debit storage.LedgerMutation) (shipment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumeForcedFailure() {
		return shipment.Record{}, apperr.Persistence("apply escrow funding", errForced)
	}

	if _, exists := s.shipments[rec.ID]; exists {
		return shipment.Record{}, apperr.Persistence("apply escrow funding",
			apperr.Invariant("shipment %s already exists", rec.ID))
	}
	w, ok := s.wallets[rec.EscrowWalletID]
	if !ok {
		return shipment.Record{}, apperr.Persistence("apply escrow funding",
			apperr.NotFound("escrow wallet %s not found", rec.EscrowWalletID))
	}
	if w.Status != escrow.StatusPending {
		return shipment.Record{}, apperr.Persistence("apply escrow funding",
			apperr.Invariant("wallet %s is %s, expected pending", w.ID, w.Status))
	}

	if err := s.mutateBalanceLocked(debit); err != nil {
		return shipment.Record{}, err
	}
	if _, err := s.setWalletFundedLocked(rec.EscrowWalletID, rec.EscrowAmount); err != nil {
		return shipment.Record{}, err
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Status = shipment.StatusPending
	s.shipments[rec.ID] = rec
	s.shipmentsByCode[rec.Code] = rec.ID
	return rec, nil
}

func (s *Store) ApplyHandover(_ context.Context, shipmentID string, muts []storage.LedgerMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumeForcedFailure() {
		return false, apperr.Persistence("apply handover", errForced)
	}

	snapshot := s.snapshotAccounts(muts)
	applied, err := s.transitionLocked(shipmentID, shipment.StatusPending, shipment.StatusInTransit)
	if err != nil || !applied {
		return false, err
	}
	for _, m := range muts {
		if err := s.mutateBalanceLocked(m); err != nil {
			// roll the whole unit of work back
			s.restoreAccounts(snapshot)
			rec := s.shipments[shipmentID]
			rec.Status = shipment.StatusPending
			s.shipments[shipmentID] = rec
			return false, err
		}
	}
	return true, nil
}

func (s *Store) ApplyRelease(_ context.Context, shipmentID, walletID string, muts []storage.LedgerMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumeForcedFailure() {
		return false, apperr.Persistence("apply release", errForced)
	}

	w, ok := s.wallets[walletID]
	if !ok {
		return false, apperr.NotFound("escrow wallet %s not found", walletID)
	}
	if w.Status != escrow.StatusReleasing {
		return false, apperr.Invariant("wallet %s is %s, expected releasing", walletID, w.Status)
	}

	snapshot := s.snapshotAccounts(muts)
	applied, err := s.transitionLocked(shipmentID, shipment.StatusInTransit, shipment.StatusDelivered)
	if err != nil || !applied {
		return false, err
	}
	for _, m := range muts {
		if err := s.mutateBalanceLocked(m); err != nil {
			s.restoreAccounts(snapshot)
			rec := s.shipments[shipmentID]
			rec.Status = shipment.StatusInTransit
			rec.DeliveredAt = nil
			s.shipments[shipmentID] = rec
			return false, err
		}
	}

	w.Status = escrow.StatusCompleted
	w.UpdatedAt = time.Now().UTC()
	s.wallets[walletID] = w
	s.appendWalletEventLocked(walletID, escrow.StatusReleasing, escrow.StatusCompleted, "")
	return true, nil
}

// DivergenceStore implementation ---------------------------------------------

func (s *Store) CreateDivergence(_ context.Context, rec divergence.Record) (divergence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	s.divergences[rec.ID] = rec
	return rec, nil
}

func (s *Store) ListOpenDivergences(_ context.Context) ([]divergence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]divergence.Record, 0)
	for _, rec := range s.divergences {
		if !rec.Resolved {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AnnotateDivergence(_ context.Context, id string, observedBalance int64, resolved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.divergences[id]
	if !ok {
		return apperr.NotFound("divergence %s not found", id)
	}
	rec.ObservedBalance = &observedBalance
	if resolved && !rec.Resolved {
		rec.Resolved = true
		at := time.Now().UTC()
		rec.ResolvedAt = &at
	}
	s.divergences[id] = rec
	return nil
}

// helpers ---------------------------------------------------------------------

var errForced = apperr.Invariant("forced bookkeeping failure")

func (s *Store) consumeForcedFailure() bool {
	if s.FailNextBookkeeping {
		s.FailNextBookkeeping = false
		return true
	}
	return false
}

func (s *Store) mutateBalanceLocked(m storage.LedgerMutation) error {
	acct, ok := s.accounts[m.AccountID]
	if !ok {
		return apperr.NotFound("account %s not found", m.AccountID)
	}
	delta := m.Amount
	if m.Type == account.EntryDebit {
		delta = -delta
	}
	if m.Guarded && acct.Balance+delta < 0 {
		return apperr.InsufficientFunds("account %s balance %d cannot cover %d", m.AccountID, acct.Balance, m.Amount)
	}
	acct.Balance += delta
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[m.AccountID] = acct

	s.entries[m.AccountID] = append(s.entries[m.AccountID], account.Entry{
		ID:          uuid.NewString(),
		AccountID:   m.AccountID,
		Amount:      m.Amount,
		Type:        m.Type,
		Description: m.Description,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (s *Store) appendWalletEventLocked(walletID string, from, to escrow.Status, reason string) {
	s.walletEvents[walletID] = append(s.walletEvents[walletID], escrow.Event{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		From:      from,
		To:        to,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) snapshotAccounts(muts []storage.LedgerMutation) map[string]accountState {
	snap := make(map[string]accountState, len(muts))
	for _, m := range muts {
		if _, ok := snap[m.AccountID]; ok {
			continue
		}
		acct, exists := s.accounts[m.AccountID]
		snap[m.AccountID] = accountState{
			acct:    acct,
			exists:  exists,
			entries: len(s.entries[m.AccountID]),
		}
	}
	return snap
}

func (s *Store) restoreAccounts(snap map[string]accountState) {
	for id, st := range snap {
		if st.exists {
			s.accounts[id] = st.acct
		}
		s.entries[id] = s.entries[id][:st.entries]
	}
}

type accountState struct {
	acct    account.Account
	exists  bool
	entries int
}
