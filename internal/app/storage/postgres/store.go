// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/divergence"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
)

// Store implements the storage interfaces over a sqlx handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.ShipmentStore = (*Store)(nil)
var _ storage.EscrowWalletStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.DivergenceStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- row types --------------------------------------------------------------

type accountRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Email         string    `db:"email"`
	Role          string    `db:"role"`
	WalletAddress string    `db:"wallet_address"`
	Credential    string    `db:"credential"`
	Balance       int64     `db:"balance"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r accountRow) toDomain() account.Account {
	return account.Account{
		ID:            r.ID,
		Name:          r.Name,
		Email:         r.Email,
		Role:          account.Role(r.Role),
		WalletAddress: r.WalletAddress,
		Credential:    r.Credential,
		Balance:       r.Balance,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type shipmentRow struct {
	ID               string         `db:"id"`
	Code             string         `db:"product_code"`
	TrackingNumber   string         `db:"tracking_number"`
	SellerID         string         `db:"seller_id"`
	LogisticsID      sql.NullString `db:"logistics_id"`
	ConsumerID       sql.NullString `db:"consumer_id"`
	Name             string         `db:"product_name"`
	Description      string         `db:"description"`
	SenderLocation   string         `db:"sender_location"`
	ReceiverLocation string         `db:"receiver_location"`
	WeightKG         float64        `db:"product_weight"`
	ValueUSD         float64        `db:"product_value"`
	DeliveryFeeUSD   float64        `db:"delivery_fee"`
	EscrowAmount     int64          `db:"escrow_amount"`
	DeliveryFeeUnits int64          `db:"delivery_fee_units"`
	EscrowWalletID   string         `db:"escrow_wallet_id"`
	Status           string         `db:"status"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	DeliveredAt      *time.Time     `db:"delivered_at"`
}

func (r shipmentRow) toDomain() shipment.Record {
	return shipment.Record{
		ID:               r.ID,
		Code:             r.Code,
		TrackingNumber:   r.TrackingNumber,
		SellerID:         r.SellerID,
		LogisticsID:      r.LogisticsID.String,
		ConsumerID:       r.ConsumerID.String,
		Name:             r.Name,
		Description:      r.Description,
		SenderLocation:   r.SenderLocation,
		ReceiverLocation: r.ReceiverLocation,
		WeightKG:         r.WeightKG,
		ValueUSD:         r.ValueUSD,
		DeliveryFeeUSD:   r.DeliveryFeeUSD,
		EscrowAmount:     r.EscrowAmount,
		DeliveryFeeUnits: r.DeliveryFeeUnits,
		EscrowWalletID:   r.EscrowWalletID,
		Status:           shipment.Status(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		DeliveredAt:      r.DeliveredAt,
	}
}

type walletRow struct {
	ID         string    `db:"id"`
	ShipmentID string    `db:"product_id"`
	Address    string    `db:"wallet_address"`
	Credential string    `db:"credential"`
	PublicKey  string    `db:"public_key"`
	Amount     int64     `db:"amount"`
	Status     string    `db:"status"`
	FailReason string    `db:"fail_reason"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r walletRow) toDomain() escrow.Wallet {
	return escrow.Wallet{
		ID:         r.ID,
		ShipmentID: r.ShipmentID,
		Address:    r.Address,
		Credential: r.Credential,
		PublicKey:  r.PublicKey,
		Amount:     r.Amount,
		Status:     escrow.Status(r.Status),
		FailReason: r.FailReason,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type divergenceRow struct {
	ID              string     `db:"id"`
	ShipmentID      string     `db:"product_id"`
	WalletID        string     `db:"wallet_id"`
	TxID            string     `db:"tx_id"`
	Stage           string     `db:"stage"`
	Amount          int64      `db:"amount"`
	FromAddress     string     `db:"from_address"`
	ToAddress       string     `db:"to_address"`
	Detail          string     `db:"detail"`
	ObservedBalance *int64     `db:"observed_balance"`
	Resolved        bool       `db:"resolved"`
	CreatedAt       time.Time  `db:"created_at"`
	ResolvedAt      *time.Time `db:"resolved_at"`
}

func (r divergenceRow) toDomain() divergence.Record {
	return divergence.Record{
		ID:              r.ID,
		ShipmentID:      r.ShipmentID,
		WalletID:        r.WalletID,
		TxID:            r.TxID,
		Stage:           divergence.Stage(r.Stage),
		Amount:          r.Amount,
		FromAddress:     r.FromAddress,
		ToAddress:       r.ToAddress,
		Detail:          r.Detail,
		ObservedBalance: r.ObservedBalance,
		Resolved:        r.Resolved,
		CreatedAt:       r.CreatedAt,
		ResolvedAt:      r.ResolvedAt,
	}
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, wallet_address, credential, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acct.ID, acct.Name, acct.Email, string(acct.Role), acct.WalletAddress, acct.Credential, acct.Balance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, classifyInsert("create account", err)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET name = $2, email = $3, role = $4, wallet_address = $5, credential = $6, updated_at = $7
		WHERE id = $1
	`, acct.ID, acct.Name, acct.Email, string(acct.Role), acct.WalletAddress, acct.Credential, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, apperr.Persistence("update account", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return account.Account{}, apperr.NotFound("account %s not found", acct.ID)
	}
	return s.GetAccount(ctx, acct.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, email, role, wallet_address, credential, balance, created_at, updated_at
		FROM users WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, apperr.NotFound("account %s not found", id)
	}
	if err != nil {
		return account.Account{}, apperr.Persistence("get account", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, email, role, wallet_address, credential, balance, created_at, updated_at
		FROM users WHERE email = $1
	`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, apperr.NotFound("no account for email %s", email)
	}
	if err != nil {
		return account.Account{}, apperr.Persistence("get account by email", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string) ([]account.Entry, error) {
	type entryRow struct {
		ID          string    `db:"id"`
		AccountID   string    `db:"user_id"`
		Amount      int64     `db:"amount"`
		Type        string    `db:"type"`
		Description string    `db:"description"`
		CreatedAt   time.Time `db:"created_at"`
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, amount, type, description, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, apperr.Persistence("list entries", err)
	}
	out := make([]account.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, account.Entry{
			ID:          r.ID,
			AccountID:   r.AccountID,
			Amount:      r.Amount,
			Type:        account.EntryType(r.Type),
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) ApplyMutation(ctx context.Context, m storage.LedgerMutation) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return applyMutation(ctx, tx, m)
	})
	if err != nil {
		return wrapPersistence("apply mutation", err)
	}
	return nil
}

// --- ShipmentStore ----------------------------------------------------------

const shipmentColumns = `id, product_code, tracking_number, seller_id, logistics_id, consumer_id,
	product_name, description, sender_location, receiver_location, product_weight,
	product_value, delivery_fee, escrow_amount, delivery_fee_units, escrow_wallet_id,
	status, created_at, updated_at, delivered_at`

func (s *Store) GetShipment(ctx context.Context, id string) (shipment.Record, error) {
	var row shipmentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+shipmentColumns+` FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return shipment.Record{}, apperr.NotFound("shipment %s not found", id)
	}
	if err != nil {
		return shipment.Record{}, apperr.Persistence("get shipment", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetShipmentByCode(ctx context.Context, code string) (shipment.Record, error) {
	var row shipmentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+shipmentColumns+` FROM products WHERE product_code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return shipment.Record{}, apperr.NotFound("shipment code %s not found", code)
	}
	if err != nil {
		return shipment.Record{}, apperr.Persistence("get shipment by code", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListShipments(ctx context.Context, sellerID string) ([]shipment.Record, error) {
	query := `SELECT ` + shipmentColumns + ` FROM products ORDER BY created_at DESC`
	args := []interface{}{}
	if sellerID != "" {
		query = `SELECT ` + shipmentColumns + ` FROM products WHERE seller_id = $1 ORDER BY created_at DESC`
		args = append(args, sellerID)
	}
	var rows []shipmentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Persistence("list shipments", err)
	}
	out := make([]shipment.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id string, from, to shipment.Status) (bool, error) {
	if !shipment.CanTransition(from, to) {
		return false, apperr.Invariant("illegal shipment transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx, transitionQuery(to), id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, apperr.Persistence("transition status", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Persistence("transition status", err)
	}
	return rows == 1, nil
}

// transitionQuery is the conditional update at the heart of the concurrency
// model: WHERE status = $from means at most one caller wins a race to perform
// the same transition.
func transitionQuery(to shipment.Status) string {
	if to == shipment.StatusDelivered {
		return `UPDATE products SET status = $3, updated_at = $4, delivered_at = $4 WHERE id = $1 AND status = $2`
	}
	return `UPDATE products SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
}

// --- EscrowWalletStore ------------------------------------------------------

const walletColumns = `id, product_id, wallet_address, credential, public_key, amount, status, fail_reason, created_at, updated_at`

func (s *Store) CreateEscrowWallet(ctx context.Context, w escrow.Wallet) (escrow.Wallet, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_details (id, product_id, wallet_address, credential, public_key, amount, status, fail_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $9)
	`, w.ID, w.ShipmentID, w.Address, w.Credential, w.PublicKey, w.Amount, string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return escrow.Wallet{}, classifyInsert("create escrow wallet", err)
	}
	return w, nil
}

func (s *Store) GetEscrowWallet(ctx context.Context, id string) (escrow.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM escrow_details WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Wallet{}, apperr.NotFound("escrow wallet %s not found", id)
	}
	if err != nil {
		return escrow.Wallet{}, apperr.Persistence("get escrow wallet", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetEscrowWalletByShipment(ctx context.Context, shipmentID string) (escrow.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM escrow_details WHERE product_id = $1`, shipmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Wallet{}, apperr.NotFound("no escrow wallet for shipment %s", shipmentID)
	}
	if err != nil {
		return escrow.Wallet{}, apperr.Persistence("get escrow wallet by shipment", err)
	}
	return row.toDomain(), nil
}

func (s *Store) SetWalletFunded(ctx context.Context, id string, amount int64) (bool, error) {
	return s.walletTransition(ctx, "set wallet funded", escrow.StatusPending, escrow.StatusFunded, "", `
		UPDATE escrow_details SET status = 'funded', amount = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, amount, time.Now().UTC())
}

func (s *Store) ClaimWalletRelease(ctx context.Context, id string) (bool, error) {
	return s.walletTransition(ctx, "claim wallet release", escrow.StatusFunded, escrow.StatusReleasing, "", `
		UPDATE escrow_details SET status = 'releasing', updated_at = $2
		WHERE id = $1 AND status = 'funded'
	`, id, time.Now().UTC())
}

func (s *Store) ReleaseWalletClaim(ctx context.Context, id string) (bool, error) {
	return s.walletTransition(ctx, "release wallet claim", escrow.StatusReleasing, escrow.StatusFunded, "release claim surrendered", `
		UPDATE escrow_details SET status = 'funded', updated_at = $2
		WHERE id = $1 AND status = 'releasing'
	`, id, time.Now().UTC())
}

// walletTransition runs one conditional status flip and, when it wins, the
// matching wallet_events append inside the same transaction.
func (s *Store) walletTransition(ctx context.Context, op string, from, to escrow.Status, reason, query string, id string, args ...interface{}) (bool, error) {
	won := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil
		}
		won = true
		return insertWalletEvent(ctx, tx, id, from, to, reason)
	})
	if err != nil {
		return false, wrapPersistence(op, err)
	}
	return won, nil
}

func (s *Store) SetWalletFailed(ctx context.Context, id, reason string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `SELECT status FROM escrow_details WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Invariant("wallet %s is completed or missing", id)
		}
		if err != nil {
			return err
		}
		if escrow.Status(current) == escrow.StatusCompleted {
			return apperr.Invariant("wallet %s is completed or missing", id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrow_details SET status = 'failed', fail_reason = $2, updated_at = $3
			WHERE id = $1
		`, id, reason, time.Now().UTC()); err != nil {
			return err
		}
		return insertWalletEvent(ctx, tx, id, escrow.Status(current), escrow.StatusFailed, reason)
	})
	if err != nil {
		return wrapPersistence("set wallet failed", err)
	}
	return nil
}

func (s *Store) ListWalletEvents(ctx context.Context, walletID string) ([]escrow.Event, error) {
	type eventRow struct {
		ID        string    `db:"id"`
		WalletID  string    `db:"wallet_id"`
		From      string    `db:"from_status"`
		To        string    `db:"to_status"`
		Reason    string    `db:"reason"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, wallet_id, from_status, to_status, reason, created_at
		FROM wallet_events WHERE wallet_id = $1 ORDER BY created_at
	`, walletID)
	if err != nil {
		return nil, apperr.Persistence("list wallet events", err)
	}
	out := make([]escrow.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, escrow.Event{
			ID:        r.ID,
			WalletID:  r.WalletID,
			From:      escrow.Status(r.From),
			To:        escrow.Status(r.To),
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func insertWalletEvent(ctx context.Context, tx *sqlx.Tx, walletID string, from, to escrow.Status, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_events (id, wallet_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), walletID, string(from), string(to), reason, time.Now().UTC())
	return err
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) ApplyEscrowFunding(ctx context.Context, rec shipment.Record, debit storage.LedgerMutation) (shipment.Record, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Status = shipment.StatusPending

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE escrow_details SET status = 'funded', amount = $2, updated_at = $3
			WHERE id = $1 AND status = 'pending'
		`, rec.EscrowWalletID, rec.EscrowAmount, now)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperr.Invariant("escrow wallet %s is not pending", rec.EscrowWalletID)
		}
		if err := insertWalletEvent(ctx, tx, rec.EscrowWalletID, escrow.StatusPending, escrow.StatusFunded, ""); err != nil {
			return err
		}

		if err := applyMutation(ctx, tx, debit); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO products (id, product_code, tracking_number, seller_id, logistics_id, consumer_id,
				product_name, description, sender_location, receiver_location, product_weight,
				product_value, delivery_fee, escrow_amount, delivery_fee_units, escrow_wallet_id,
				status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		`, rec.ID, rec.Code, rec.TrackingNumber, rec.SellerID, rec.LogisticsID, rec.ConsumerID,
			rec.Name, rec.Description, rec.SenderLocation, rec.ReceiverLocation, rec.WeightKG,
			rec.ValueUSD, rec.DeliveryFeeUSD, rec.EscrowAmount, rec.DeliveryFeeUnits, rec.EscrowWalletID,
			string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return shipment.Record{}, wrapPersistence("apply escrow funding", err)
	}
	return rec, nil
}

func (s *Store) ApplyHandover(ctx context.Context, shipmentID string, muts []storage.LedgerMutation) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET status = 'in_transit', updated_at = $2 WHERE id = $1 AND status = 'pending'`,
			shipmentID, time.Now().UTC())
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil // another caller already performed the transition
		}
		for _, m := range muts {
			if err := applyMutation(ctx, tx, m); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapPersistence("apply handover", err)
	}
	return applied, nil
}

func (s *Store) ApplyRelease(ctx context.Context, shipmentID, walletID string, muts []storage.LedgerMutation) (bool, error) {
	applied := false
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET status = 'delivered', updated_at = $2, delivered_at = $2 WHERE id = $1 AND status = 'in_transit'`,
			shipmentID, now)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil
		}
		for _, m := range muts {
			if err := applyMutation(ctx, tx, m); err != nil {
				return err
			}
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE escrow_details SET status = 'completed', updated_at = $2 WHERE id = $1 AND status = 'releasing'`,
			walletID, now)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperr.Invariant("escrow wallet %s is not releasing", walletID)
		}
		if err := insertWalletEvent(ctx, tx, walletID, escrow.StatusReleasing, escrow.StatusCompleted, ""); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapPersistence("apply release", err)
	}
	return applied, nil
}

// applyMutation writes one balance change and its audit row inside tx. The
// guarded form makes the debit conditional on sufficient balance at the row
// level, which also serializes concurrent spenders of the same account.
func applyMutation(ctx context.Context, tx *sqlx.Tx, m storage.LedgerMutation) error {
	var (
		res sql.Result
		err error
	)
	switch {
	case m.Type == account.EntryDebit && m.Guarded:
		res, err = tx.ExecContext(ctx,
			`UPDATE users SET balance = balance - $2, updated_at = $3 WHERE id = $1 AND balance >= $2`,
			m.AccountID, m.Amount, time.Now().UTC())
	case m.Type == account.EntryDebit:
		res, err = tx.ExecContext(ctx,
			`UPDATE users SET balance = balance - $2, updated_at = $3 WHERE id = $1`,
			m.AccountID, m.Amount, time.Now().UTC())
	default:
		res, err = tx.ExecContext(ctx,
			`UPDATE users SET balance = balance + $2, updated_at = $3 WHERE id = $1`,
			m.AccountID, m.Amount, time.Now().UTC())
	}
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if m.Guarded {
			return apperr.InsufficientFunds("account %s cannot cover %d", m.AccountID, m.Amount)
		}
		return apperr.NotFound("account %s not found", m.AccountID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), m.AccountID, m.Amount, string(m.Type), m.Description, time.Now().UTC())
	return err
}

// --- DivergenceStore --------------------------------------------------------

func (s *Store) CreateDivergence(ctx context.Context, rec divergence.Record) (divergence.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO divergences (id, product_id, wallet_id, tx_id, stage, amount, from_address, to_address, detail, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)
	`, rec.ID, rec.ShipmentID, rec.WalletID, rec.TxID, string(rec.Stage), rec.Amount, rec.FromAddress, rec.ToAddress, rec.Detail, rec.CreatedAt)
	if err != nil {
		return divergence.Record{}, apperr.Persistence("create divergence", err)
	}
	return rec, nil
}

func (s *Store) ListOpenDivergences(ctx context.Context) ([]divergence.Record, error) {
	var rows []divergenceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, product_id, wallet_id, tx_id, stage, amount, from_address, to_address, detail,
		       observed_balance, resolved, created_at, resolved_at
		FROM divergences WHERE resolved = false ORDER BY created_at
	`)
	if err != nil {
		return nil, apperr.Persistence("list open divergences", err)
	}
	out := make([]divergence.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) AnnotateDivergence(ctx context.Context, id string, observedBalance int64, resolved bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE divergences
		SET observed_balance = $2,
		    resolved = (resolved OR $3),
		    resolved_at = CASE WHEN resolved = false AND $3 THEN $4 ELSE resolved_at END
		WHERE id = $1
	`, id, observedBalance, resolved, time.Now().UTC())
	if err != nil {
		return apperr.Persistence("annotate divergence", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound("divergence %s not found", id)
	}
	return nil
}

// --- helpers ----------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// classifyInsert folds a unique-violation into the taxonomy so callers see an
// invariant breach (e.g. second wallet for one shipment) rather than a raw
// driver error.
func classifyInsert(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.Invariant("%s: duplicate key on %s", op, pqErr.Constraint)
	}
	return apperr.Persistence(op, err)
}

// wrapPersistence keeps taxonomy errors intact and wraps everything else.
func wrapPersistence(op string, err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	return apperr.Persistence(op, err)
}
