package postgres

import (
	"context"
	"os"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/apperr"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestTransitionStatusConditional(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE products SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`)).
		WithArgs("ship-1", "pending", "in_transit", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.TransitionStatus(context.Background(), "ship-1", shipment.StatusPending, shipment.StatusInTransit)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to win")
	}

	// second caller finds the row already moved
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE products SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`)).
		WithArgs("ship-1", "pending", "in_transit", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.TransitionStatus(context.Background(), "ship-1", shipment.StatusPending, shipment.StatusInTransit)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("expected no-op for lost race")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionStatusRejectsIllegalMove(t *testing.T) {
	store, mock := mockStore(t)

	// no SQL is issued for a move the state machine forbids
	_, err := store.TransitionStatus(context.Background(), "ship-1", shipment.StatusDelivered, shipment.StatusPending)
	if apperr.KindOf(err) != apperr.KindInvariant {
		t.Fatalf("want invariant error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyHandoverRollsBackOnGuardedDebit(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE products SET status = 'in_transit'`).
		WithArgs("ship-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// guarded debit finds insufficient balance
	mock.ExpectExec(`UPDATE users SET balance = balance - `).
		WithArgs("seller-1", int64(40), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	muts := []storage.LedgerMutation{
		{AccountID: "seller-1", Amount: 40, Type: account.EntryDebit, Description: "delivery fee", Guarded: true},
		{AccountID: "logi-1", Amount: 40, Type: account.EntryCredit, Description: "delivery fee"},
	}
	_, err := store.ApplyHandover(context.Background(), "ship-1", muts)
	if apperr.KindOf(err) != apperr.KindInsufficientFunds {
		t.Fatalf("want insufficient funds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyHandoverLostRaceCommitsNothing(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE products SET status = 'in_transit'`).
		WithArgs("ship-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := store.ApplyHandover(context.Background(), "ship-1", []storage.LedgerMutation{
		{AccountID: "seller-1", Amount: 40, Type: account.EntryDebit, Guarded: true},
	})
	if err != nil {
		t.Fatalf("handover: %v", err)
	}
	if applied {
		t.Fatal("expected no-op when transition already happened")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)

	ctx := context.Background()
	acct, err := store.CreateAccount(ctx, account.Account{
		Name:  "integration seller",
		Email: "seller@integration.test",
		Role:  account.RoleSeller,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	got, err := store.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Email != acct.Email {
		t.Fatalf("email mismatch: %s vs %s", got.Email, acct.Email)
	}
}
