package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/shiptrack/escrow_layer/internal/app/domain/divergence"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/storage/memory"
	"github.com/shiptrack/escrow_layer/internal/chain"
)

type fakeLedger struct {
	balances map[string]int64
}

func (f *fakeLedger) CreateKeypair() (chain.Keypair, error) {
	return chain.Keypair{}, fmt.Errorf("not used")
}

func (f *fakeLedger) GetBalance(_ context.Context, address string) (int64, error) {
	return f.balances[address], nil
}

func (f *fakeLedger) Transfer(_ context.Context, _, _ string, _ int64) (chain.TransferReceipt, error) {
	return chain.TransferReceipt{}, fmt.Errorf("not used")
}

func (f *fakeLedger) RequestTestFunds(_ context.Context, _ string) error {
	return fmt.Errorf("not used")
}

func TestSweepAnnotatesOpenDivergence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ledger := &fakeLedger{balances: map[string]int64{"escrow-addr": 252}}

	// The funding transfer confirmed but the books never committed, so the
	// wallet is still pending. The sweep must annotate and leave it open.
	wallet, err := store.CreateEscrowWallet(ctx, escrow.Wallet{
		ShipmentID: "ship-1",
		Address:    "escrow-addr",
		Credential: "sealed",
		Status:     escrow.StatusPending,
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	rec, err := store.CreateDivergence(ctx, divergence.Record{
		ShipmentID: "ship-1",
		WalletID:   wallet.ID,
		Stage:      divergence.StageFund,
		Amount:     252,
		Detail:     "funding confirmed but bookkeeping failed",
	})
	if err != nil {
		t.Fatalf("create divergence: %v", err)
	}

	svc := New(store, store, ledger, "@every 1h", nil)
	svc.Sweep(ctx)

	open, err := store.ListOpenDivergences(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open = %d, want 1; books never committed", len(open))
	}
	if open[0].ID != rec.ID {
		t.Fatalf("unexpected divergence %s", open[0].ID)
	}
	if open[0].ObservedBalance == nil || *open[0].ObservedBalance != 252 {
		t.Fatalf("observed balance not annotated: %+v", open[0].ObservedBalance)
	}
}

func TestSweepResolvesWhenBooksCaughtUp(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ledger := &fakeLedger{balances: map[string]int64{"escrow-addr": 252}}

	// An operator repaired the books after the diverged funding transfer,
	// so the wallet reached funded. The sweep closes the record.
	wallet, err := store.CreateEscrowWallet(ctx, escrow.Wallet{
		ShipmentID: "ship-2",
		Address:    "escrow-addr",
		Credential: "sealed",
		Status:     escrow.StatusFunded,
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if _, err := store.CreateDivergence(ctx, divergence.Record{
		ShipmentID: "ship-2",
		WalletID:   wallet.ID,
		Stage:      divergence.StageFund,
		Amount:     252,
		Detail:     "funding confirmed but bookkeeping failed",
	}); err != nil {
		t.Fatalf("create divergence: %v", err)
	}

	svc := New(store, store, ledger, "@every 1h", nil)
	svc.Sweep(ctx)

	open, err := store.ListOpenDivergences(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open = %d, want 0 after books caught up", len(open))
	}
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	svc := New(store, store, &fakeLedger{balances: map[string]int64{}}, "@every 1h", nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// second start is a no-op
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if svc.Name() != "reconcile" {
		t.Fatalf("name = %q", svc.Name())
	}
}
