package escrowwallet

import (
	"context"
	"testing"

	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/storage/memory"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	cipher, err := secretstore.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	ledger, err := chain.NewClient(chain.Config{RPCURL: "http://ledger.invalid"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	store := memory.New()
	return New(store, ledger, cipher, nil), store
}

func TestCreateSealsCredential(t *testing.T) {
	svc, _ := newService(t)

	wallet, err := svc.Create(context.Background(), "ship-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wallet.Status != escrow.StatusPending {
		t.Fatalf("status = %s, want pending", wallet.Status)
	}
	if wallet.Address == "" || wallet.PublicKey == "" {
		t.Fatal("wallet identity incomplete")
	}

	// stored credential must not be usable as-is
	plain, err := svc.UnsealCredential(wallet)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if plain == wallet.Credential {
		t.Fatal("credential was stored in the clear")
	}
}

func TestMarkFundedIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	wallet, err := svc.Create(ctx, "ship-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.MarkFunded(ctx, wallet.ID, 252); err != nil {
		t.Fatalf("mark funded: %v", err)
	}
	// same amount again is a no-op
	if err := svc.MarkFunded(ctx, wallet.ID, 252); err != nil {
		t.Fatalf("repeat mark funded: %v", err)
	}
	// conflicting amount is an invariant breach
	err = svc.MarkFunded(ctx, wallet.ID, 300)
	if apperr.KindOf(err) != apperr.KindInvariant {
		t.Fatalf("want invariant error, got %v", err)
	}
}

func TestMarkFailedThenFundedRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	wallet, err := svc.Create(ctx, "ship-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.MarkFailed(ctx, wallet.ID, "funding window expired"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	err = svc.MarkFunded(ctx, wallet.ID, 100)
	if apperr.KindOf(err) != apperr.KindInvariant {
		t.Fatalf("want invariant error, got %v", err)
	}
}
