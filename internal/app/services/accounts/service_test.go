package accounts

import (
	"context"
	"fmt"
	"testing"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/storage/memory"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
)

type fakeLedger struct {
	balances map[string]int64
	nextAddr int
}

func (f *fakeLedger) CreateKeypair() (chain.Keypair, error) {
	f.nextAddr++
	addr := fmt.Sprintf("addr-%d", f.nextAddr)
	f.balances[addr] = 0
	return chain.Keypair{Address: addr, PublicKey: "pub-" + addr, Credential: "cred:" + addr}, nil
}

func (f *fakeLedger) GetBalance(_ context.Context, address string) (int64, error) {
	return f.balances[address], nil
}

func (f *fakeLedger) Transfer(_ context.Context, _, _ string, _ int64) (chain.TransferReceipt, error) {
	return chain.TransferReceipt{}, fmt.Errorf("not used")
}

func (f *fakeLedger) RequestTestFunds(_ context.Context, address string) error {
	f.balances[address] += 500
	return nil
}

func newService(t *testing.T) (*Service, *fakeLedger) {
	t.Helper()
	cipher, err := secretstore.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	ledger := &fakeLedger{balances: make(map[string]int64)}
	return New(memory.New(), ledger, cipher, nil), ledger
}

func TestRegisterCreatesCustodialWallet(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "Ada", "Ada@Example.COM", account.RoleSeller)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.ID == "" || acct.WalletAddress == "" {
		t.Fatal("account incomplete")
	}
	if acct.Email != "ada@example.com" {
		t.Fatalf("email not normalised: %q", acct.Email)
	}
	if acct.Credential == "cred:"+acct.WalletAddress {
		t.Fatal("credential stored in the clear")
	}

	// duplicate email rejected
	_, err = svc.Register(ctx, "Other", "ada@example.com", account.RoleConsumer)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Register(context.Background(), "Ada", "ada@example.com", account.Role("admin"))
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestBalanceReportsBothSides(t *testing.T) {
	svc, ledger := newService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "Ada", "ada@example.com", account.RoleSeller)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger.balances[acct.WalletAddress] = 777

	view, err := svc.Balance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if view.Ledger != 777 {
		t.Fatalf("ledger balance = %d, want 777", view.Ledger)
	}
	if view.Recorded != 0 {
		t.Fatalf("recorded balance = %d, want 0", view.Recorded)
	}
}

func TestRequestTestFunds(t *testing.T) {
	svc, ledger := newService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "Ada", "ada@example.com", account.RoleSeller)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.RequestTestFunds(ctx, acct.ID); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if ledger.balances[acct.WalletAddress] != 500 {
		t.Fatalf("balance = %d, want 500", ledger.balances[acct.WalletAddress])
	}

	// the grant shows up on the recorded side too, with an audit entry
	view, err := svc.Balance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if view.Recorded != 500 {
		t.Fatalf("recorded balance = %d, want 500", view.Recorded)
	}
	entries, err := svc.Entries(ctx, acct.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != account.EntryCredit || entries[0].Amount != 500 {
		t.Fatalf("entries = %+v, want one credit of 500", entries)
	}

	if err := svc.RequestTestFunds(ctx, "missing"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("want not found, got %v", err)
	}
}
