package shipments

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/domain/escrow"
	"github.com/shiptrack/escrow_layer/internal/app/domain/shipment"
	"github.com/shiptrack/escrow_layer/internal/app/services/escrowwallet"
	"github.com/shiptrack/escrow_layer/internal/app/services/pricefeed"
	"github.com/shiptrack/escrow_layer/internal/app/services/settlement"
	"github.com/shiptrack/escrow_layer/internal/app/storage/memory"
	"github.com/shiptrack/escrow_layer/internal/apperr"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
)

type fakeLedger struct {
	balances  map[string]int64
	nextAddr  int
	transfers int
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

func (f *fakeLedger) Transfer(_ context.Context, fromCredential, toAddress string, amount int64) (chain.TransferReceipt, error) {
	f.transfers++
	from := strings.TrimPrefix(fromCredential, "cred:")
	if f.balances[from] < amount {
		return chain.TransferReceipt{}, &chain.RPCError{Code: -100, Message: "insufficient balance"}
	}
	f.balances[from] -= amount
	f.balances[toAddress] += amount
	return chain.TransferReceipt{TxID: fmt.Sprintf("tx-%d", f.transfers)}, nil
}

func (f *fakeLedger) RequestTestFunds(_ context.Context, address string) error {
	f.balances[address] += 1000
	return nil
}

type fixture struct {
	svc       *Service
	store     *memory.Store
	ledger    *fakeLedger
	seller    account.Account
	logistics account.Account
}

func newFixture(t *testing.T, priceUSD float64) *fixture {
	t.Helper()
	ctx := context.Background()

	cipher, err := secretstore.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	store := memory.New()
	ledger := &fakeLedger{balances: make(map[string]int64)}

	oracle := pricefeed.New(pricefeed.FetcherFunc(func(ctx context.Context, assetID string) (float64, string, error) {
		if priceUSD <= 0 {
			return 0, "", fmt.Errorf("oracle down")
		}
		return priceUSD, "test", nil
	}), "shiptoken", 2, time.Millisecond, nil)

	wallets := escrowwallet.New(store, ledger, cipher, nil)
	settler := settlement.New(store, store, store, store, ledger, cipher, settlement.Config{
		BufferPercent:         5,
		LogisticsSharePercent: 95,
		TransferFeeUnits:      1,
		TestFundsEnabled:      true,
	}, nil, nil)
	svc := New(store, store, wallets, oracle, settler, nil, nil)

	seal := func(s string) string {
		out, err := cipher.Seal(s)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		return out
	}

	ledger.balances["seller-wallet"] = 1000
	seller, err := store.CreateAccount(ctx, account.Account{
		Name: "seller", Email: "seller@test", Role: account.RoleSeller,
		WalletAddress: "seller-wallet", Credential: seal("cred:seller-wallet"), Balance: 1000,
	})
	if err != nil {
		t.Fatalf("create seller: %v", err)
	}
	logistics, err := store.CreateAccount(ctx, account.Account{
		Name: "courier", Email: "courier@test", Role: account.RoleLogistics,
		WalletAddress: "courier-wallet", Credential: seal("cred:courier-wallet"),
	})
	if err != nil {
		t.Fatalf("create logistics: %v", err)
	}

	return &fixture{svc: svc, store: store, ledger: ledger, seller: seller, logistics: logistics}
}

func validInput(fx *fixture) CreateInput {
	return CreateInput{
		SellerID:         fx.seller.ID,
		LogisticsID:      fx.logistics.ID,
		Name:             "crate of parts",
		Description:      "spare parts",
		SenderLocation:   "Lagos",
		ReceiverLocation: "Abuja",
		WeightKG:         12.5,
		ValueUSD:         100,
		DeliveryFeeUSD:   20,
	}
}

func TestCreateFundsEscrowAtLiveRate(t *testing.T) {
	fx := newFixture(t, 0.5) // 2 units per USD
	ctx := context.Background()

	rec, err := fx.svc.Create(ctx, validInput(fx))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.EscrowAmount != 252 {
		t.Fatalf("escrow = %d, want 252", rec.EscrowAmount)
	}
	if rec.DeliveryFeeUnits != 40 {
		t.Fatalf("fee units = %d, want 40", rec.DeliveryFeeUnits)
	}
	if len(rec.Code) != 5 {
		t.Fatalf("code = %q, want 5 chars", rec.Code)
	}
	if !strings.HasPrefix(rec.TrackingNumber, "TRK") {
		t.Fatalf("tracking number = %q", rec.TrackingNumber)
	}
	if rec.Status != shipment.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	wallet, err := fx.store.GetEscrowWalletByShipment(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if wallet.Status != escrow.StatusFunded {
		t.Fatalf("wallet status = %s, want funded", wallet.Status)
	}
	if got := fx.ledger.balances[wallet.Address]; got != 252 {
		t.Fatalf("escrow balance = %d, want 252", got)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	fx := newFixture(t, 0.5)
	ctx := context.Background()

	in := validInput(fx)
	in.ValueUSD = 0
	if _, err := fx.svc.Create(ctx, in); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("want validation error, got %v", err)
	}

	in = validInput(fx)
	in.SellerID = fx.logistics.ID // wrong role
	if _, err := fx.svc.Create(ctx, in); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestCreateOracleOutageLeavesNoShipment(t *testing.T) {
	fx := newFixture(t, 0) // oracle always fails
	ctx := context.Background()

	_, err := fx.svc.Create(ctx, validInput(fx))
	if apperr.KindOf(err) != apperr.KindOracleUnavailable {
		t.Fatalf("want oracle unavailable, got %v", err)
	}
	list, err := fx.store.ListShipments(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("shipments = %d, want 0", len(list))
	}
}

func TestTrackByCode(t *testing.T) {
	fx := newFixture(t, 0.5)
	ctx := context.Background()

	rec, err := fx.svc.Create(ctx, validInput(fx))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := fx.svc.Track(ctx, strings.ToLower(rec.Code))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("tracked %s, want %s", got.ID, rec.ID)
	}

	if _, err := fx.svc.Track(ctx, "ZZZZ2"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestListFiltersBySeller(t *testing.T) {
	fx := newFixture(t, 0.5)
	ctx := context.Background()

	if _, err := fx.svc.Create(ctx, validInput(fx)); err != nil {
		t.Fatalf("create: %v", err)
	}

	mine, err := fx.svc.List(ctx, fx.seller.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("seller shipments = %d, want 1", len(mine))
	}
	other, err := fx.svc.List(ctx, fx.logistics.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("other shipments = %d, want 0", len(other))
	}
}
