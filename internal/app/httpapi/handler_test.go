package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	app "github.com/shiptrack/escrow_layer/internal/app"
	"github.com/shiptrack/escrow_layer/internal/app/domain/account"
	"github.com/shiptrack/escrow_layer/internal/app/services/pricefeed"
	"github.com/shiptrack/escrow_layer/internal/app/services/settlement"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/app/storage/memory"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/middleware"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
)

// fakeLedger keeps balances in memory. Credentials are "cred:" + address so
// transfers can resolve their sender without real keys.
type fakeLedger struct {
	balances  map[string]int64
	transfers int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64)}
}

func (f *fakeLedger) CreateKeypair() (chain.Keypair, error) {
	addr := fmt.Sprintf("addr-%d", len(f.balances)+1)
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
	f.balances[address] += 100
	return nil
}

type apiFixture struct {
	handler http.Handler
	app     *app.Application
	store   *memory.Store
	ledger  *fakeLedger
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cipher, err := secretstore.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	store := memory.New()
	ledger := newFakeLedger()
	application, err := app.New(app.Stores{
		Accounts:      store,
		Shipments:     store,
		EscrowWallets: store,
		Settlement:    store,
		Divergences:   store,
	}, app.Options{
		Ledger:        ledger,
		Cipher:        cipher,
		Oracle:        pricefeed.FetcherFunc(fixedPrice(0.5)),
		OracleAssetID: "gas",
		Settlement:    settlement.Config{BufferPercent: 5, LogisticsSharePercent: 95},
	}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	h, err := NewHandler(application, Config{}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &apiFixture{handler: h, app: application, store: store, ledger: ledger}
}

func fixedPrice(usd float64) func(context.Context, string) (float64, string, error) {
	return func(context.Context, string) (float64, string, error) {
		return usd, "fixed", nil
	}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)
	return rr
}

func (fx *apiFixture) registerUser(t *testing.T, name, role string, balance int64) accountView {
	t.Helper()
	rr := fx.do(t, http.MethodPost, "/users", map[string]string{
		"name":  name,
		"email": name + "@test",
		"role":  role,
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", name, rr.Code, rr.Body.String())
	}
	var view accountView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if balance > 0 {
		fx.ledger.balances[view.WalletAddress] = balance
		if err := fx.store.ApplyMutation(context.Background(), storage.LedgerMutation{
			AccountID:   view.ID,
			Amount:      balance,
			Type:        account.EntryCredit,
			Description: "initial funds",
		}); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return view
}

func TestShipmentLifecycleOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	seller := fx.registerUser(t, "seller", "seller", 300)
	logistics := fx.registerUser(t, "logistics", "logistics", 0)
	consumer := fx.registerUser(t, "consumer", "consumer", 0)

	createBody := map[string]interface{}{
		"seller_id":         seller.ID,
		"logistics_id":      logistics.ID,
		"consumer_id":       consumer.ID,
		"name":              "ceramic vase",
		"sender_location":   "Lisbon",
		"receiver_location": "Porto",
		"weight_kg":         1.5,
		"value_usd":         100.0,
		"delivery_fee_usd":  20.0,
	}
	rr := fx.do(t, http.MethodPost, "/shipments", createBody, map[string]string{"Idempotency-Key": "k1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create shipment: status %d body %s", rr.Code, rr.Body.String())
	}
	var created shipmentView
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode shipment: %v", err)
	}
	// 0.5 USD per unit means rate 2: ceil(120 * 2 * 1.05) = 252, fee 40.
	if created.EscrowAmount != 252 || created.DeliveryFeeUnits != 40 {
		t.Fatalf("quote = %d/%d, want 252/40", created.EscrowAmount, created.DeliveryFeeUnits)
	}
	if created.Status != "pending" {
		t.Fatalf("status = %q, want pending", created.Status)
	}
	if len(created.Code) != 5 {
		t.Fatalf("code = %q, want 5 chars", created.Code)
	}

	// Replaying the same idempotency key returns the stored response and
	// creates nothing.
	replay := fx.do(t, http.MethodPost, "/shipments", createBody, map[string]string{"Idempotency-Key": "k1"})
	if replay.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", replay.Code)
	}
	if replay.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay not marked")
	}
	if !bytes.Equal(bytes.TrimSpace(replay.Body.Bytes()), bytes.TrimSpace(rr.Body.Bytes())) {
		t.Fatalf("replay body differs")
	}
	list := fx.do(t, http.MethodGet, "/shipments", nil, nil)
	var all []shipmentView
	if err := json.Unmarshal(list.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("shipments = %d, want 1", len(all))
	}

	rr = fx.do(t, http.MethodPost, "/shipments/"+created.ID+"/handover", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("handover: status %d body %s", rr.Code, rr.Body.String())
	}
	var afterHandover shipmentView
	if err := json.Unmarshal(rr.Body.Bytes(), &afterHandover); err != nil {
		t.Fatalf("decode handover: %v", err)
	}
	if afterHandover.Status != "in_transit" {
		t.Fatalf("status = %q, want in_transit", afterHandover.Status)
	}

	transfersBefore := fx.ledger.transfers
	rr = fx.do(t, http.MethodPost, "/shipments/"+created.ID+"/complete", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rr.Code, rr.Body.String())
	}
	if got := fx.ledger.transfers - transfersBefore; got != 2 {
		t.Fatalf("release transfers = %d, want 2", got)
	}
	// floor(40 * 95%) = 38 to logistics, remainder 214 to the seller.
	if got := fx.ledger.balances[logistics.WalletAddress]; got != 38 {
		t.Fatalf("logistics ledger balance = %d, want 38", got)
	}
	if got := fx.ledger.balances[seller.WalletAddress]; got != 300-252+214 {
		t.Fatalf("seller ledger balance = %d, want %d", got, 300-252+214)
	}

	// Completing again settles nothing further.
	rr = fx.do(t, http.MethodPost, "/shipments/"+created.ID+"/complete", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("repeat complete: status %d", rr.Code)
	}
	if fx.ledger.transfers != transfersBefore+2 {
		t.Fatalf("repeat complete moved funds")
	}

	track := fx.do(t, http.MethodGet, "/track/"+created.Code, nil, nil)
	if track.Code != http.StatusOK {
		t.Fatalf("track: status %d", track.Code)
	}
	var tracked trackView
	if err := json.Unmarshal(track.Body.Bytes(), &tracked); err != nil {
		t.Fatalf("decode track: %v", err)
	}
	if tracked.Status != "delivered" || tracked.DeliveredAt == nil {
		t.Fatalf("tracked = %+v, want delivered with timestamp", tracked)
	}
	if strings.Contains(track.Body.String(), seller.ID) {
		t.Fatalf("public tracking leaks party identifiers")
	}

	balance := fx.do(t, http.MethodGet, "/users/"+seller.ID+"/balance", nil, nil)
	var bal struct {
		Recorded int64 `json:"recorded"`
		Ledger   int64 `json:"ledger"`
	}
	if err := json.Unmarshal(balance.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	// Recorded: 300 - 252 escrow - 40 fee + 214 release = 222.
	if bal.Recorded != 222 {
		t.Fatalf("recorded = %d, want 222", bal.Recorded)
	}
	if bal.Ledger != 262 {
		t.Fatalf("ledger = %d, want 262", bal.Ledger)
	}

	divs := fx.do(t, http.MethodGet, "/divergences", nil, nil)
	if body := strings.TrimSpace(divs.Body.String()); body != "[]" {
		t.Fatalf("open divergences = %s, want none", body)
	}

	audit := fx.do(t, http.MethodGet, "/audit", nil, nil)
	var entries []auditEntry
	if err := json.Unmarshal(audit.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) < 5 {
		t.Fatalf("audit entries = %d, want the mutating requests", len(entries))
	}
	for _, e := range entries {
		if e.Method == http.MethodGet {
			t.Fatalf("audit recorded a read: %+v", e)
		}
	}
}

func TestCreateShipmentRejectsUnknownFields(t *testing.T) {
	fx := newAPIFixture(t)
	rr := fx.do(t, http.MethodPost, "/shipments", map[string]interface{}{"bogus": true}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateShipmentOracleOutage(t *testing.T) {
	fx := newAPIFixture(t)
	seller := fx.registerUser(t, "seller", "seller", 300)
	logistics := fx.registerUser(t, "logistics", "logistics", 0)

	// Rebuild the app with a failing oracle against the same store.
	cipher, err := secretstore.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	application, err := app.New(app.Stores{
		Accounts:      fx.store,
		Shipments:     fx.store,
		EscrowWallets: fx.store,
		Settlement:    fx.store,
		Divergences:   fx.store,
	}, app.Options{
		Ledger: fx.ledger,
		Cipher: cipher,
		Oracle: pricefeed.FetcherFunc(func(context.Context, string) (float64, string, error) {
			return 0, "", fmt.Errorf("oracle down")
		}),
	}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	h, err := NewHandler(application, Config{}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	fx.handler = h

	rr := fx.do(t, http.MethodPost, "/shipments", map[string]interface{}{
		"seller_id":         seller.ID,
		"logistics_id":      logistics.ID,
		"name":              "vase",
		"sender_location":   "A",
		"receiver_location": "B",
		"weight_kg":         1.0,
		"value_usd":         100.0,
		"delivery_fee_usd":  20.0,
	}, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestTrackUnknownCode(t *testing.T) {
	fx := newAPIFixture(t)
	rr := fx.do(t, http.MethodGet, "/track/ZZZZ2", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestMilestoneRoleRejected(t *testing.T) {
	fx := newAPIFixture(t)
	seller := fx.registerUser(t, "seller", "seller", 300)
	logistics := fx.registerUser(t, "logistics", "logistics", 0)

	rr := fx.do(t, http.MethodPost, "/shipments", map[string]interface{}{
		"seller_id":         seller.ID,
		"logistics_id":      logistics.ID,
		"name":              "vase",
		"sender_location":   "A",
		"receiver_location": "B",
		"weight_kg":         1.0,
		"value_usd":         100.0,
		"delivery_fee_usd":  20.0,
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rr.Code, rr.Body.String())
	}
	var created shipmentView
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// A consumer token cannot trigger handover.
	const secret = "role-test-secret"
	auth := middleware.NewAuthMiddleware(secret, nil, nil)
	protected := auth.Handler(fx.handler)

	claims := middleware.Claims{
		UserID: "consumer-1",
		Role:   "consumer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/shipments/"+created.ID+"/handover", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestFaucetCreditsRecordedBalance(t *testing.T) {
	fx := newAPIFixture(t)
	user := fx.registerUser(t, "buyer", "consumer", 0)

	rr := fx.do(t, http.MethodPost, "/users/"+user.ID+"/faucet", nil, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("faucet: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = fx.do(t, http.MethodGet, "/users/"+user.ID+"/balance", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("balance: status %d body %s", rr.Code, rr.Body.String())
	}
	var view struct {
		Recorded int64 `json:"recorded"`
		Ledger   int64 `json:"ledger"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Ledger != 100 {
		t.Fatalf("ledger balance = %d, want 100", view.Ledger)
	}
	if view.Recorded != 100 {
		t.Fatalf("recorded balance = %d, want 100", view.Recorded)
	}
}
