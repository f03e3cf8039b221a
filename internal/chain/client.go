// Package chain talks to the external settlement ledger over JSON-RPC. The
// ledger is opaque: balances and transfers are observable only through its
// RPC surface, and a submitted transfer may land after an arbitrary delay.
package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrOutcomeUnknown reports that a transfer was submitted but the client
// cannot tell whether it executed. Callers must NOT retry the transfer;
// doing so risks moving the funds twice.
var ErrOutcomeUnknown = errors.New("ledger transfer outcome unknown")

// Ledger is the surface the settlement services program against.
type Ledger interface {
	CreateKeypair() (Keypair, error)
	GetBalance(ctx context.Context, address string) (int64, error)
	Transfer(ctx context.Context, fromCredential, toAddress string, amount int64) (TransferReceipt, error)
	RequestTestFunds(ctx context.Context, address string) error
}

// Config holds ledger client configuration.
type Config struct {
	RPCURL          string
	FaucetURL       string
	FaucetBackupURL string
	Timeout         time.Duration
	// MaxRetries bounds retries of idempotent reads (balance queries).
	// Transfers are never retried regardless of this setting.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client implements Ledger over HTTP JSON-RPC.
type Client struct {
	rpcURL          string
	faucetURL       string
	faucetBackupURL string
	httpClient      *http.Client
	maxRetries      int
	retryBackoff    time.Duration
}

var _ Ledger = (*Client)(nil)

// NewClient creates a ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		rpcURL:          cfg.RPCURL,
		faucetURL:       cfg.FaucetURL,
		faucetBackupURL: cfg.FaucetBackupURL,
		httpClient:      &http.Client{Timeout: timeout},
		maxRetries:      maxRetries,
		retryBackoff:    backoff,
	}, nil
}

// Call makes a JSON-RPC call to the ledger node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// CreateKeypair generates a new custodial wallet identity locally. The
// address is the hex SHA-256 of the public key, so no node round trip is
// needed to open a wallet.
func (c *Client) CreateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	sum := sha256.Sum256(pub)
	return Keypair{
		Address:    hex.EncodeToString(sum[:]),
		PublicKey:  hex.EncodeToString(pub),
		Credential: hex.EncodeToString(priv),
	}, nil
}

// GetBalance returns the current balance of an address. Balance queries are
// idempotent, so transient failures are retried with backoff.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}
		result, err := c.Call(ctx, "getbalance", []interface{}{address})
		if err != nil {
			lastErr = err
			continue
		}
		var out struct {
			Balance int64 `json:"balance"`
		}
		if err := json.Unmarshal(result, &out); err != nil {
			lastErr = fmt.Errorf("decode balance: %w", err)
			continue
		}
		return out.Balance, nil
	}
	return 0, fmt.Errorf("get balance for %s: %w", address, lastErr)
}

// Transfer submits a single transfer and never retries it. When the node
// cannot be reached or times out after submission the outcome is reported as
// ErrOutcomeUnknown so callers can record the divergence instead of
// resubmitting.
func (c *Client) Transfer(ctx context.Context, fromCredential, toAddress string, amount int64) (TransferReceipt, error) {
	if amount <= 0 {
		return TransferReceipt{}, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	priv, err := hex.DecodeString(fromCredential)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return TransferReceipt{}, fmt.Errorf("invalid transfer credential")
	}
	key := ed25519.PrivateKey(priv)

	pub := key.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	fromAddress := hex.EncodeToString(sum[:])

	payload := fmt.Sprintf("%s:%s:%d:%d", fromAddress, toAddress, amount, time.Now().UnixNano())
	signature := hex.EncodeToString(ed25519.Sign(key, []byte(payload)))

	result, err := c.Call(ctx, "transfer", []interface{}{fromAddress, toAddress, amount, payload, signature})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The node processed the request and rejected it; the
			// transfer definitively did not happen.
			return TransferReceipt{}, err
		}
		return TransferReceipt{}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}

	var out struct {
		TxID string `json:"txid"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return TransferReceipt{}, fmt.Errorf("%w: decode receipt: %v", ErrOutcomeUnknown, err)
	}
	return TransferReceipt{TxID: out.TxID}, nil
}

// RequestTestFunds asks the faucet to top up an address, falling back to the
// backup faucet when the primary fails. Faucet delivery is asynchronous;
// callers must re-check the balance afterwards.
func (c *Client) RequestTestFunds(ctx context.Context, address string) error {
	if c.faucetURL == "" {
		return fmt.Errorf("no faucet configured")
	}
	err := c.postFaucet(ctx, c.faucetURL, address)
	if err == nil {
		return nil
	}
	if c.faucetBackupURL == "" {
		return err
	}
	if backupErr := c.postFaucet(ctx, c.faucetBackupURL, address); backupErr != nil {
		return fmt.Errorf("faucet failed (primary: %v): %w", err, backupErr)
	}
	return nil
}

func (c *Client) postFaucet(ctx context.Context, faucetURL, address string) error {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return fmt.Errorf("marshal faucet request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, faucetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create faucet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute faucet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("faucet returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
