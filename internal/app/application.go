package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shiptrack/escrow_layer/internal/app/services/accounts"
	deliverysvc "github.com/shiptrack/escrow_layer/internal/app/services/delivery"
	"github.com/shiptrack/escrow_layer/internal/app/services/escrowwallet"
	"github.com/shiptrack/escrow_layer/internal/app/services/events"
	pricefeedsvc "github.com/shiptrack/escrow_layer/internal/app/services/pricefeed"
	reconcilesvc "github.com/shiptrack/escrow_layer/internal/app/services/reconcile"
	settlementsvc "github.com/shiptrack/escrow_layer/internal/app/services/settlement"
	shipmentsvc "github.com/shiptrack/escrow_layer/internal/app/services/shipments"
	"github.com/shiptrack/escrow_layer/internal/app/storage"
	"github.com/shiptrack/escrow_layer/internal/app/storage/memory"
	"github.com/shiptrack/escrow_layer/internal/app/system"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts      storage.AccountStore
	Shipments     storage.ShipmentStore
	EscrowWallets storage.EscrowWalletStore
	Settlement    storage.SettlementStore
	Divergences   storage.DivergenceStore
}

// Options carries the non-store dependencies of the application.
type Options struct {
	// Ledger is the blockchain client. Required.
	Ledger chain.Ledger
	// Cipher seals custodial key material at rest. Required.
	Cipher *secretstore.Cipher
	// Oracle fetches the USD price of the ledger asset. Required.
	Oracle        pricefeedsvc.Fetcher
	OracleAssetID string
	OracleRetries int
	OracleBackoff time.Duration

	Settlement settlementsvc.Config

	// Publisher emits shipment lifecycle events. Nil disables publishing.
	Publisher *events.Publisher

	// ReconcileSchedule is a cron expression for the divergence sweep.
	// Empty uses the service default.
	ReconcileSchedule string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Accounts      *accounts.Service
	Shipments     *shipmentsvc.Service
	Delivery      *deliverysvc.Service
	Settlement    *settlementsvc.Service
	EscrowWallets *escrowwallet.Service
	PriceFeed     *pricefeedsvc.Service
	Reconcile     *reconcilesvc.Service
	Divergences   storage.DivergenceStore
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("application: ledger client is required")
	}
	if opts.Cipher == nil {
		return nil, fmt.Errorf("application: secret cipher is required")
	}
	if opts.Oracle == nil {
		return nil, fmt.Errorf("application: price oracle is required")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Shipments == nil {
		stores.Shipments = mem
	}
	if stores.EscrowWallets == nil {
		stores.EscrowWallets = mem
	}
	if stores.Settlement == nil {
		stores.Settlement = mem
	}
	if stores.Divergences == nil {
		stores.Divergences = mem
	}

	manager := system.NewManager()

	acctService := accounts.New(stores.Accounts, opts.Ledger, opts.Cipher, log)
	walletService := escrowwallet.New(stores.EscrowWallets, opts.Ledger, opts.Cipher, log)
	oracleService := pricefeedsvc.New(opts.Oracle, opts.OracleAssetID, opts.OracleRetries, opts.OracleBackoff, log)
	settlementService := settlementsvc.New(stores.Settlement, stores.EscrowWallets, stores.Divergences, stores.Accounts, opts.Ledger, opts.Cipher, opts.Settlement, opts.Publisher, log)
	shipmentService := shipmentsvc.New(stores.Accounts, stores.Shipments, walletService, oracleService, settlementService, opts.Publisher, log)
	deliveryService := deliverysvc.New(stores.Shipments, stores.EscrowWallets, stores.Accounts, stores.Settlement, settlementService, opts.Publisher, log)
	reconcileService := reconcilesvc.New(stores.Divergences, stores.EscrowWallets, opts.Ledger, opts.ReconcileSchedule, log)

	for _, name := range []string{"accounts", "shipments", "delivery"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(reconcileService); err != nil {
		return nil, fmt.Errorf("register %s: %w", reconcileService.Name(), err)
	}

	return &Application{
		manager:       manager,
		log:           log,
		Accounts:      acctService,
		Shipments:     shipmentService,
		Delivery:      deliveryService,
		Settlement:    settlementService,
		EscrowWallets: walletService,
		PriceFeed:     oracleService,
		Reconcile:     reconcileService,
		Divergences:   stores.Divergences,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
