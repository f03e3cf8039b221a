// Package runtime assembles the escrow layer from configuration: stores,
// ledger client, oracle, services, and the HTTP server.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/shiptrack/escrow_layer/internal/app"
	"github.com/shiptrack/escrow_layer/internal/app/httpapi"
	"github.com/shiptrack/escrow_layer/internal/app/metrics"
	"github.com/shiptrack/escrow_layer/internal/app/services/events"
	"github.com/shiptrack/escrow_layer/internal/app/services/pricefeed"
	"github.com/shiptrack/escrow_layer/internal/app/services/settlement"
	"github.com/shiptrack/escrow_layer/internal/app/storage/postgres"
	"github.com/shiptrack/escrow_layer/internal/chain"
	"github.com/shiptrack/escrow_layer/internal/config"
	"github.com/shiptrack/escrow_layer/internal/idempotency"
	"github.com/shiptrack/escrow_layer/internal/middleware"
	"github.com/shiptrack/escrow_layer/internal/platform/migrations"
	"github.com/shiptrack/escrow_layer/internal/secretstore"
	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg       *config.Config
	log       *logger.Logger
	app       *app.Application
	server    *http.Server
	db        *sqlx.DB
	redis     *redis.Client
	publisher *events.Publisher
}

// NewApplication constructs the application from config.yaml plus environment
// overrides.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig constructs the application from an explicit configuration.
func NewWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(cfg.Logging)

	cipher, err := buildCipher(cfg.Settlement)
	if err != nil {
		return nil, err
	}

	ledger, err := chain.NewClient(chain.Config{
		RPCURL:          cfg.Ledger.RPCURL,
		FaucetURL:       cfg.Ledger.FaucetURL,
		FaucetBackupURL: cfg.Ledger.FaucetBackupURL,
		Timeout:         cfg.Ledger.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}

	oracleClient := &http.Client{Timeout: cfg.Oracle.Timeout}
	fetcher, err := pricefeed.NewHTTPFetcher(oracleClient, cfg.Oracle.BaseURL, cfg.Oracle.APIKey, log)
	if err != nil {
		return nil, fmt.Errorf("price oracle: %w", err)
	}

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	var idem idempotency.Store
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		idem = idempotency.NewRedisStore(redisClient, 0)
	} else {
		log.Warn("redis not configured; idempotency keys are process-local")
		idem = idempotency.NewMemoryStore()
	}

	var publisher *events.Publisher
	if cfg.Kafka.Broker != "" {
		publisher = events.New(cfg.Kafka.Broker, cfg.Kafka.Topic, log)
	} else {
		log.Warn("kafka not configured; shipment events disabled")
	}

	application, err := app.New(stores, app.Options{
		Ledger:        ledger,
		Cipher:        cipher,
		Oracle:        fetcher,
		OracleAssetID: cfg.Oracle.AssetID,
		OracleRetries: cfg.Oracle.MaxRetries,
		OracleBackoff: cfg.Oracle.RetryBackoff,
		Settlement: settlement.Config{
			BufferPercent:         cfg.Settlement.EscrowBufferPercent,
			LogisticsSharePercent: cfg.Settlement.LogisticsShare,
			TransferFeeUnits:      cfg.Ledger.TransferFeeUnits,
			TestFundsEnabled:      cfg.Ledger.TestFundsEnabled,
		},
		Publisher:         publisher,
		ReconcileSchedule: cfg.Settlement.ReconcileSchedule,
	}, log)
	if err != nil {
		return nil, err
	}

	api, err := httpapi.NewHandler(application, httpapi.Config{
		Idempotency: idem,
		AuditFile:   os.Getenv("AUDIT_LOG_FILE"),
	}, log)
	if err != nil {
		return nil, err
	}
	handler := buildMiddleware(cfg.Server, api, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", metrics.InstrumentHandler(handler))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:       cfg,
		log:       log,
		app:       application,
		server:    server,
		db:        db,
		redis:     redisClient,
		publisher: publisher,
	}, nil
}

// Run starts the managed services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server, stops services, and closes connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.WithError(err).Warn("error closing event publisher")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

// buildCipher derives the sealing key for custodial credentials. The salt
// must be stable across restarts or previously sealed credentials become
// unreadable.
func buildCipher(cfg config.SettlementConfig) (*secretstore.Cipher, error) {
	if cfg.CredentialSecret == "" {
		return nil, fmt.Errorf("settlement.credential_secret is required")
	}
	if cfg.CredentialSalt != "" {
		return secretstore.NewCipherWithSalt(cfg.CredentialSecret, cfg.CredentialSalt)
	}
	cipher, err := secretstore.NewCipher(cfg.CredentialSecret)
	if err != nil {
		return nil, err
	}
	// A generated salt only survives this process. Operators should persist
	// it via settlement.credential_salt.
	return cipher, nil
}

func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sqlx.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("database not configured; using in-memory stores")
		return app.Stores{}, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := migrations.Up(db.DB); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	store := postgres.New(db)
	return app.Stores{
		Accounts:      store,
		Shipments:     store,
		EscrowWallets: store,
		Settlement:    store,
		Divergences:   store,
	}, db, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildMiddleware layers CORS, authentication, and rate limiting around the
// API. Public read endpoints skip authentication.
func buildMiddleware(cfg config.ServerConfig, next http.Handler, log *logger.Logger) http.Handler {
	limiter := middleware.NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst, log)
	limiter.StartCleanup(10 * time.Minute)
	handler := limiter.Handler(next)

	if cfg.AuthDisabled || cfg.JWTSecret == "" {
		log.Warn("authentication disabled; all endpoints are public")
	} else {
		auth := middleware.NewAuthMiddleware(cfg.JWTSecret, log, []string{
			"/healthz",
			"/users",
			"/track/",
		})
		handler = auth.Handler(handler)
	}

	cors := middleware.NewCORSMiddleware([]string{"*"})
	return cors.Handler(handler)
}
