// Package config loads the escrow layer configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Config is the full application configuration. It is loaded once at startup
// and passed down explicitly; nothing reads it lazily at request time.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Ledger     LedgerConfig         `yaml:"ledger"`
	Oracle     OracleConfig         `yaml:"oracle"`
	Settlement SettlementConfig     `yaml:"settlement"`
	Redis      RedisConfig          `yaml:"redis"`
	Kafka      KafkaConfig          `yaml:"kafka"`
	Logging    logger.LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AuthDisabled    bool          `yaml:"auth_disabled"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RatePerSecond   int           `yaml:"rate_per_second"`
	RateBurst       int           `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

type LedgerConfig struct {
	RPCURL           string        `yaml:"rpc_url"`
	FaucetURL        string        `yaml:"faucet_url"`
	FaucetBackupURL  string        `yaml:"faucet_backup_url"`
	Timeout          time.Duration `yaml:"timeout"`
	TransferFeeUnits int64         `yaml:"transfer_fee_units"`
	TestFundsEnabled bool          `yaml:"test_funds_enabled"`
}

type OracleConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	AssetID      string        `yaml:"asset_id"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SettlementConfig carries the fee policy. The percentages are policy, not
// architecture; changing them must not require code changes.
type SettlementConfig struct {
	EscrowBufferPercent int    `yaml:"escrow_buffer_percent"`
	LogisticsShare      int    `yaml:"logistics_share_percent"`
	CredentialSecret    string `yaml:"credential_secret"`
	CredentialSalt      string `yaml:"credential_salt"`
	ReconcileSchedule   string `yaml:"reconcile_schedule"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// Load reads config.yaml from the working directory, falling back to
// defaults, then applies environment overrides.
func Load() (*Config, error) {
	return LoadFromPath("config.yaml")
}

// LoadFromPath reads configuration from a specific file. A missing file is
// not an error; defaults plus environment overrides apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RatePerSecond:   20,
			RateBurst:       40,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Ledger: LedgerConfig{
			Timeout:          30 * time.Second,
			TransferFeeUnits: 1000,
			TestFundsEnabled: true,
		},
		Oracle: OracleConfig{
			AssetID:      "sui",
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 250 * time.Millisecond,
		},
		Settlement: SettlementConfig{
			EscrowBufferPercent: 5,
			LogisticsShare:      95,
			ReconcileSchedule:   "@every 5m",
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("LEDGER_FAUCET_URL"); v != "" {
		cfg.Ledger.FaucetURL = v
	}
	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("CREDENTIAL_SECRET"); v != "" {
		cfg.Settlement.CredentialSecret = v
	}
	if v := os.Getenv("CREDENTIAL_SALT"); v != "" {
		cfg.Settlement.CredentialSalt = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKER"); v != "" {
		cfg.Kafka.Broker = v
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func (c *Config) validate() error {
	if c.Settlement.EscrowBufferPercent < 0 || c.Settlement.EscrowBufferPercent > 100 {
		return fmt.Errorf("settlement.escrow_buffer_percent must be in [0,100], got %d", c.Settlement.EscrowBufferPercent)
	}
	if c.Settlement.LogisticsShare < 0 || c.Settlement.LogisticsShare > 100 {
		return fmt.Errorf("settlement.logistics_share_percent must be in [0,100], got %d", c.Settlement.LogisticsShare)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
