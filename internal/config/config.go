// Package config loads service configuration from an optional YAML file,
// a .env file and VAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Cron      CronConfig      `mapstructure:"cron"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// EmbeddedWorker runs ingestion and execution inside the server, fed by
	// the server's own purchases.
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
}

// WorkerConfig is read by cmd/worker only.
type WorkerConfig struct {
	Addr string `mapstructure:"addr"` // health and metrics listener
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	DevIssuer bool          `mapstructure:"dev_issuer"`
}

type LedgerConfig struct {
	Creator      string        `mapstructure:"creator"`
	Settler      string        `mapstructure:"settler"`
	Principal    string        `mapstructure:"principal"`
	Vault        string        `mapstructure:"vault"`
	FeeAccount   string        `mapstructure:"fee_account"`
	HedgeTimeout time.Duration `mapstructure:"hedge_timeout"`
}

type IngestConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	FromBlock       uint64        `mapstructure:"from_block"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       uint64        `mapstructure:"batch_size"`
	ReplayDepth     uint64        `mapstructure:"replay_depth"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	SeenCapacity    int           `mapstructure:"seen_capacity"`
	SeenTTL         time.Duration `mapstructure:"seen_ttl"`
	CheckpointDSN   string        `mapstructure:"checkpoint_dsn"`
	CatalogURL      string        `mapstructure:"catalog_url"`
}

type ExecutionConfig struct {
	MaxInFlight int64         `mapstructure:"max_in_flight"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Lease is how long a reserved event stays with one executor.
	Lease       time.Duration `mapstructure:"lease"`
}

type VenuesConfig struct {
	Paper   bool        `mapstructure:"paper"`
	Markets VenueConfig `mapstructure:"markets"`
	Hedges  VenueConfig `mapstructure:"hedges"`
}

type VenueConfig struct {
	Name     string  `mapstructure:"name"`
	BaseURL  string  `mapstructure:"base_url"`
	APIKey   string  `mapstructure:"api_key"`
	RatePerS float64 `mapstructure:"rate_per_second"`
	Burst    int     `mapstructure:"burst"`
}

type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaturityWatch string `mapstructure:"maturity_watch"`
}

// Production reports whether the service runs with ENV=production.
func (c Config) Production() bool { return strings.EqualFold(c.Env, "production") }

// Load reads configuration. path may be empty or point at a missing file;
// defaults and the environment still apply. Load checks the settings both
// binaries share; the server additionally calls ValidateServer.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.embedded_worker", false)
	v.SetDefault("worker.addr", ":9091")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.dev_issuer", false)
	v.SetDefault("ledger.creator", "")
	v.SetDefault("ledger.settler", "")
	v.SetDefault("ledger.principal", "vault-ledger")
	v.SetDefault("ledger.vault", "vault")
	v.SetDefault("ledger.fee_account", "protocol-fees")
	v.SetDefault("ledger.hedge_timeout", "10s")
	v.SetDefault("ingest.rpc_url", "")
	v.SetDefault("ingest.contract_address", "0x0000000000000000000000000000000000000000")
	v.SetDefault("ingest.from_block", 0)
	v.SetDefault("ingest.poll_interval", "5s")
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.replay_depth", 12)
	v.SetDefault("ingest.confirmations", 2)
	v.SetDefault("ingest.seen_capacity", 50_000)
	v.SetDefault("ingest.seen_ttl", "48h")
	v.SetDefault("ingest.checkpoint_dsn", "")
	v.SetDefault("ingest.catalog_url", "http://localhost:8080")
	v.SetDefault("execution.max_in_flight", 8)
	v.SetDefault("execution.max_attempts", 4)
	v.SetDefault("execution.base_backoff", "500ms")
	v.SetDefault("execution.max_backoff", "10s")
	v.SetDefault("execution.call_timeout", "15s")
	v.SetDefault("execution.lease", "5m")
	v.SetDefault("venues.paper", true)
	v.SetDefault("venues.markets.name", "polymarket")
	v.SetDefault("venues.markets.base_url", "")
	v.SetDefault("venues.markets.api_key", "")
	v.SetDefault("venues.markets.rate_per_second", 10)
	v.SetDefault("venues.markets.burst", 5)
	v.SetDefault("venues.hedges.name", "gmx")
	v.SetDefault("venues.hedges.base_url", "")
	v.SetDefault("venues.hedges.api_key", "")
	v.SetDefault("venues.hedges.rate_per_second", 5)
	v.SetDefault("venues.hedges.burst", 2)
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.maturity_watch", "@every 1m")
}

// Validate checks settings shared by the server and the worker.
func (c Config) Validate() error {
	var errs []error
	if !c.Venues.Paper && (c.Venues.Markets.BaseURL == "" || c.Venues.Hedges.BaseURL == "") {
		errs = append(errs, errors.New("venue base URLs are required unless venues.paper is set"))
	}
	if c.Execution.MaxInFlight <= 0 {
		errs = append(errs, errors.New("execution.max_in_flight must be positive"))
	}
	return joinErrs(errs)
}

// ValidateServer checks the settings the ledger server cannot run without.
func (c Config) ValidateServer() error {
	var errs []error
	if c.Ledger.Creator == "" {
		errs = append(errs, errors.New("ledger.creator is required"))
	}
	if c.Ledger.Settler == "" {
		errs = append(errs, errors.New("ledger.settler is required"))
	}
	if c.Production() && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes in production"))
	}
	if c.Production() && c.Auth.DevIssuer {
		errs = append(errs, errors.New("auth.dev_issuer must be off in production"))
	}
	return joinErrs(errs)
}

func joinErrs(errs []error) error {
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
