package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rentalpay/crypto"
)

type LedgerConfig struct {
	DataDir       string        `yaml:"dataDir"`
	Admin         string        `yaml:"admin"`
	CommissionBps uint32        `yaml:"commissionBps"`
	DisputeWindow time.Duration `yaml:"disputeWindow"`
}

type ReleaseConfig struct {
	RequireEnded bool `yaml:"requireEnded"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwtSecret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	TokenTTL       time.Duration `yaml:"tokenTTL"`
	ClockSkew      time.Duration `yaml:"clockSkew"`
	ChallengeTTL   time.Duration `yaml:"challengeTTL"`
	ChallengeStore string        `yaml:"challengeStore"`
}

type RateLimitConfig struct {
	ID            string  `yaml:"id"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type ObservabilityConfig struct {
	ServiceName   string        `yaml:"serviceName"`
	Environment   string        `yaml:"environment"`
	LogLevel      string        `yaml:"logLevel"`
	LogFile       LogFileConfig `yaml:"logFile"`
	LogRequests   bool          `yaml:"logRequests"`
	Metrics       bool          `yaml:"metrics"`
	MetricsPrefix string        `yaml:"metricsPrefix"`
	Tracing       bool          `yaml:"tracing"`
	OTLPEndpoint  string        `yaml:"otlpEndpoint"`
	OTLPInsecure  bool          `yaml:"otlpInsecure"`
	OTLPHeaders   string        `yaml:"otlpHeaders"`
	SampleRatio   float64       `yaml:"sampleRatio"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type WebhookConfig struct {
	QueueCapacity   int           `yaml:"queueCapacity"`
	HistoryCapacity int           `yaml:"historyCapacity"`
	TTL             time.Duration `yaml:"ttl"`
	Workers         int           `yaml:"workers"`
	Timeout         time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ReconConfig struct {
	Enabled   bool          `yaml:"enabled"`
	OutputDir string        `yaml:"outputDir"`
	Window    time.Duration `yaml:"window"`
	RunHour   int           `yaml:"runHour"`
	RunMinute int           `yaml:"runMinute"`
}

// Config is the rental gateway service configuration.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Release       ReleaseConfig       `yaml:"release"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	CORS          CORSConfig          `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
	Database      DatabaseConfig      `yaml:"database"`
	Webhooks      WebhookConfig       `yaml:"webhooks"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Recon         ReconConfig         `yaml:"recon"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ChallengeStoreMemory  = "memory"
	ChallengeStoreLevelDB = "leveldb"
)

// Environment variables that override secrets and deployment specific values.
const (
	EnvJWTSecret    = "RENTAL_GATEWAY_JWT_SECRET"
	EnvDatabaseDSN  = "RENTAL_GATEWAY_DB_DSN"
	EnvListen       = "RENTAL_GATEWAY_LISTEN"
	EnvAdmin        = "RENTAL_GATEWAY_ADMIN"
	EnvDataDir      = "RENTAL_GATEWAY_DATA_DIR"
	EnvKafkaBrokers = "RENTAL_GATEWAY_KAFKA_BROKERS"
	EnvOTLPEndpoint = "RENTAL_GATEWAY_OTLP_ENDPOINT"
	EnvEnvironment  = "RENTAL_GATEWAY_ENV"
)

var ErrJWTSecretMissing = errors.New("auth.jwtSecret must be at least 32 bytes")

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Ledger: LedgerConfig{
			DataDir:       "./data/ledger",
			CommissionBps: 500,
			DisputeWindow: 7 * 24 * time.Hour,
		},
		Auth: AuthConfig{
			Issuer:         "rental-gateway",
			Audience:       "rentalpay",
			TokenTTL:       time.Hour,
			ClockSkew:      30 * time.Second,
			ChallengeTTL:   5 * time.Minute,
			ChallengeStore: ChallengeStoreMemory,
		},
		RateLimits: []RateLimitConfig{
			{ID: "auth", RatePerSecond: 1, Burst: 5},
			{ID: "mutations", RatePerSecond: 5, Burst: 10},
			{ID: "reads", RatePerSecond: 20, Burst: 40},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "rental-gateway",
			Environment:   "dev",
			LogLevel:      "info",
			LogRequests:   true,
			Metrics:       true,
			MetricsPrefix: "gateway",
			SampleRatio:   1,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "file:./data/gateway.db?_pragma=busy_timeout(5000)",
		},
		Webhooks: WebhookConfig{
			QueueCapacity:   1024,
			HistoryCapacity: 256,
			TTL:             15 * time.Minute,
			Workers:         1,
			Timeout:         10 * time.Second,
		},
		Kafka: KafkaConfig{Topic: "rental.events"},
		Recon: ReconConfig{
			OutputDir: "./data/recon",
			Window:    24 * time.Hour,
			RunHour:   2,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment using getenv.
func (cfg *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := strings.TrimSpace(getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseDSN)); v != "" {
		cfg.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = DriverPostgres
		}
	}
	if v := strings.TrimSpace(getenv(EnvListen)); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv(EnvAdmin)); v != "" {
		cfg.Ledger.Admin = v
	}
	if v := strings.TrimSpace(getenv(EnvDataDir)); v != "" {
		cfg.Ledger.DataDir = v
	}
	if v := strings.TrimSpace(getenv(EnvKafkaBrokers)); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Observability.OTLPEndpoint = v
		cfg.Observability.Tracing = true
	}
	if v := strings.TrimSpace(getenv(EnvEnvironment)); v != "" {
		cfg.Observability.Environment = v
	}
	return nil
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(cfg.Ledger.DataDir) == "" {
		return fmt.Errorf("ledger.dataDir required")
	}
	admin, err := crypto.ParseAddress(cfg.Ledger.Admin)
	if err != nil {
		return fmt.Errorf("ledger.admin: %w", err)
	}
	if admin.IsZero() {
		return fmt.Errorf("ledger.admin cannot be the zero address")
	}
	if cfg.Ledger.CommissionBps > 10_000 {
		return fmt.Errorf("ledger.commissionBps must not exceed 10000")
	}
	if cfg.Ledger.DisputeWindow < time.Second {
		return fmt.Errorf("ledger.disputeWindow must be at least 1s")
	}
	if len(strings.TrimSpace(cfg.Auth.JWTSecret)) < 32 {
		return ErrJWTSecretMissing
	}
	switch cfg.Auth.ChallengeStore {
	case "", ChallengeStoreMemory, ChallengeStoreLevelDB:
	default:
		return fmt.Errorf("auth.challengeStore must be %q or %q", ChallengeStoreMemory, ChallengeStoreLevelDB)
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		id := strings.TrimSpace(rl.ID)
		if id == "" {
			return fmt.Errorf("rateLimits[%d].id required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rateLimits[%d].id %q duplicated", i, id)
		}
		seen[id] = struct{}{}
		if rl.RatePerSecond <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("rateLimits[%d] requires positive ratePerSecond and burst", i)
		}
	}
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn required")
	}
	if cfg.Observability.SampleRatio < 0 || cfg.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability.sampleRatio must be within [0,1]")
	}
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic required when brokers are configured")
	}
	if cfg.Recon.Enabled && strings.TrimSpace(cfg.Recon.OutputDir) == "" {
		return fmt.Errorf("recon.outputDir required when recon is enabled")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 || cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon run time %02d:%02d out of range", cfg.Recon.RunHour, cfg.Recon.RunMinute)
	}
	return nil
}

// AdminAddress returns the parsed ledger admin. Validate must have passed.
func (cfg Config) AdminAddress() crypto.Address {
	addr, _ := crypto.ParseAddress(cfg.Ledger.Admin)
	return addr
}

// RateLimitByID returns the limit registered under id.
func (cfg Config) RateLimitByID(id string) (RateLimitConfig, bool) {
	for _, rl := range cfg.RateLimits {
		if rl.ID == id {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
