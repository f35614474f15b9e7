package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen   = ":8085"
	defaultDataDir  = "data/cdpd"
	defaultModule   = "config/cdp.toml"
	defaultAuditDSN = "file:cdpd-audit.db"

	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"

	AuditSQLite   = "sqlite"
	AuditPostgres = "postgres"
	AuditDisabled = "disabled"
)

// Config captures the runtime settings for the ledger daemon.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	DataDir       string            `yaml:"data_dir"`
	Storage       string            `yaml:"storage"`
	ModuleConfig  string            `yaml:"module_config"`
	TLS           TLSConfig         `yaml:"tls"`
	Auth          AuthConfig        `yaml:"auth"`
	Audit         AuditConfig       `yaml:"audit"`
	RateLimits    []RateLimit       `yaml:"rate_limits"`
	CORS          CORSConfig        `yaml:"cors"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	Log           LogConfig         `yaml:"log"`
	Idempotency   IdempotencyConfig `yaml:"idempotency"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	HMACSecret    string        `yaml:"hmac_secret"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
	// SignatureMaxAge bounds the X-CDP-Timestamp accepted with owner
	// signatures.
	SignatureMaxAge time.Duration `yaml:"signature_max_age"`
}

// AuditConfig selects the event journal backend.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RateLimit is a per-client limiter bucket.
type RateLimit struct {
	Bucket        string         `yaml:"bucket"`
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
	LogRequests bool              `yaml:"log_requests"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// IdempotencyConfig controls replay protection for mutating requests.
type IdempotencyConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		ListenAddress: defaultListen,
		DataDir:       defaultDataDir,
		Storage:       StorageLevelDB,
		ModuleConfig:  defaultModule,
		Auth: AuthConfig{
			Issuer:          "cdpd",
			ClockSkew:       2 * time.Minute,
			SignatureMaxAge: 5 * time.Minute,
		},
		Audit: AuditConfig{Driver: AuditSQLite, DSN: defaultAuditDSN},
		Telemetry: TelemetryConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
		Log:         LogConfig{Level: "info"},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
	}
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AuthSecret resolves the HMAC secret, preferring the configured environment
// variable.
func (cfg Config) AuthSecret() string {
	if env := strings.TrimSpace(cfg.Auth.HMACSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return cfg.Auth.HMACSecret
}

// IdempotencyPath returns the bolt file backing idempotency keys.
func (cfg Config) IdempotencyPath() string {
	if cfg.Idempotency.Path != "" {
		return cfg.Idempotency.Path
	}
	return strings.TrimRight(cfg.DataDir, "/") + "/idempotency.db"
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.Storage == "" {
		cfg.Storage = StorageLevelDB
	}
	cfg.ModuleConfig = strings.TrimSpace(cfg.ModuleConfig)
	if cfg.ModuleConfig == "" {
		cfg.ModuleConfig = defaultModule
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.Auth.SignatureMaxAge <= 0 {
		cfg.Auth.SignatureMaxAge = 5 * time.Minute
	}
	cfg.Audit.Driver = strings.ToLower(strings.TrimSpace(cfg.Audit.Driver))
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = AuditDisabled
	}
	cfg.Audit.DSN = strings.TrimSpace(cfg.Audit.DSN)
	for i := range cfg.RateLimits {
		cfg.RateLimits[i].Bucket = strings.TrimSpace(cfg.RateLimits[i].Bucket)
	}
	origins := make([]string, 0, len(cfg.CORS.AllowedOrigins))
	for _, origin := range cfg.CORS.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.CORS.AllowedOrigins = origins
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Storage {
	case StorageLevelDB, StorageMemory:
	default:
		return fmt.Errorf("storage: unsupported backend %q", cfg.Storage)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	switch cfg.Audit.Driver {
	case AuditDisabled:
	case AuditSQLite, AuditPostgres:
		if cfg.Audit.DSN == "" {
			return fmt.Errorf("audit: dsn required for driver %s", cfg.Audit.Driver)
		}
	default:
		return fmt.Errorf("audit: unsupported driver %q", cfg.Audit.Driver)
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		if limit.Bucket == "" {
			return fmt.Errorf("rate_limits: bucket name required")
		}
		if _, dup := seen[limit.Bucket]; dup {
			return fmt.Errorf("rate_limits: duplicate bucket %q", limit.Bucket)
		}
		seen[limit.Bucket] = struct{}{}
		if limit.RatePerSecond <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits: bucket %q needs positive rate_per_second and burst", limit.Bucket)
		}
	}
	if ratio := cfg.Telemetry.SampleRatio; ratio < 0 || ratio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether TLS material is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}
