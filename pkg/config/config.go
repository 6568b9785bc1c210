// Package config loads Seal control-plane configuration from environment
// variables and the fleet topology file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment names. Production disables mock providers and test endpoints.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config holds server configuration shared by the GM and LM binaries.
type Config struct {
	Environment string
	Port        string
	LogLevel    string
	DatabaseURL string

	// EncryptionKey is the base64 encoding of the 32-byte master field key.
	EncryptionKey string

	StripeSecretKey string
	// StripeDirectoryPath points at the YAML file mapping customer ids to
	// enrolled Stripe customer ids. Enrollment happens outside this system.
	StripeDirectoryPath string
	MockProviders       bool

	GMBaseURL        string
	VaultTransmitDir string
	VaultReceiveDir  string
	VaultArchiveURL  string
	FleetConfigPath  string

	LMID       string
	LMName     string
	VaultTypes []string

	GMPollInterval    time.Duration
	GMSyncInterval    time.Duration
	GMBillingInterval time.Duration
	LMPollInterval    time.Duration

	RedisAddr           string
	InternalTokenSecret string
	OTLPEndpoint        string
}

// Load loads configuration from environment variables.
func Load() *Config {
	env := os.Getenv("SEAL_ENV")
	if env == "" {
		env = EnvDevelopment
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local SQLite file for development
		dbURL = "file:seal.db?cache=shared"
	}

	gmBaseURL := os.Getenv("GM_BASE_URL")
	if gmBaseURL == "" {
		gmBaseURL = "http://localhost:8090"
	}

	txDir := os.Getenv("VAULT_TRANSMIT_DIR")
	if txDir == "" {
		txDir = "./var/vault-tx"
	}

	rxDir := os.Getenv("VAULT_RECEIVE_DIR")
	if rxDir == "" {
		rxDir = "./var/vault-rx"
	}

	lmID := os.Getenv("LM_ID")
	if lmID == "" {
		lmID = "lm-dev"
	}

	lmName := os.Getenv("LM_NAME")
	if lmName == "" {
		lmName = lmID
	}

	vaultTypes := splitList(os.Getenv("VAULT_TYPES"))
	if len(vaultTypes) == 0 {
		vaultTypes = []string{"sma", "sta"}
	}

	return &Config{
		Environment:         env,
		Port:                port,
		LogLevel:            logLevel,
		DatabaseURL:         dbURL,
		EncryptionKey:       os.Getenv("SEAL_ENCRYPTION_KEY"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeDirectoryPath: os.Getenv("STRIPE_DIRECTORY"),
		MockProviders:       os.Getenv("SEAL_MOCK_PROVIDERS") == "true",
		GMBaseURL:           gmBaseURL,
		VaultTransmitDir:    txDir,
		VaultReceiveDir:     rxDir,
		VaultArchiveURL:     os.Getenv("VAULT_ARCHIVE_URL"),
		FleetConfigPath:     os.Getenv("FLEET_CONFIG"),
		LMID:                lmID,
		LMName:              lmName,
		VaultTypes:          vaultTypes,
		GMPollInterval:      durationEnv("GM_POLL_INTERVAL", 10*time.Second),
		GMSyncInterval:      durationEnv("GM_SYNC_INTERVAL", 60*time.Second),
		GMBillingInterval:   durationEnv("GM_BILLING_INTERVAL", time.Hour),
		LMPollInterval:      durationEnv("LM_POLL_INTERVAL", 5*time.Second),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		InternalTokenSecret: os.Getenv("SEAL_INTERNAL_TOKEN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// StripeSandbox reports whether the configured Stripe key targets the sandbox.
func (c *Config) StripeSandbox() bool {
	return strings.HasPrefix(c.StripeSecretKey, "sk_test_")
}

// DatabaseDriver returns the database/sql driver name and DSN derived from
// DatabaseURL. Postgres URLs select lib/pq; everything else is treated as a
// SQLite DSN.
func (c *Config) DatabaseDriver() (driver, dsn string) {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "postgres", c.DatabaseURL
	}
	return "sqlite", c.DatabaseURL
}

// EncryptionKeyBytes decodes the master field key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, errors.New("config: SEAL_ENCRYPTION_KEY is not set")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config: decode SEAL_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: SEAL_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks invariants that must abort startup when violated. In
// production, mock providers are forbidden, the field key must be present,
// and persistence must be Postgres.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}

	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}

	if c.IsProduction() {
		if c.MockProviders {
			return errors.New("config: mock providers are not allowed in production")
		}
		if c.StripeSecretKey != "" && c.StripeSandbox() {
			return errors.New("config: sandbox Stripe key configured in production")
		}
		if driver, _ := c.DatabaseDriver(); driver != "postgres" {
			return errors.New("config: production requires a postgres DATABASE_URL")
		}
		if c.InternalTokenSecret == "" {
			return errors.New("config: SEAL_INTERNAL_TOKEN_SECRET is required in production")
		}
	}
	return nil
}

// ValidateLM checks the subset an LM process needs. The LM has no
// database and no payment rails, so only the environment name, the field
// key and its own identity matter.
func (c *Config) ValidateLM() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if c.LMID == "" {
		return errors.New("config: LM_ID must not be empty")
	}
	return nil
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
