// Package config loads fleet-reporter's runtime configuration from the
// environment. The teacher repo has no dedicated env-config library, so
// this follows its plain os.Getenv-with-defaults style.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/fleet-reporter/internal/batch"
	"github.com/plaenen/fleet-reporter/pkg/security/credentials"
)

// Config is the fully resolved runtime configuration for the reporter.
type Config struct {
	StoreURL    string
	StoreDBName string

	BrokerHost     string
	BrokerPort     int
	BrokerUsername string
	BrokerPassword string

	InboundTopic  string
	OutboundTopic string
	StatusTopic   string

	BatchWindow time.Duration

	LogLevel slog.Level
}

// Defaults mirror the teacher's convention of documented fallback
// values rather than hard failures on a missing variable.
const (
	DefaultStoreDBName = "fleet_reporter"
	DefaultBrokerPort  = 4222

	// Topic defaults mirror the literal names documented for the
	// external broker contract; NATS subjects permit '/' as an ordinary
	// token character, so these are used verbatim rather than translated.
	DefaultInboundTopic  = "fleet/vehicles/generated"
	DefaultOutboundTopic = "emi-gateway-materialized-view-updates"
	DefaultStatusTopic   = "fleet/reporter/status"

	DefaultBatchWindowMS = int(batch.DefaultWindow / time.Millisecond)
	DefaultLogLevel      = "INFO"
)

// Load reads configuration from the environment, applying defaults and
// validating the fields that have a well-defined shape.
func Load() (*Config, error) {
	cfg := &Config{
		StoreURL:       getenv("STORE_URL", "file://./data"),
		StoreDBName:    getenv("STORE_DB_NAME", DefaultStoreDBName),
		BrokerHost:     getenv("BROKER_HOST", "localhost"),
		BrokerUsername: getenv("BROKER_USERNAME", ""),
		BrokerPassword: getenv("BROKER_PASSWORD", ""),
		InboundTopic:   getenv("INBOUND_TOPIC", DefaultInboundTopic),
		OutboundTopic:  getenv("OUTBOUND_TOPIC", DefaultOutboundTopic),
		StatusTopic:    getenv("STATUS_TOPIC", DefaultStatusTopic),
	}

	port, err := getenvInt("BROKER_PORT", DefaultBrokerPort)
	if err != nil {
		return nil, err
	}
	cfg.BrokerPort = port

	windowMS, err := getenvInt("BATCH_WINDOW_MS", DefaultBatchWindowMS)
	if err != nil {
		return nil, err
	}
	if windowMS <= 0 {
		return nil, fmt.Errorf("BATCH_WINDOW_MS must be positive, got %d", windowMS)
	}
	cfg.BatchWindow = time.Duration(windowMS) * time.Millisecond

	level, err := parseLogLevel(getenv("LOG_LEVEL", DefaultLogLevel))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	// StoreDSN accepts ":memory:" and file:// directory URLs, neither of
	// which govalidator.IsURL recognises.
	switch {
	case c.StoreURL == ":memory:":
	case strings.HasPrefix(c.StoreURL, "file://") && len(c.StoreURL) > len("file://"):
	case govalidator.IsURL(c.StoreURL):
	default:
		return fmt.Errorf("STORE_URL is not a valid URL: %q", c.StoreURL)
	}
	if !govalidator.IsHost(c.BrokerHost) {
		return fmt.Errorf("BROKER_HOST is not a valid host: %q", c.BrokerHost)
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return fmt.Errorf("BROKER_PORT out of range: %d", c.BrokerPort)
	}
	return nil
}

// BrokerURL composes the NATS connection URL from host/port.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("nats://%s:%d", c.BrokerHost, c.BrokerPort)
}

// StoreDSN composes the sqlite data source name from StoreURL (the
// storage directory, given as a file:// URL) and StoreDBName. A
// StoreURL of ":memory:" is passed through unchanged, for tests.
func (c *Config) StoreDSN() string {
	if c.StoreURL == ":memory:" {
		return c.StoreURL
	}
	dir := strings.TrimPrefix(c.StoreURL, "file://")
	dir = strings.TrimSuffix(dir, "/")
	return dir + "/" + c.StoreDBName + ".db"
}

// BrokerSecretURLEnvVar names the go-cloud secret keeper URL used to
// resolve broker credentials in production (e.g. an AWS Secrets Manager
// ARN or a "gcpkms://..." path). See credentials.NewSecretProvider.
const BrokerSecretURLEnvVar = "BROKER_CREDENTIALS_SECRET_URL"

// CredentialProvider resolves broker credentials. A configured secret
// keeper (BROKER_CREDENTIALS_SECRET_URL) takes priority, falling back
// through the statically configured username/password and then a live
// read of BROKER_USERNAME/BROKER_PASSWORD so rotated env vars take
// effect without a restart. Returns nil when no credentials are
// configured anywhere, so an unauthenticated broker deployment isn't
// forced through a provider that always fails.
func (c *Config) CredentialProvider(ctx context.Context) credentials.Provider {
	var chain []credentials.Provider

	if secretURL, ok := os.LookupEnv(BrokerSecretURLEnvVar); ok && secretURL != "" {
		if provider, err := credentials.NewSecretProvider(ctx, secretURL); err == nil {
			chain = append(chain, provider)
		}
	}
	if c.BrokerUsername != "" && c.BrokerPassword != "" {
		chain = append(chain, credentials.NewStaticUserPasswordProvider(c.BrokerUsername, c.BrokerPassword))
	}
	if _, ok := os.LookupEnv("BROKER_USERNAME"); ok {
		chain = append(chain, credentials.NewEnvUserPasswordProvider("BROKER_USERNAME", "BROKER_PASSWORD"))
	}
	if len(chain) == 0 {
		return nil
	}
	return credentials.NewChainProvider(chain...)
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL invalid: %w", err)
	}
	return level, nil
}
