package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultStoreDBName, cfg.StoreDBName)
	assert.Equal(t, DefaultBrokerPort, cfg.BrokerPort)
	assert.Equal(t, DefaultInboundTopic, cfg.InboundTopic)
	assert.Equal(t, DefaultOutboundTopic, cfg.OutboundTopic)
	assert.Equal(t, DefaultStatusTopic, cfg.StatusTopic)
	assert.Equal(t, time.Duration(DefaultBatchWindowMS)*time.Millisecond, cfg.BatchWindow)
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("BROKER_HOST", "nats.internal")
	t.Setenv("BROKER_PORT", "4444")
	t.Setenv("BATCH_WINDOW_MS", "2500")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats.internal", cfg.BrokerHost)
	assert.Equal(t, 4444, cfg.BrokerPort)
	assert.Equal(t, 2500*time.Millisecond, cfg.BatchWindow)
	assert.Equal(t, "nats://nats.internal:4444", cfg.BrokerURL())
}

func TestLoad_RejectsInvalidBrokerPort(t *testing.T) {
	t.Setenv("BROKER_PORT", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsNonPositiveBatchWindow(t *testing.T) {
	t.Setenv("BATCH_WINDOW_MS", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsInvalidBrokerHost(t *testing.T) {
	t.Setenv("BROKER_HOST", "not a host!!")

	_, err := Load()
	require.Error(t, err)
}

func TestCredentialProvider_PrefersStaticOverEnv(t *testing.T) {
	t.Setenv("BROKER_USERNAME", "env-user")
	t.Setenv("BROKER_PASSWORD", "env-pass")

	cfg := &Config{BrokerUsername: "svc", BrokerPassword: "secret"}
	provider := cfg.CredentialProvider(context.Background())

	creds, err := provider.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "svc", creds.User)
	assert.Equal(t, "secret", creds.Password)
}
