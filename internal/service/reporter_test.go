package service

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/plaenen/fleet-reporter/internal/config"
	embeddednats "github.com/plaenen/fleet-reporter/pkg/infrastructure/nats"
	"github.com/stretchr/testify/require"
)

func startEmbeddedBroker(t *testing.T) *embeddednats.EmbeddedServer {
	t.Helper()
	srv, err := embeddednats.StartEmbeddedServer(embeddednats.WithJetStream(true))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestReporter_EndToEnd_IngestToReadback(t *testing.T) {
	srv := startEmbeddedBroker(t)
	host, port := hostPort(t, srv.URL())

	cfg := &config.Config{
		StoreURL:      ":memory:",
		StoreDBName:   "ignored",
		BrokerHost:    host,
		BrokerPort:    port,
		InboundTopic:  "fleet.test.vehicle.generated",
		OutboundTopic: "fleet.test.statistics.updated",
		BatchWindow:   20 * time.Millisecond,
	}

	r := New(cfg)
	require.NoError(t, r.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(stopCtx)
	}()

	require.NoError(t, r.broker.Publish(context.Background(), cfg.InboundTopic, "VehicleGenerated",
		map[string]any{"aid": "r1", "data": map[string]any{"type": "SUV", "hp": 220}}))

	require.Eventually(t, func() bool {
		agg, err := r.GetFleetStatistics(context.Background())
		return err == nil && agg.TotalVehicles == 1
	}, 3*time.Second, 20*time.Millisecond)

	agg, err := r.GetFleetStatistics(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), agg.TotalVehicles)
	require.Equal(t, int64(1), agg.VehiclesByType["SUV"])
}

func TestReporter_HealthCheck_FailsBeforeStart(t *testing.T) {
	cfg := &config.Config{StoreURL: ":memory:"}
	r := New(cfg)

	err := r.HealthCheck(context.Background())
	require.Error(t, err)
}
