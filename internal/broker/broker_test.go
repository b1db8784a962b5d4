package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	embeddednats "github.com/plaenen/fleet-reporter/pkg/infrastructure/nats"
	"github.com/stretchr/testify/require"
)

func startTestBroker(t *testing.T) (*embeddednats.EmbeddedServer, *Broker) {
	t.Helper()

	srv, err := embeddednats.StartEmbeddedServer(embeddednats.WithJetStream(true))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	b, err := Connect(context.Background(), Config{
		URL:            srv.URL(),
		StatusSubject:  "fleet.status",
		StreamName:     "FLEET_TEST",
		StreamSubjects: []string{"fleet.test.>"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return srv, b
}

func TestBroker_PublishAndSubscribe(t *testing.T) {
	_, b := startTestBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := b.Subscribe(ctx, "fleet.test.events")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "fleet.test.events", "VehicleGenerated", map[string]string{"aid": "a1"}))

	select {
	case raw := <-msgs:
		raw.Ack()
		var envelope struct {
			MT   string          `json:"mt"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw.Data, &envelope))
		require.Equal(t, "VehicleGenerated", envelope.MT)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestBroker_ClientIDIsUnique(t *testing.T) {
	_, b1 := startTestBroker(t)
	_, b2 := startTestBroker(t)

	require.NotEqual(t, b1.ClientID(), b2.ClientID())
}

func TestReconnectBackoff_CapsAtMaximum(t *testing.T) {
	require.Equal(t, 5*time.Second, reconnectBackoff(0))
	require.LessOrEqual(t, reconnectBackoff(10), time.Minute)
	require.Greater(t, reconnectBackoff(2), 5*time.Second)
}
