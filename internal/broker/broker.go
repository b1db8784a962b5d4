// Package broker implements the Broker Gateway: a durable JetStream
// subscription feeding decoded events into the pipeline, and a
// fire-and-forget publisher for outbound aggregate updates.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/plaenen/fleet-reporter/pkg/idgen"
	"github.com/plaenen/fleet-reporter/pkg/observability"
	"github.com/plaenen/fleet-reporter/pkg/security/credentials"
	"github.com/plaenen/fleet-reporter/pkg/validators"
)

// RawMessage is one undecoded message delivered off a subscription,
// paired with the ack/nack hooks the consumer must call.
type RawMessage struct {
	Data []byte
	Ack  func()
	Nak  func()
}

// Config configures a Broker connection.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://host:4222".
	URL string

	// StatusSubject carries retained "online"/"offline" will messages.
	StatusSubject string

	// StreamName and StreamSubjects configure the JetStream stream
	// backing durable delivery.
	StreamName     string
	StreamSubjects []string

	// CredentialProvider resolves broker auth; nil means no auth.
	CredentialProvider credentials.Provider

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Broker wraps a NATS JetStream connection.
type Broker struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	statusSubject string
	clientID      string
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// Connect dials the broker, enabling a capped-exponential reconnect
// curve and publishing retained online/offline status to StatusSubject.
func Connect(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "FLEET_EVENTS"
	}
	if len(cfg.StreamSubjects) == 0 {
		cfg.StreamSubjects = []string{"fleet.>"}
	}

	clientID := "fleet-reporter-" + idgen.MustGenerateSortableID()

	b := &Broker{
		statusSubject: cfg.StatusSubject,
		clientID:      clientID,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}

	opts := []nats.Option{
		nats.Name(clientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5 * time.Second),
		nats.CustomReconnectDelayCB(reconnectBackoff),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			cfg.Logger.Warn("broker disconnected", "error", err)
			b.publishStatus("offline")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info("broker reconnected", "url", nc.ConnectedUrl())
			if b.metrics != nil {
				b.metrics.RecordBrokerReconnect(ctx)
			}
			b.publishStatus("online")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			cfg.Logger.Warn("broker connection closed")
		}),
	}

	if cfg.CredentialProvider != nil {
		authOpt, user, err := authOption(ctx, cfg.CredentialProvider)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve broker credentials: %v", fleet.ErrBrokerAuth, err)
		}
		if user != "" {
			cfg.Logger.Info("resolved broker credentials", "user", validators.MaskString(user))
		}
		opts = append(opts, authOpt)
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", fleet.ErrBrokerUnavailable, cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %v", fleet.ErrBrokerUnavailable, err)
	}

	b.nc = nc
	b.js = js

	if err := b.ensureStream(cfg.StreamName, cfg.StreamSubjects); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: ensure stream: %v", fleet.ErrBrokerUnavailable, err)
	}

	b.publishStatus("online")

	return b, nil
}

// authOption resolves provider into a nats.Option, also returning the
// username for diagnostic logging (empty for non-user/password types).
func authOption(ctx context.Context, provider credentials.Provider) (nats.Option, string, error) {
	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, "", err
	}

	switch creds.Type {
	case credentials.CredentialTypeToken:
		if creds.Token == "" {
			return nil, "", fmt.Errorf("token credential is empty")
		}
		return nats.Token(creds.Token), "", nil

	case credentials.CredentialTypeUserPassword:
		if creds.User == "" || creds.Password == "" {
			return nil, "", fmt.Errorf("user/password credentials are incomplete")
		}
		return nats.UserInfo(creds.User, creds.Password), creds.User, nil

	case credentials.CredentialTypeNKey:
		if creds.Seed == "" {
			return nil, "", fmt.Errorf("nkey seed is empty")
		}
		opt, err := nats.NkeyOptionFromSeed(creds.Seed)
		return opt, "", err

	default:
		return nil, "", fmt.Errorf("unsupported credential type: %s", creds.Type)
	}
}

// reconnectBackoff implements a capped exponential curve starting at 5s
// and capping at 1 minute, matching the teacher's ReconnectWait base
// with an explicit cap rather than a flat delay.
func reconnectBackoff(attempts int) time.Duration {
	base := 5 * time.Second
	maxDelay := time.Minute
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

func (b *Broker) ensureStream(name string, subjects []string) error {
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	if _, err := b.js.StreamInfo(name); err != nil {
		_, err := b.js.AddStream(cfg)
		return err
	}
	return nil
}

// publishStatus sends a retained status message; failures are logged
// only, a status ping is not allowed to take the connection down.
func (b *Broker) publishStatus(status string) {
	if b.statusSubject == "" || b.nc == nil {
		return
	}
	if err := b.nc.Publish(b.statusSubject, []byte(status)); err != nil {
		b.logger.Warn("failed to publish broker status", "status", status, "error", err)
	}
}

// Subscribe opens a durable JetStream queue subscription on topic,
// delivering undecoded payloads over the returned channel with manual
// ack/nak. The channel is closed when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan RawMessage, error) {
	out := make(chan RawMessage, 64)
	consumerName := "fleet-consumer-" + idgen.MustGenerateSortableID()[:12]

	sub, err := b.js.QueueSubscribe(
		topic,
		consumerName,
		func(msg *nats.Msg) {
			m := msg
			select {
			case out <- RawMessage{
				Data: m.Data,
				Ack:  func() { _ = m.Ack() },
				Nak:  func() { _ = m.Nak() },
			}:
			case <-ctx.Done():
			}
		},
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		close(out)
		return nil, fmt.Errorf("%w: subscribe %s: %v", fleet.ErrBrokerUnavailable, topic, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()

	return out, nil
}

// Publish fire-and-forgets a JSON-encoded payload over a core NATS
// publish; no JetStream PubAck is waited on and a failed publish is
// returned to the caller, never retried, so delivery is at most once.
func (b *Broker) Publish(ctx context.Context, subject, msgType string, payload any) error {
	start := time.Now()

	body, err := json.Marshal(struct {
		MT   string `json:"mt"`
		Data any    `json:"data"`
	}{MT: msgType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	if err := b.nc.Publish(subject, body); err != nil {
		return fmt.Errorf("%w: publish %s: %v", fleet.ErrBrokerUnavailable, subject, err)
	}

	if b.metrics != nil {
		b.metrics.RecordBrokerPublish(ctx, subject, time.Since(start))
	}
	return nil
}

// Close publishes the "offline" status and closes the underlying
// connection without draining it.
func (b *Broker) Close() error {
	b.publishStatus("offline")
	b.nc.Close()
	return nil
}

// ClientID returns this process's broker client identifier.
func (b *Broker) ClientID() string {
	return b.clientID
}
