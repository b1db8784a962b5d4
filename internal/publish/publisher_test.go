package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	subject string
	msgType string
	payload any
	err     error
}

func (f *fakeBroker) Publish(ctx context.Context, subject, msgType string, payload any) error {
	f.subject = subject
	f.msgType = msgType
	f.payload = payload
	return f.err
}

func TestPublisher_PublishAggregate_Success(t *testing.T) {
	broker := &fakeBroker{}
	p := New(broker, "fleet.statistics.updated")

	agg := &fleet.Aggregate{TotalVehicles: 5}
	err := p.PublishAggregate(context.Background(), agg)

	require.NoError(t, err)
	assert.Equal(t, "fleet.statistics.updated", broker.subject)
	assert.Equal(t, EventType, broker.msgType)
	assert.Same(t, agg, broker.payload)
}

func TestPublisher_PublishAggregate_SwallowsBrokerFailure(t *testing.T) {
	broker := &fakeBroker{err: errors.New("broker down")}
	p := New(broker, "fleet.statistics.updated")

	err := p.PublishAggregate(context.Background(), &fleet.Aggregate{})

	assert.NoError(t, err, "publish failures must never propagate to the pipeline")
}
