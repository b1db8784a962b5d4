package ingest

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FlatEnvelope(t *testing.T) {
	d := New(slog.Default())

	evt, ok := d.Decode([]byte(`{"aid":"a1","timestamp":"2024-05-01T12:00:00Z","data":{"type":"SUV","hp":200,"year":2015,"topSpeed":180}}`))

	require.True(t, ok)
	require.NotNil(t, evt)
	assert.Equal(t, "a1", evt.AID)
	assert.Equal(t, "SUV", evt.Data.Type)
	require.NotNil(t, evt.Data.HP)
	assert.Equal(t, int64(200), *evt.Data.HP)
}

func TestDecode_WrappedEnvelope(t *testing.T) {
	d := New(slog.Default())

	evt, ok := d.Decode([]byte(`{"id":"evt-1","type":"VehicleGenerated","data":{"aid":"w1","timestamp":"2024-05-01T12:00:00Z","data":{"type":"Sedan","hp":100}}}`))

	require.True(t, ok)
	require.NotNil(t, evt)
	assert.Equal(t, "w1", evt.AID)
	assert.Equal(t, "Sedan", evt.Data.Type)
}

func TestDecode_SynthesizesAIDWhenAbsent(t *testing.T) {
	d := New(slog.Default())

	raw := []byte(`{"data":{"type":"Coupe","hp":400,"year":2020,"topSpeed":280}}`)

	first, ok := d.Decode(raw)
	require.True(t, ok)

	second, ok := d.Decode(raw)
	require.True(t, ok)

	assert.Equal(t, first.AID, second.AID, "identical payloads must synthesize the same aid")
	assert.Len(t, first.AID, 64, "sha256 hex digest is 64 characters")
}

func TestDecode_MissingDataIsDropped(t *testing.T) {
	d := New(slog.Default())

	evt, ok := d.Decode([]byte(`{"aid":"x1"}`))

	assert.False(t, ok)
	assert.Nil(t, evt)
}

func TestDecode_MalformedJSONIsDropped(t *testing.T) {
	d := New(slog.Default())

	evt, ok := d.Decode([]byte(`not json`))

	assert.False(t, ok)
	assert.Nil(t, evt)
}

func TestDecode_MissingTimestampDefaultsToNow(t *testing.T) {
	d := New(slog.Default())

	evt, ok := d.Decode([]byte(`{"aid":"y1","data":{"type":"Van"}}`))

	require.True(t, ok)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestSynthesizeAID_DiffersByContent(t *testing.T) {
	a := SynthesizeAID(mustData(t, `{"type":"Van"}`))
	b := SynthesizeAID(mustData(t, `{"type":"SUV"}`))

	assert.NotEqual(t, a, b)
}

func mustData(t *testing.T, jsonStr string) fleet.VehicleData {
	t.Helper()
	var data fleet.VehicleData
	require.NoError(t, json.Unmarshal([]byte(jsonStr), &data))
	return data
}
