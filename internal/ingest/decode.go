// Package ingest implements the Event Decoder: it normalizes the two
// inbound envelope shapes accepted on the broker topic, validates
// required fields, and synthesizes a stable identifier for events that
// arrive without one.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/fleet-reporter/internal/fleet"
	"github.com/plaenen/fleet-reporter/pkg/validators"
)

// Decoder normalizes and validates raw broker payloads into fleet.Event.
type Decoder struct {
	logger *slog.Logger
}

// New creates a Decoder. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Decode parses a raw broker message. It returns (event, true) on
// success, or (nil, false) when the message is malformed — in which
// case it has already logged a warning and the caller should simply
// drop the message and keep consuming.
func (d *Decoder) Decode(raw []byte) (*fleet.Event, bool) {
	envelope, err := unwrapEnvelope(raw)
	if err != nil {
		d.reject(fmt.Errorf("%w: malformed envelope: %v", fleet.ErrDecodeInvalid, err))
		return nil, false
	}

	dataRaw, ok := envelope["data"]
	if !ok {
		d.reject(fmt.Errorf("%w: missing data field", fleet.ErrDecodeInvalid))
		return nil, false
	}

	var data fleet.VehicleData
	if err := json.Unmarshal(dataRaw, &data); err != nil {
		d.reject(fmt.Errorf("%w: unparseable data field: %v", fleet.ErrDecodeInvalid, err))
		return nil, false
	}

	aid := readString(envelope, "aid")
	if aid == "" {
		aid = SynthesizeAID(data)
	}
	if r := validators.ValidateStringEmpty(aid, "aid"); !r.IsValid {
		d.reject(fmt.Errorf("%w: empty aid after synthesis", fleet.ErrDecodeInvalid))
		return nil, false
	}

	ts := readTimestamp(envelope, "timestamp")
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &fleet.Event{AID: aid, Timestamp: ts, Data: data}, true
}

// reject logs a decode rejection at warning level. err always wraps
// fleet.ErrDecodeInvalid; it never propagates past the decoder, since
// the broker consumer loop acks and drops the message regardless.
func (d *Decoder) reject(err error) {
	d.logger.Warn("dropping malformed event", "error", err)
}

// unwrapEnvelope normalizes the flat {aid,data,timestamp} shape and the
// wrapping {id,type,data:{aid,data,timestamp}} shape down to a single
// map carrying aid/data/timestamp keys at the top level.
func unwrapEnvelope(raw []byte) (map[string]json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}

	dataRaw, ok := top["data"]
	if !ok {
		return top, nil
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(dataRaw, &inner); err != nil {
		// "data" isn't an object at all; let the caller's unmarshal
		// into VehicleData fail/succeed on its own terms.
		return top, nil
	}

	// The wrapping shape's inner object itself carries a nested "data"
	// key; unwrap one level so aid/data/timestamp are resolved from it.
	if _, hasNestedData := inner["data"]; hasNestedData {
		return inner, nil
	}

	return top, nil
}

func readString(envelope map[string]json.RawMessage, key string) string {
	raw, ok := envelope[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func readTimestamp(envelope map[string]json.RawMessage, key string) time.Time {
	s := readString(envelope, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SynthesizeAID derives a deterministic identifier from event data when
// the producer didn't supply one. The canonical form is the JSON
// encoding of only the populated fields, which encoding/json emits with
// map keys in lexicographic order and no insignificant whitespace.
func SynthesizeAID(data fleet.VehicleData) string {
	canonical := map[string]interface{}{}
	if data.Type != "" {
		canonical["type"] = data.Type
	}
	if data.PowerSource != "" {
		canonical["powerSource"] = data.PowerSource
	}
	if data.HP != nil {
		canonical["hp"] = *data.HP
	}
	if data.Year != nil {
		canonical["year"] = *data.Year
	}
	if data.TopSpeed != nil {
		canonical["topSpeed"] = *data.TopSpeed
	}

	// encoding/json sorts map keys, giving a deterministic byte
	// sequence regardless of struct field order.
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
