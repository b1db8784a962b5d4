package fleet

import "errors"

// Sentinel errors shared across the pipeline stages, in the style of
// the teacher's errors.New/fmt.Errorf("%w: ...") package-level error
// vocabulary.
var (
	// ErrStoreUnavailable wraps transient store failures (timeout,
	// connection refused). The caller should log and drop the batch;
	// the broker's at-least-once delivery or a restart will recover it.
	ErrStoreUnavailable = errors.New("fleet: store unavailable")

	// ErrStoreSchema wraps a permanent, non-retryable store failure
	// (schema violation, auth). Callers on the write path should abort;
	// ReadAggregate instead degrades to a zero-aggregate.
	ErrStoreSchema = errors.New("fleet: store schema violation")

	// ErrBrokerUnavailable wraps transient broker connectivity failures.
	ErrBrokerUnavailable = errors.New("fleet: broker unavailable")

	// ErrBrokerAuth wraps a permanent broker authentication failure.
	ErrBrokerAuth = errors.New("fleet: broker authentication failed")

	// ErrDecodeInvalid is wrapped by every decoder rejection (malformed
	// envelope, missing data, missing aid after synthesis). Never
	// propagated past the decoder: Decode logs it at warning level and
	// returns (nil, false) so the caller drops the message.
	ErrDecodeInvalid = errors.New("fleet: invalid event envelope")
)
