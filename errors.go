package vigil

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the vigil package.
var (
	// ErrClosed is returned when operations are attempted on a stopped detector
	// or a closed store.
	ErrClosed = errors.New("detector is closed")

	// ErrUnknownMetric is returned when an operation references a metric the
	// detector does not track.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrAnomalyNotFound is returned when an anomaly id cannot be resolved
	// from recent history.
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrInvalidSensitivity is returned for sensitivity levels outside
	// low/medium/high.
	ErrInvalidSensitivity = errors.New("invalid sensitivity level")

	// ErrKeyNotFound is returned by stores when a state key has no value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoCheckpoint is returned when no model checkpoint exists in the store.
	ErrNoCheckpoint = errors.New("no model checkpoint")

	// ErrCheckpointCorrupt is returned when a checkpoint cannot be decoded.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrQueueFull is returned when the alert dispatch queue is full and a
	// payload cannot be accepted.
	ErrQueueFull = errors.New("alert queue full")
)

// StoreErrorOp categorizes store failures.
type StoreErrorOp int

const (
	// StoreOpUnknown is an unclassified store error.
	StoreOpUnknown StoreErrorOp = iota
	// StoreOpRead indicates a read failure.
	StoreOpRead
	// StoreOpWrite indicates a write failure.
	StoreOpWrite
	// StoreOpTrim indicates a history trim failure.
	StoreOpTrim
)

// StoreError provides detailed information about persistence failures.
// Store failures never abort a detection cycle; they are logged and the
// cycle continues.
type StoreError struct {
	Op      StoreErrorOp
	Key     string
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Key, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// newStoreError creates a new StoreError.
func newStoreError(op StoreErrorOp, message, key string, cause error) *StoreError {
	return &StoreError{Op: op, Key: key, Message: message, Cause: cause}
}
