package pkg

import (
	"errors"
	"fmt"
)

// Sentinel errors, match with errors.Is
var (
	ErrNumerical          = errors.New("numerical error")
	ErrMalformedSample    = errors.New("malformed sample")
	ErrInsufficientAnchor = errors.New("insufficient anchors")
	ErrNotReady           = errors.New("not ready")
	ErrInvalidConfig      = errors.New("invalid anchor configuration")
)

// NumericalError reports a failed matrix operation inside a filter update
type NumericalError struct {
	Op  string
	Err error
}

func (e *NumericalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("numerical error in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("numerical error in %s", e.Op)
}

func (e *NumericalError) Unwrap() []error { return []error{ErrNumerical, e.Err} }

// MalformedSampleError reports a raw sample that could not be turned into a finite RSSI value
type MalformedSampleError struct {
	AnchorID string
	Payload  string
	Reason   string
}

func (e *MalformedSampleError) Error() string {
	return fmt.Sprintf("malformed sample from anchor %q (%q): %s", e.AnchorID, e.Payload, e.Reason)
}

func (e *MalformedSampleError) Is(target error) bool { return target == ErrMalformedSample }

// InsufficientAnchorsError reports a solve attempted with fewer than MinAnchors measurements
type InsufficientAnchorsError struct {
	Have int
	Need int
}

func (e *InsufficientAnchorsError) Error() string {
	return fmt.Sprintf("insufficient anchors: have %d, need at least %d", e.Have, e.Need)
}

func (e *InsufficientAnchorsError) Is(target error) bool { return target == ErrInsufficientAnchor }

// NotReadyError reports a query issued before every configured anchor produced a reading
type NotReadyError struct {
	AnchorID string // empty when nothing is configured
}

func (e *NotReadyError) Error() string {
	if e.AnchorID == "" {
		return "not ready: anchors not configured"
	}
	return fmt.Sprintf("not ready: no data received from anchor %q yet", e.AnchorID)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// ConfigError reports a rejected anchor configuration
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid anchor configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }
