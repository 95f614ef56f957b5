package tracker

import (
	"errors"
	"fmt"
)

// ConnectionFailure denotes the kind of a failed connection attempt
type ConnectionFailure string

const (

	// FailureTimeout is reported if no connection was established in time
	FailureTimeout ConnectionFailure = "timeout"

	// FailurePoolFull is reported if too many attempts are in flight
	FailurePoolFull ConnectionFailure = "pool_full"

	// FailureConnectedElsewhere is reported if another peripheral is still connected
	FailureConnectedElsewhere ConnectionFailure = "connected_elsewhere"

	// FailureRadio is reported if the radio rejected the connection
	FailureRadio ConnectionFailure = "radio"

	// FailureCancelled is reported if the attempt was cancelled before completion
	FailureCancelled ConnectionFailure = "cancelled"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Failure ConnectionFailure
	Msg     string
	Err     error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Failure)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the underlying radio error, if any
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare ConnectionError values by failure kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Failure == t.Failure
}

// Predefined connection errors
var (
	ErrConnectionTimeout  = &ConnectionError{Failure: FailureTimeout, Msg: "Connection Timeout"}
	ErrTooManyAttempts    = &ConnectionError{Failure: FailurePoolFull, Msg: "Too many connection attempts at the moment."}
	ErrConnectedElsewhere = &ConnectionError{Failure: FailureConnectedElsewhere, Msg: "An unknown device is still connected"}
	ErrAttemptCancelled   = &ConnectionError{Failure: FailureCancelled, Msg: "Connection attempt cancelled"}
	ErrConnectFailed      = &ConnectionError{Failure: FailureRadio, Msg: "Failed to connect"}
)

// NewConnectedElsewhereError returns the error reported when a connection is
// requested while the peripheral with the given name is still connected
func NewConnectedElsewhereError(name string) error {
	if name == "" {
		return ErrConnectedElsewhere
	}
	return &ConnectionError{
		Failure: FailureConnectedElsewhere,
		Msg:     fmt.Sprintf("Disconnect \"%s\" before you try to connect to another device.", name),
	}
}

// NewConnectFailedError wraps an error reported by the radio for a failed connection
func NewConnectFailedError(err error) error {
	return &ConnectionError{Failure: FailureRadio, Msg: ErrConnectFailed.Msg, Err: err}
}

// DiscoveryError denotes a failed service / characteristic discovery
type DiscoveryError struct {
	Msg string
}

func (e *DiscoveryError) Error() string {
	return e.Msg
}

// Predefined discovery errors
var (
	ErrNoServices               = &DiscoveryError{Msg: "Device offers no services"}
	ErrCharacteristicNotOffered = &DiscoveryError{Msg: "characteristic not offered"}
)

// NotFoundError represents an error when a peripheral resource is not known
type NotFoundError struct {
	Resource string // "peripheral", "service", "characteristic"
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// UnknownSensorError is returned by a parser if a sensor code is absent from the catalog
type UnknownSensorError struct {
	Code byte
}

func (e *UnknownSensorError) Error() string {
	return fmt.Sprintf("sensor code %d not found in configuration", e.Code)
}

// ErrShortPacket is returned by a parser if a packet is shorter than the wire format
var ErrShortPacket = errors.New("packet too short")

// TransportError denotes a failed write / subscribe on the radio link
type TransportError struct {
	Op  string // "write", "subscribe"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
