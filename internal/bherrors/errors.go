// Package bherrors defines the error taxonomy shared by every component
// that touches a BLE device: the transport, the connection pool, the
// protocol adapters, and the per-device poll task. Replacing ad-hoc
// exceptions with a closed set of kinds lets the orchestrator decide
// "retry" vs "reclassify" from the error value alone.
package bherrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a device-layer error.
type Kind int

const (
	// KindConnection means a BLE session could not be established or dropped.
	KindConnection Kind = iota
	// KindDataParsing means a notification had an unexpected frame length,
	// structure, or failed to decrypt.
	KindDataParsing
	// KindCommand means a protocol command was rejected or unsupported.
	KindCommand
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout
	// KindProtocol means a contract violation occurred (unexpected opcode,
	// version mismatch).
	KindProtocol
	// KindNotification means a subscription delivered malformed or
	// unexpected data.
	KindNotification
	// KindChecksum means a frame integrity check failed.
	KindChecksum
	// KindState means the operation is disallowed in the device's current
	// state.
	KindState
)

// Code returns the stable numeric error code for the kind (§7).
func (k Kind) Code() int {
	switch k {
	case KindConnection:
		return 1001
	case KindDataParsing:
		return 1002
	case KindCommand:
		return 1003
	case KindTimeout:
		return 1004
	case KindProtocol:
		return 1005
	case KindNotification:
		return 1006
	case KindChecksum:
		return 1007
	case KindState:
		return 1008
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindDataParsing:
		return "data_parsing_error"
	case KindCommand:
		return "command_error"
	case KindTimeout:
		return "timeout_error"
	case KindProtocol:
		return "protocol_error"
	case KindNotification:
		return "notification_error"
	case KindChecksum:
		return "checksum_error"
	case KindState:
		return "state_error"
	default:
		return "unknown_error"
	}
}

// Transient reports whether the orchestrator should retry on the next
// poll tick rather than suspend the device.
func (k Kind) Transient() bool {
	switch k {
	case KindConnection, KindTimeout, KindNotification:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried across the BLE transport,
// pool, and protocol adapter boundaries.
type Error struct {
	Kind          Kind
	DeviceAddress string
	Context       map[string]any
	Cause         error
}

// New creates an Error of the given kind with an optional device address.
func New(kind Kind, deviceAddress, msg string) *Error {
	return &Error{Kind: kind, DeviceAddress: deviceAddress, Context: map[string]any{"message": msg}}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, deviceAddress string, cause error) *Error {
	return &Error{Kind: kind, DeviceAddress: deviceAddress, Cause: cause}
}

// WithContext attaches a key/value pair to the error's context map and
// returns the same error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.DeviceAddress != "" {
			return fmt.Sprintf("%s (%d) [%s]: %v", e.Kind, e.Kind.Code(), e.DeviceAddress, e.Cause)
		}
		return fmt.Sprintf("%s (%d): %v", e.Kind, e.Kind.Code(), e.Cause)
	}
	msg, _ := e.Context["message"].(string)
	if e.DeviceAddress != "" {
		return fmt.Sprintf("%s (%d) [%s]: %s", e.Kind, e.Kind.Code(), e.DeviceAddress, msg)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Kind.Code(), msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, bherrors.New(bherrors.KindTimeout, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
