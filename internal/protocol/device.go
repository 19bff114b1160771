// Package protocol defines the device-protocol contract and the BM2 and
// BM6 adapters that implement it (§4.2). Every adapter is built on top
// of an internal/ble.Session and knows nothing about the connection
// pool, registries, or storage above it.
package protocol

import (
	"context"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

// Device is the contract every battery-monitor protocol adapter
// implements: connect/disconnect, a polled read, an optional command
// write, and static metadata describing the family and its capabilities.
type Device interface {
	// Connect opens the session this adapter will read/write through.
	Connect(ctx context.Context, session *ble.Session) error

	// Disconnect releases any adapter-held state (subscriptions, latches).
	// It does not close the underlying session; the pool owns that.
	Disconnect() error

	// ReadData blocks until a Reading is available or ctx expires. An
	// adapter may also bound the wait itself; BM6 then returns the
	// values it has so far instead of an error.
	ReadData(ctx context.Context) (model.Reading, error)

	// SendCommand writes an adapter-specific command. Unsupported
	// commands return a *bherrors.Error with KindCommand.
	SendCommand(ctx context.Context, name string, args map[string]any) error

	// ProtocolVersion identifies the wire format version this adapter speaks.
	ProtocolVersion() string

	// Capabilities lists the optional features this adapter supports
	// (e.g. "voltage", "current", "temperature", "cycles").
	Capabilities() []string

	// DeviceType returns the family this adapter implements.
	DeviceType() model.Family
}

// Factory constructs a fresh, unconnected Device instance for a family.
type Factory func() Device

var registry = map[model.Family]Factory{}

// Register adds a factory for family to the package registry. Adapters
// call this from an init func.
func Register(family model.Family, factory Factory) {
	registry[family] = factory
}

// New constructs a Device for family, or reports false if no adapter is
// registered for it.
func New(family model.Family) (Device, bool) {
	f, ok := registry[family]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Known returns the families with a registered adapter.
func Known() []model.Family {
	out := make([]model.Family, 0, len(registry))
	for f := range registry {
		out = append(out, f)
	}
	return out
}

// defaultReadTimeout bounds ReadData when a caller passes a context with
// no deadline of its own.
const defaultReadTimeout = 30 * time.Second
