// Package storage defines the pluggable time-series backend contract
// (§4.8) and the outage buffer that sits in front of it, plus the three
// shipped backends: influxdb-style (sqlite-backed for this deployment),
// json, and null.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

// ErrNotFound is returned when a query finds nothing matching.
var ErrNotFound = errors.New("storage: not found")

// Capabilities describes what a backend can do, so the HTTP layer can
// reject a query a backend cannot serve instead of returning an empty
// result set that looks like "no data".
type Capabilities struct {
	SupportsHistoricalQuery bool
	SupportsRetention       bool
}

// Query selects a window of readings for a single device.
type Query struct {
	DeviceMAC string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Store is the contract every storage backend implements. Readings are
// written one at a time by the buffer's flush loop; a backend is free to
// batch internally but must not reorder within a device.
type Store interface {
	// Write persists one reading for a device.
	Write(ctx context.Context, reading model.BufferedReading) error

	// Query returns readings matching q, newest first, or ErrNotFound's
	// wrapped error if the backend does not support historical query.
	Query(ctx context.Context, q Query) ([]model.BufferedReading, error)

	// HealthCheck reports whether the backend is currently reachable.
	HealthCheck(ctx context.Context) error

	// Capabilities describes this backend's feature set.
	Capabilities() Capabilities

	// Close releases any held resources (connections, file handles).
	Close() error
}

// Factory constructs a Store from backend-specific configuration already
// validated by internal/config.
type Factory func(cfg any) (Store, error)

var factories = map[string]Factory{}

// RegisterFactory adds a backend factory under name (e.g. "influxdb",
// "json", "null").
func RegisterFactory(name string, factory Factory) {
	factories[name] = factory
}

// New constructs a Store for the named backend.
func New(name string, cfg any) (Store, error) {
	f, ok := factories[name]
	if !ok {
		return nil, errors.New("storage: unknown backend " + name)
	}
	return f(cfg)
}

// ValidateQuery checks a Query's inputs against the bounds the HTTP
// surface promises (§6): mac must be valid, limit must be between 0 (no
// limit) and 10000, and Until must not precede Since when both are set.
func ValidateQuery(q Query) error {
	if !model.ValidMAC(q.DeviceMAC) {
		return errors.New("storage: invalid device mac")
	}
	if q.Limit < 0 {
		return errors.New("storage: limit must be non-negative")
	}
	if q.Limit > 10000 {
		return errors.New("storage: limit exceeds maximum of 10000")
	}
	if !q.Until.IsZero() && !q.Since.IsZero() && q.Until.Before(q.Since) {
		return errors.New("storage: until must not precede since")
	}
	return nil
}
