// Package model holds the data types shared across the registries, the
// state manager, storage, and MQTT: Device, Vehicle, Reading, and the
// runtime/queue records layered on top of them (§3).
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Family identifies the device-protocol class.
type Family string

const (
	FamilyBM2     Family = "BM2"
	FamilyBM6     Family = "BM6"
	FamilyUnknown Family = "unknown"
)

// DeviceStatus is the lifecycle status of a registered Device.
type DeviceStatus string

const (
	StatusDiscovered DeviceStatus = "discovered"
	StatusConfigured DeviceStatus = "configured"
	StatusError      DeviceStatus = "error"
)

const (
	// MinPollingIntervalSeconds is the lower bound on polling_interval_s.
	MinPollingIntervalSeconds = 60
	// MaxPollingIntervalSeconds is the upper bound on polling_interval_s.
	MaxPollingIntervalSeconds = 86400
	// DefaultPollingIntervalSeconds is used when a device is configured
	// without an explicit interval.
	DefaultPollingIntervalSeconds = 3600
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// ValidMAC reports whether mac matches the six-group hex pattern with
// ':' or '-' separators.
func ValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// CanonicalMAC upper-cases and normalizes separators to ':'.
func CanonicalMAC(mac string) string {
	mac = strings.ToUpper(mac)
	return strings.ReplaceAll(mac, "-", ":")
}

// ConnectionConfig holds per-device retry/backoff tuning. The BLE
// connection pool reads RetryAttempts and ReconnectEnabled when
// reconnecting this device; RetryBackoff and ReconnectionDelay are
// stored but not read by the pool.
type ConnectionConfig struct {
	RetryAttempts     int           `json:"retry_attempts"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
	ReconnectionDelay time.Duration `json:"reconnection_delay"`
	ReconnectEnabled  bool          `json:"reconnect_enabled"`
}

// DefaultConnectionConfig mirrors the pool's own defaults (§4.1).
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		RetryAttempts:     3,
		RetryBackoff:      2 * time.Second,
		ReconnectionDelay: 2 * time.Second,
		ReconnectEnabled:  true,
	}
}

// Reading is a point-in-time telemetry sample produced by a device
// protocol. Readings are immutable once produced.
type Reading struct {
	VoltageV      float64        `json:"voltage_v"`
	CurrentA      float64        `json:"current_a"`
	TemperatureC  float64        `json:"temperature_c"`
	StateOfCharge float64        `json:"state_of_charge_pct"`
	CapacityMAh   *float64       `json:"capacity_mah,omitempty"`
	Cycles        *int           `json:"cycles,omitempty"`
	PowerW        *float64       `json:"power_w,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Device is the persistent record for one BLE battery monitor.
type Device struct {
	MAC               string           `json:"mac"`
	Family            Family           `json:"family"`
	FriendlyName      string           `json:"friendly_name"`
	VehicleID         *string          `json:"vehicle_id,omitempty"`
	Status            DeviceStatus     `json:"status"`
	PollingIntervalS  int              `json:"polling_interval_s"`
	ConnectionConfig  ConnectionConfig `json:"connection_config"`
	DiscoveredAt      time.Time        `json:"discovered_at"`
	ConfiguredAt      *time.Time       `json:"configured_at,omitempty"`
	LatestReading     *Reading         `json:"latest_reading,omitempty"`
	LastReadingTime   *time.Time       `json:"last_reading_time,omitempty"`
	DeviceStatusText  string           `json:"device_status,omitempty"`
	LastStatusUpdate  *time.Time       `json:"last_status_update,omitempty"`
}

// Validate enforces the Device invariants from §3 / §8: a configured
// device must carry a known family and an in-range polling interval.
func (d *Device) Validate() error {
	if d.Status == StatusConfigured {
		if d.Family != FamilyBM2 && d.Family != FamilyBM6 {
			return fmt.Errorf("configured device %s has unknown family %q", d.MAC, d.Family)
		}
		if d.PollingIntervalS < MinPollingIntervalSeconds || d.PollingIntervalS > MaxPollingIntervalSeconds {
			return fmt.Errorf("configured device %s polling_interval_s=%d out of range [%d,%d]",
				d.MAC, d.PollingIntervalS, MinPollingIntervalSeconds, MaxPollingIntervalSeconds)
		}
	}
	return nil
}

// Vehicle is the persistent record for a grouping of devices.
type Vehicle struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	DeviceCount int       `json:"device_count"`
}

// ConnState is the BLE connection state machine (§4.1).
type ConnState string

const (
	ConnDisconnected  ConnState = "disconnected"
	ConnConnecting    ConnState = "connecting"
	ConnConnected     ConnState = "connected"
	ConnDisconnecting ConnState = "disconnecting"
	ConnError         ConnState = "error"
)

// DeviceRuntimeState is the per-mac in-memory record the state manager
// owns (§3).
type DeviceRuntimeState struct {
	MAC              string
	Family           Family
	ConnectionState  ConnState
	PollingActive    bool
	LastError        string
	LatestReading    *Reading
	LastReadingTime  *time.Time
	LatestStatus     string
	LastStatusUpdate *time.Time
	VehicleID        *string
	History          []StateTransition
}

// StateTransition records one connection-state change with a monotonic
// timestamp, bounded to the last 20 entries per device.
type StateTransition struct {
	State     ConnState
	Timestamp time.Time
}

const MaxStateHistory = 20

// QueuedMessage is an MQTT message awaiting (re)delivery.
type QueuedMessage struct {
	Topic      string
	Payload    map[string]any
	Retain     bool
	EnqueuedAt time.Time
	RetryCount int
}

// BufferedReading is a Reading awaiting delivery to the storage backend.
type BufferedReading struct {
	Reading    Reading
	DeviceID   string
	VehicleID  string
	DeviceType Family
	RetryCount int
}
