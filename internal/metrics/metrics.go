// Package metrics exposes Prometheus instrumentation for the pool,
// storage backend, MQTT publisher, and engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolActiveConnections is the current number of active BLE connections.
	PoolActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_pool_active_connections",
		Help: "Number of currently active BLE connections.",
	})

	// PoolQueuedConnections is the current FIFO queue depth.
	PoolQueuedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_pool_queued_connections",
		Help: "Number of connection requests waiting for a free pool slot.",
	})

	// ReconnectAttempts counts reconnection attempts per device.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_reconnect_attempts_total",
		Help: "Total number of BLE reconnection attempts.",
	}, []string{"mac", "outcome"})

	// PollTicks counts poll ticks per device and outcome.
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_poll_ticks_total",
		Help: "Total number of device poll ticks.",
	}, []string{"mac", "outcome"})

	// DeviceErrors counts device-layer errors by taxonomy kind.
	DeviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_device_errors_total",
		Help: "Total number of device-layer errors by kind.",
	}, []string{"mac", "kind"})

	// StorageBufferSize is the current outage buffer depth.
	StorageBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_storage_buffer_size",
		Help: "Number of BufferedReading items waiting to flush to storage.",
	})

	// StorageWrites counts storage writes by outcome.
	StorageWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_storage_writes_total",
		Help: "Total storage write attempts.",
	}, []string{"outcome"})

	// StorageDropped counts items dropped from the outage buffer.
	StorageDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batteryhawk_storage_dropped_total",
		Help: "Total BufferedReading items dropped (overflow or retry-cap exceeded).",
	})

	// MQTTQueueSize is the current MQTT publish queue depth.
	MQTTQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_mqtt_queue_size",
		Help: "Number of QueuedMessage items waiting to publish.",
	})

	// MQTTPublished counts publishes by outcome.
	MQTTPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_mqtt_published_total",
		Help: "Total MQTT publish attempts.",
	}, []string{"outcome"})

	// MQTTDropped counts messages dropped from the MQTT queue.
	MQTTDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batteryhawk_mqtt_dropped_total",
		Help: "Total QueuedMessage items dropped (overflow or retry-cap exceeded).",
	})

	// ConfiguredDevices is the current count of configured devices.
	ConfiguredDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_configured_devices",
		Help: "Number of devices with status=configured.",
	})

	// ActivePollTasks is the current count of running per-device poll tasks.
	ActivePollTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_active_poll_tasks",
		Help: "Number of running per-device poll tasks.",
	})
)

// Outcome label values shared across counters.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeBuffered = "buffered"
	OutcomeDropped  = "dropped"
)
