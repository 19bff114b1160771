// Package config loads and validates the three JSON configuration
// sections (system, devices, vehicles) consumed by the core (§6). File
// watching and hot-reload notification are the concern of an outer CLI
// layer (§1 Non-goals for this package); this package defines the
// Provider contract the core depends on and a file-backed implementation
// good enough to drive it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Section names recognized by the core.
const (
	SectionSystem   = "system"
	SectionDevices  = "devices"
	SectionVehicles = "vehicles"
)

// BluetoothConfig is system.bluetooth.
type BluetoothConfig struct {
	Adapter                  string `json:"adapter,omitempty"`
	MaxConcurrentConnections int    `json:"max_concurrent_connections" validate:"min=1,max=32"`
	TestMode                 bool   `json:"test_mode,omitempty"`
}

// AutoConfigureRule is one family's entry in discovery.auto_configure.rules.
type AutoConfigureRule struct {
	AutoConfigure       bool   `json:"auto_configure"`
	DefaultNameTemplate string `json:"default_name_template"`
	PollingInterval     int    `json:"polling_interval"`
}

// AutoConfigureConfig is system.discovery.auto_configure.
type AutoConfigureConfig struct {
	Enabled             bool                         `json:"enabled"`
	ConfidenceThreshold float64                       `json:"confidence_threshold" validate:"min=0,max=1"`
	Rules               map[string]AutoConfigureRule `json:"rules"`
}

// DiscoveryConfig is system.discovery.
type DiscoveryConfig struct {
	InitialScan      bool                `json:"initial_scan"`
	ScanDuration     int                 `json:"scan_duration"`
	PeriodicInterval int                 `json:"periodic_interval"`
	AutoConfigure    AutoConfigureConfig `json:"auto_configure"`
}

// ErrorRecoveryConfig is the retry/buffer tuning shared by storage
// backends (§4.8).
type ErrorRecoveryConfig struct {
	MaxRetryAttempts           int     `json:"max_retry_attempts"`
	RetryDelaySeconds          float64 `json:"retry_delay_seconds"`
	RetryBackoffMultiplier     float64 `json:"retry_backoff_multiplier"`
	MaxRetryDelaySeconds       float64 `json:"max_retry_delay_seconds"`
	BufferMaxSize              int     `json:"buffer_max_size"`
	BufferFlushIntervalSeconds float64 `json:"buffer_flush_interval_seconds"`
	ConnectionTimeoutSeconds   float64 `json:"connection_timeout_seconds"`
	HealthCheckIntervalSeconds float64 `json:"health_check_interval_seconds"`
}

// StorageConfig is system.influxdb (or another backend-specific section).
type StorageConfig struct {
	Backend            string                 `json:"backend"`
	Enabled            bool                   `json:"enabled"`
	Host               string                 `json:"host,omitempty"`
	Port               int                    `json:"port,omitempty"`
	Database           string                 `json:"database,omitempty"`
	Username           string                 `json:"username,omitempty"`
	Password           string                 `json:"password,omitempty"`
	Path               string                 `json:"path,omitempty"`
	Timeout            float64                `json:"timeout,omitempty"`
	Retries            int                    `json:"retries,omitempty"`
	RetentionPolicies  map[string]string      `json:"retention_policies,omitempty"`
	ErrorRecovery      ErrorRecoveryConfig    `json:"error_recovery"`
}

// MQTTConfig is system.mqtt.
type MQTTConfig struct {
	Enabled              bool    `json:"enabled"`
	Broker               string  `json:"broker"`
	Port                 int     `json:"port" validate:"omitempty,min=1,max=65535"`
	Username             string  `json:"username,omitempty"`
	Password             string  `json:"password,omitempty"`
	TopicPrefix          string  `json:"topic_prefix"`
	QOS                  int     `json:"qos" validate:"min=0,max=2"`
	Keepalive            int     `json:"keepalive"`
	TLS                  bool    `json:"tls"`
	MaxRetries           int     `json:"max_retries"`
	InitialRetryDelay    float64 `json:"initial_retry_delay"`
	MaxRetryDelay        float64 `json:"max_retry_delay"`
	BackoffMultiplier    float64 `json:"backoff_multiplier"`
	JitterFactor         float64 `json:"jitter_factor"`
	ConnectionTimeout    float64 `json:"connection_timeout"`
	HealthCheckInterval  float64 `json:"health_check_interval"`
	MessageQueueSize     int     `json:"message_queue_size"`
	MessageRetryLimit    int     `json:"message_retry_limit"`
}

// APIConfig is system.api.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port" validate:"omitempty,min=1024,max=65535"`
	Debug   bool   `json:"debug"`
}

// AssociationRule is one vehicle's device-matching rule.
type AssociationRule struct {
	DeviceType  string `json:"device_type,omitempty"`
	NamePattern string `json:"name_pattern,omitempty"`
	MACPattern  string `json:"mac_pattern,omitempty"`
}

// VehicleAssociationEntry is one entry of vehicle_association.vehicles.
type VehicleAssociationEntry struct {
	ID               string          `json:"id,omitempty"`
	Name             string          `json:"name,omitempty"`
	AssociationRules AssociationRule `json:"association_rules"`
}

// VehicleAssociationConfig is system.vehicle_association.
type VehicleAssociationConfig struct {
	Vehicles []VehicleAssociationEntry `json:"vehicles"`
}

// SystemConfig is the top-level "system" section.
type SystemConfig struct {
	Bluetooth          BluetoothConfig           `json:"bluetooth" validate:"required"`
	Discovery          DiscoveryConfig           `json:"discovery"`
	Storage            StorageConfig             `json:"influxdb"`
	MQTT               MQTTConfig                `json:"mqtt"`
	API                APIConfig                 `json:"api"`
	VehicleAssociation VehicleAssociationConfig  `json:"vehicle_association"`
}

// DefaultSystemConfig returns the defaults a fresh install should ship
// with, clamped to the ranges the core defensively enforces even after
// schema validation (§9).
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Bluetooth: BluetoothConfig{MaxConcurrentConnections: 3},
		Discovery: DiscoveryConfig{
			InitialScan:      true,
			ScanDuration:     10,
			PeriodicInterval: 12 * 3600,
			AutoConfigure: AutoConfigureConfig{
				Enabled:             true,
				ConfidenceThreshold: 0.8,
				Rules: map[string]AutoConfigureRule{
					"BM6": {AutoConfigure: true, DefaultNameTemplate: "BM6 Device {mac_suffix}", PollingInterval: 3600},
					"BM2": {AutoConfigure: true, DefaultNameTemplate: "BM2 Device {mac_suffix}", PollingInterval: 3600},
				},
			},
		},
		Storage: StorageConfig{
			Backend: "json",
			ErrorRecovery: ErrorRecoveryConfig{
				MaxRetryAttempts:           3,
				RetryDelaySeconds:          1,
				RetryBackoffMultiplier:     2,
				MaxRetryDelaySeconds:       60,
				BufferMaxSize:              10000,
				BufferFlushIntervalSeconds: 30,
				ConnectionTimeoutSeconds:   30,
				HealthCheckIntervalSeconds: 60,
			},
		},
		MQTT: MQTTConfig{
			TopicPrefix:         "batteryhawk",
			QOS:                 1,
			Keepalive:           60,
			MaxRetries:          5,
			InitialRetryDelay:   1,
			MaxRetryDelay:       60,
			BackoffMultiplier:   2,
			JitterFactor:        0.1,
			ConnectionTimeout:   10,
			HealthCheckInterval: 60,
			MessageQueueSize:    1000,
			MessageRetryLimit:   3,
		},
		API: APIConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
	}
}

// ChangeListener is notified after a section is saved. FileProvider
// reads its files only once, in NewFileProvider, and does not reload
// them afterwards.
type ChangeListener func(section string)

// Provider is the configuration collaborator the core depends on (§6,
// §9 "file-system config hot-reload through watcher threads" redesign).
// A concrete implementation may refresh sections on a file-change
// notification or a timer; the core only ever calls these methods.
type Provider interface {
	GetConfig(section string) (any, error)
	SaveConfig(section string) error
	RegisterListener(cb ChangeListener)
}

// FileProvider loads/saves the three sections as JSON files in a
// directory, applying BATTERYHAWK_<SECTION>_<KEY...> environment
// overrides on load and validating with go-playground/validator.
type FileProvider struct {
	mu        sync.RWMutex
	dir       string
	system    SystemConfig
	devices   json.RawMessage
	vehicles  json.RawMessage
	listeners []ChangeListener
	validate  *validator.Validate
}

// NewFileProvider creates a FileProvider rooted at dir, loading any
// sections already present and falling back to defaults otherwise.
func NewFileProvider(dir string) (*FileProvider, error) {
	p := &FileProvider{
		dir:      dir,
		system:   DefaultSystemConfig(),
		devices:  json.RawMessage(`{"devices":{}}`),
		vehicles: json.RawMessage(`{"vehicles":{},"next_vehicle_id":1}`),
		validate: validator.New(),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create dir: %w", err)
	}

	for _, section := range []string{SectionSystem, SectionDevices, SectionVehicles} {
		if err := p.load(section); err != nil {
			return nil, err
		}
	}

	return p, nil
}

type versionedSection struct {
	Version int             `json:"version"`
	System  json.RawMessage `json:"system,omitempty"`
}

func (p *FileProvider) path(section string) string {
	return filepath.Join(p.dir, section+".json")
}

func (p *FileProvider) load(section string) error {
	data, err := os.ReadFile(p.path(section))
	if os.IsNotExist(err) {
		return nil // keep defaults
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", section, err)
	}

	var env versionedSection
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("config: parse %s: %w", section, err)
	}

	switch section {
	case SectionSystem:
		var sys SystemConfig
		if len(env.System) > 0 {
			if err := json.Unmarshal(env.System, &sys); err != nil {
				return fmt.Errorf("config: parse system body: %w", err)
			}
		} else if err := json.Unmarshal(data, &sys); err != nil {
			return fmt.Errorf("config: parse system body: %w", err)
		}
		applyEnvOverrides(&sys)
		clampSystemConfig(&sys)
		if err := p.validate.Struct(&sys); err != nil {
			return fmt.Errorf("config: validate system: %w", err)
		}
		p.mu.Lock()
		p.system = sys
		p.mu.Unlock()
	case SectionDevices:
		p.mu.Lock()
		p.devices = data
		p.mu.Unlock()
	case SectionVehicles:
		p.mu.Lock()
		p.vehicles = data
		p.mu.Unlock()
	}

	return nil
}

// GetConfig returns the current in-memory value for section.
func (p *FileProvider) GetConfig(section string) (any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch section {
	case SectionSystem:
		cfg := p.system
		return &cfg, nil
	case SectionDevices:
		return p.devices, nil
	case SectionVehicles:
		return p.vehicles, nil
	default:
		return nil, fmt.Errorf("config: unknown section %q", section)
	}
}

// SaveConfig persists section to disk atomically (write-temp-then-rename).
func (p *FileProvider) SaveConfig(section string) error {
	p.mu.RLock()
	var payload any
	switch section {
	case SectionSystem:
		payload = map[string]any{"version": 1, "system": p.system}
	case SectionDevices:
		payload = p.devices
	case SectionVehicles:
		payload = p.vehicles
	default:
		p.mu.RUnlock()
		return fmt.Errorf("config: unknown section %q", section)
	}
	p.mu.RUnlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", section, err)
	}

	if err := atomicWrite(p.path(section), data); err != nil {
		return err
	}

	p.notify(section)
	return nil
}

// UpdateSystemConfig validates and clamps cfg, stores it in memory, and
// persists it via SaveConfig, notifying listeners. Used by the HTTP
// system-config PATCH handler to apply a merge-update.
func (p *FileProvider) UpdateSystemConfig(cfg SystemConfig) (SystemConfig, error) {
	clampSystemConfig(&cfg)
	if err := p.validate.Struct(&cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("config: validate system: %w", err)
	}

	p.mu.Lock()
	p.system = cfg
	p.mu.Unlock()

	if err := p.SaveConfig(SectionSystem); err != nil {
		return SystemConfig{}, err
	}
	return cfg, nil
}

// RegisterListener subscribes cb to the notification SaveConfig sends
// after each successful save.
func (p *FileProvider) RegisterListener(cb ChangeListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, cb)
}

func (p *FileProvider) notify(section string) {
	p.mu.RLock()
	listeners := make([]ChangeListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.RUnlock()

	for _, cb := range listeners {
		cb(section)
	}
}

// atomicWrite writes data to path by writing a temp file in the same
// directory and renaming it over the destination, so a concurrent
// reader never observes a partially-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

// clampSystemConfig defensively clamps ranges even after schema
// validation, per §9's note that the core "still defensively clamps
// ranges (polling interval, concurrency, port numbers)".
func clampSystemConfig(s *SystemConfig) {
	if s.Bluetooth.MaxConcurrentConnections < 1 {
		s.Bluetooth.MaxConcurrentConnections = 1
	}
	if s.Bluetooth.MaxConcurrentConnections > 32 {
		s.Bluetooth.MaxConcurrentConnections = 32
	}
	if s.API.Port != 0 && (s.API.Port < 1024 || s.API.Port > 65535) {
		s.API.Port = 8080
	}
	if s.MQTT.Port != 0 && (s.MQTT.Port < 1 || s.MQTT.Port > 65535) {
		s.MQTT.Port = 1883
	}
	if s.MQTT.QOS < 0 || s.MQTT.QOS > 2 {
		s.MQTT.QOS = 1
	}
}

// applyEnvOverrides applies BATTERYHAWK_SYSTEM_<KEY1>_<KEY2>=<value>
// overrides understood by the core (§6). Only the handful of scalar
// leaves components actually read are supported; anything else is left
// to the outer configuration collaborator's own schema-driven override
// engine.
func applyEnvOverrides(s *SystemConfig) {
	overrides := map[string]func(string){
		"BATTERYHAWK_SYSTEM_BLUETOOTH_MAX_CONCURRENT_CONNECTIONS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				s.Bluetooth.MaxConcurrentConnections = n
			}
		},
		"BATTERYHAWK_SYSTEM_BLUETOOTH_ADAPTER": func(v string) { s.Bluetooth.Adapter = v },
		"BATTERYHAWK_SYSTEM_DISCOVERY_PERIODIC_INTERVAL": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				s.Discovery.PeriodicInterval = n
			}
		},
		"BATTERYHAWK_SYSTEM_MQTT_BROKER":       func(v string) { s.MQTT.Broker = v },
		"BATTERYHAWK_SYSTEM_MQTT_TOPIC_PREFIX": func(v string) { s.MQTT.TopicPrefix = v },
		"BATTERYHAWK_SYSTEM_API_PORT": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				s.API.Port = n
			}
		},
	}

	for key, apply := range overrides {
		if v, ok := os.LookupEnv(key); ok {
			apply(strings.TrimSpace(v))
		}
	}
}

// ConfigDir resolves the configuration directory from the environment,
// defaulting to /data (§6).
func ConfigDir() string {
	if v := os.Getenv("BATTERYHAWK_CONFIG_DIR"); v != "" {
		return v
	}
	return "/data"
}

// Seconds converts the float-seconds fields callers store in JSON into
// time.Duration for use by the components that consume them.
func Seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
