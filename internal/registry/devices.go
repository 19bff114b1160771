// Package registry owns the persistent Device and Vehicle records (§4.3,
// §4.4): registration, configuration, lookup, and atomic JSON
// persistence. It holds no BLE or MQTT state of its own; the state
// manager and connection pool track runtime state separately and
// reference registry records by MAC.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

// DeviceRegistry is the authoritative, mutex-guarded store of known
// devices, backed by a JSON file on disk (§6 persisted layout).
type DeviceRegistry struct {
	mu      sync.RWMutex
	path    string
	devices map[string]*model.Device
}

type devicesFile struct {
	Version int                      `json:"version"`
	Devices map[string]*model.Device `json:"devices"`
}

// NewDeviceRegistry loads devices.json from dir, or starts empty if the
// file does not yet exist.
func NewDeviceRegistry(dir string) (*DeviceRegistry, error) {
	r := &DeviceRegistry{
		path:    filepath.Join(dir, "devices.json"),
		devices: make(map[string]*model.Device),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *DeviceRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read devices: %w", err)
	}
	var f devicesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("registry: parse devices: %w", err)
	}
	if f.Devices == nil {
		f.Devices = make(map[string]*model.Device)
	}
	r.mu.Lock()
	r.devices = f.Devices
	r.mu.Unlock()
	return nil
}

func (r *DeviceRegistry) persistLocked() error {
	f := devicesFile{Version: 1, Devices: r.devices}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal devices: %w", err)
	}
	return atomicWrite(r.path, data)
}

// RegisterDiscovered idempotently records mac/family as discovered. If a
// record for mac already exists, it is left untouched: re-discovering an
// already-known device is not an error and does not clobber its
// configuration (the conservative choice noted for this operation).
func (r *DeviceRegistry) RegisterDiscovered(mac string, family model.Family, name string) (*model.Device, error) {
	mac = model.CanonicalMAC(mac)
	if !model.ValidMAC(mac) {
		return nil, fmt.Errorf("registry: invalid mac %q", mac)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[mac]; ok {
		return existing, nil
	}

	dev := &model.Device{
		MAC:              mac,
		Family:           family,
		FriendlyName:     name,
		Status:           model.StatusDiscovered,
		PollingIntervalS: model.DefaultPollingIntervalSeconds,
		ConnectionConfig: model.DefaultConnectionConfig(),
		DiscoveredAt:     time.Now(),
	}
	r.devices[mac] = dev
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return dev, nil
}

// ConfigureOptions carries the optional fields Configure may set.
type ConfigureOptions struct {
	FriendlyName     *string
	PollingIntervalS *int
	VehicleID        *string
}

// Configure transitions mac from discovered to configured, applying opts.
// mac must already be registered.
func (r *DeviceRegistry) Configure(mac string, opts ConfigureOptions) (*model.Device, error) {
	mac = model.CanonicalMAC(mac)

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[mac]
	if !ok {
		return nil, fmt.Errorf("registry: device %s not found", mac)
	}

	if opts.FriendlyName != nil {
		dev.FriendlyName = *opts.FriendlyName
	}
	if opts.PollingIntervalS != nil {
		dev.PollingIntervalS = *opts.PollingIntervalS
	} else if dev.PollingIntervalS == 0 {
		dev.PollingIntervalS = model.DefaultPollingIntervalSeconds
	}
	if opts.VehicleID != nil {
		dev.VehicleID = opts.VehicleID
	}
	dev.Status = model.StatusConfigured
	now := time.Now()
	dev.ConfiguredAt = &now

	if err := dev.Validate(); err != nil {
		return nil, err
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return dev, nil
}

// UpdateLatestReading records reading as mac's most recent sample.
func (r *DeviceRegistry) UpdateLatestReading(mac string, reading model.Reading) error {
	mac = model.CanonicalMAC(mac)

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[mac]
	if !ok {
		return fmt.Errorf("registry: device %s not found", mac)
	}
	dev.LatestReading = &reading
	now := reading.Timestamp
	dev.LastReadingTime = &now
	return r.persistLocked()
}

// UpdateStatus records a free-form device status string (e.g. "ok",
// "error: <detail>") distinct from the lifecycle Status field.
func (r *DeviceRegistry) UpdateStatus(mac, status string) error {
	mac = model.CanonicalMAC(mac)

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[mac]
	if !ok {
		return fmt.Errorf("registry: device %s not found", mac)
	}
	dev.DeviceStatusText = status
	now := time.Now()
	dev.LastStatusUpdate = &now
	return r.persistLocked()
}

// Get returns the device for mac.
func (r *DeviceRegistry) Get(mac string) (*model.Device, bool) {
	mac = model.CanonicalMAC(mac)
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[mac]
	return dev, ok
}

// ListConfigured returns every device with Status == configured, sorted by MAC.
func (r *DeviceRegistry) ListConfigured() []*model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if d.Status == model.StatusConfigured {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// ListAll returns every known device, sorted by MAC.
func (r *DeviceRegistry) ListAll() []*model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// ListByVehicle returns every configured device associated with vehicleID.
func (r *DeviceRegistry) ListByVehicle(vehicleID string) []*model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Device, 0)
	for _, d := range r.devices {
		if d.VehicleID != nil && *d.VehicleID == vehicleID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Remove deletes mac from the registry.
func (r *DeviceRegistry) Remove(mac string) error {
	mac = model.CanonicalMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[mac]; !ok {
		return fmt.Errorf("registry: device %s not found", mac)
	}
	delete(r.devices, mac)
	return r.persistLocked()
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	return nil
}
