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

// VehicleRegistry is the authoritative store of vehicle groupings,
// backed by a JSON file on disk. IDs are assigned sequentially as
// vehicle_<n>: stable, human-readable in logs and config files, and
// simple enough that the persisted next-id counter is the only piece of
// generator state to carry across restarts.
type VehicleRegistry struct {
	mu       sync.RWMutex
	path     string
	vehicles map[string]*model.Vehicle
	nextID   int

	devices *DeviceRegistry
}

type vehiclesFile struct {
	Version       int                       `json:"version"`
	Vehicles      map[string]*model.Vehicle `json:"vehicles"`
	NextVehicleID int                       `json:"next_vehicle_id"`
}

// NewVehicleRegistry loads vehicles.json from dir. devices is consulted
// to block deletion of a vehicle with devices still associated to it.
func NewVehicleRegistry(dir string, devices *DeviceRegistry) (*VehicleRegistry, error) {
	r := &VehicleRegistry{
		path:     filepath.Join(dir, "vehicles.json"),
		vehicles: make(map[string]*model.Vehicle),
		nextID:   1,
		devices:  devices,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *VehicleRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read vehicles: %w", err)
	}
	var f vehiclesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("registry: parse vehicles: %w", err)
	}
	if f.Vehicles == nil {
		f.Vehicles = make(map[string]*model.Vehicle)
	}
	if f.NextVehicleID < 1 {
		f.NextVehicleID = 1
	}
	r.mu.Lock()
	r.vehicles = f.Vehicles
	r.nextID = f.NextVehicleID
	r.mu.Unlock()
	return nil
}

func (r *VehicleRegistry) persistLocked() error {
	f := vehiclesFile{Version: 1, Vehicles: r.vehicles, NextVehicleID: r.nextID}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal vehicles: %w", err)
	}
	return atomicWrite(r.path, data)
}

// Create adds a new vehicle named name and returns it with a freshly
// assigned sequential ID.
func (r *VehicleRegistry) Create(name string) (*model.Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := fmt.Sprintf("vehicle_%d", r.nextID)
	r.nextID++

	v := &model.Vehicle{ID: id, Name: name, CreatedAt: time.Now()}
	r.vehicles[id] = v
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

// Rename updates vehicle id's display name.
func (r *VehicleRegistry) Rename(id, name string) (*model.Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("registry: vehicle %s not found", id)
	}
	if name != "" {
		v.Name = name
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the vehicle with the given id.
func (r *VehicleRegistry) Get(id string) (*model.Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vehicles[id]
	return v, ok
}

// List returns every vehicle sorted by ID, with DeviceCount populated
// from the device registry.
func (r *VehicleRegistry) List() []*model.Vehicle {
	r.mu.RLock()
	out := make([]*model.Vehicle, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		out = append(out, v)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if r.devices != nil {
		for _, v := range out {
			v.DeviceCount = len(r.devices.ListByVehicle(v.ID))
		}
	}
	return out
}

// Delete removes vehicle id. It fails with a conflict if any device is
// still associated to it, so callers must reassign or unconfigure those
// devices first.
func (r *VehicleRegistry) Delete(id string) error {
	if r.devices != nil {
		if assigned := r.devices.ListByVehicle(id); len(assigned) > 0 {
			return fmt.Errorf("registry: vehicle %s has %d associated devices", id, len(assigned))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vehicles[id]; !ok {
		return fmt.Errorf("registry: vehicle %s not found", id)
	}
	delete(r.vehicles, id)
	return r.persistLocked()
}
