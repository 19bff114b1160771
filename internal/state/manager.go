// Package state tracks the live, in-memory runtime state of every
// connected device: connection state, polling activity, latest reading,
// and status text (§4.6). It is distinct from the registry, which owns
// the persistent configuration record; the state manager is rebuilt
// from scratch on every process restart.
package state

import (
	"sync"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

// EventCallback is invoked when a device's connection state transitions
// to the state the callback was registered for.
type EventCallback func(mac string, snap model.DeviceRuntimeState)

// Manager is a mutex-guarded table of per-device runtime state with
// best-effort event dispatch on connection-state transitions.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*model.DeviceRuntimeState

	listenerMu sync.RWMutex
	listeners  map[model.ConnState][]EventCallback
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		states:    make(map[string]*model.DeviceRuntimeState),
		listeners: make(map[model.ConnState][]EventCallback),
	}
}

// Register creates runtime state for mac if it does not already exist.
func (m *Manager) Register(mac string, family model.Family) *model.DeviceRuntimeState {
	mac = model.CanonicalMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[mac]; ok {
		return s
	}
	s := &model.DeviceRuntimeState{MAC: mac, Family: family, ConnectionState: model.ConnDisconnected}
	m.states[mac] = s
	return s
}

// Unregister drops mac's runtime state entirely (e.g. on device removal).
func (m *Manager) Unregister(mac string) {
	mac = model.CanonicalMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, mac)
}

// UpdateConnectionState records a new connection state for mac, appends
// it to the bounded history, and dispatches any callbacks registered for
// that target state.
func (m *Manager) UpdateConnectionState(mac string, cs model.ConnState) {
	mac = model.CanonicalMAC(mac)

	m.mu.Lock()
	s, ok := m.states[mac]
	if !ok {
		s = &model.DeviceRuntimeState{MAC: mac, ConnectionState: model.ConnDisconnected}
		m.states[mac] = s
	}
	s.ConnectionState = cs
	s.History = append(s.History, model.StateTransition{State: cs, Timestamp: time.Now()})
	if len(s.History) > model.MaxStateHistory {
		s.History = s.History[len(s.History)-model.MaxStateHistory:]
	}
	snap := *s
	m.mu.Unlock()

	m.dispatch(cs, mac, snap)
}

// UpdatePollingState records whether mac's poll task is currently active.
func (m *Manager) UpdatePollingState(mac string, active bool) {
	mac = model.CanonicalMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[mac]; ok {
		s.PollingActive = active
	}
}

// UpdateReading records the latest reading observed for mac.
func (m *Manager) UpdateReading(mac string, reading model.Reading) {
	mac = model.CanonicalMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[mac]; ok {
		r := reading
		s.LatestReading = &r
		now := reading.Timestamp
		s.LastReadingTime = &now
	}
}

// UpdateStatus records a free-form status string and clears/sets the
// last-error field (an empty lastErr clears it).
func (m *Manager) UpdateStatus(mac, status, lastErr string) {
	mac = model.CanonicalMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[mac]; ok {
		s.LatestStatus = status
		s.LastError = lastErr
		now := time.Now()
		s.LastStatusUpdate = &now
	}
}

// SetVehicleAssociation records which vehicle, if any, mac currently
// reports to.
func (m *Manager) SetVehicleAssociation(mac string, vehicleID *string) {
	mac = model.CanonicalMAC(mac)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[mac]; ok {
		s.VehicleID = vehicleID
	}
}

// Get returns a snapshot copy of mac's runtime state.
func (m *Manager) Get(mac string) (model.DeviceRuntimeState, bool) {
	mac = model.CanonicalMAC(mac)
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[mac]
	if !ok {
		return model.DeviceRuntimeState{}, false
	}
	return *s, true
}

// Summary returns a snapshot copy of every tracked device's runtime state.
func (m *Manager) Summary() []model.DeviceRuntimeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DeviceRuntimeState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	return out
}

// OnState registers cb to run whenever any device transitions into target.
func (m *Manager) OnState(target model.ConnState, cb EventCallback) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners[target] = append(m.listeners[target], cb)
}

// dispatch runs every listener for cs in its own goroutine so a panicking
// or slow callback cannot affect another, or the caller that triggered
// the transition.
func (m *Manager) dispatch(cs model.ConnState, mac string, snap model.DeviceRuntimeState) {
	m.listenerMu.RLock()
	cbs := append([]EventCallback(nil), m.listeners[cs]...)
	m.listenerMu.RUnlock()

	for _, cb := range cbs {
		go func(cb EventCallback) {
			defer func() { recover() }()
			cb(mac, snap)
		}(cb)
	}
}
