// Package core provides the Engine: the orchestrator that wires the
// connection pool, registries, state manager, storage, and MQTT
// publisher together into the supervised background tasks that make up
// a running battery-hawk process (§4.7).
package core

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/batteryhawk/battery-hawk/internal/autoconfig"
	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/bherrors"
	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/discovery"
	"github.com/batteryhawk/battery-hawk/internal/logger"
	"github.com/batteryhawk/battery-hawk/internal/metrics"
	"github.com/batteryhawk/battery-hawk/internal/model"
	"github.com/batteryhawk/battery-hawk/internal/mqttpub"
	"github.com/batteryhawk/battery-hawk/internal/protocol"
	"github.com/batteryhawk/battery-hawk/internal/registry"
	"github.com/batteryhawk/battery-hawk/internal/state"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

// Errors returned by Engine operations.
var (
	ErrNotStarted  = errors.New("core: engine not started")
	ErrStopped     = errors.New("core: engine stopped")
	ErrNotConfigured = errors.New("core: device not configured")
)

// Engine owns every long-running task in the process: the initial and
// periodic discovery scans, the per-device poll tasks, the
// vehicle-association reconciler, and the event bus those tasks publish
// to.
type Engine struct {
	mu sync.RWMutex

	cfg     config.SystemConfig
	logger  *logger.Logger
	devices *registry.DeviceRegistry
	vehicles *registry.VehicleRegistry
	pool    *ble.Pool
	states  *state.Manager
	store   *storage.Buffer
	mqtt    *mqttpub.Publisher
	disco   *discovery.Service
	cron    *cron.Cron

	pollCancel map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool

	eventChan chan Event
	handlers  []EventHandler
}

// Deps bundles the collaborators Engine needs. All fields are required
// except MQTT, which is nil when MQTT publishing is disabled, and
// SnapshotDir, which may be empty to skip the discovery snapshot.
type Deps struct {
	Config   config.SystemConfig
	Logger   *logger.Logger
	Devices  *registry.DeviceRegistry
	Vehicles *registry.VehicleRegistry
	Pool     *ble.Pool
	States   *state.Manager
	Store    *storage.Buffer
	MQTT     *mqttpub.Publisher
	SnapshotDir string
}

// NewEngine wires deps into a ready-to-Start Engine.
func NewEngine(deps Deps) *Engine {
	classifier := autoconfig.NewClassifier(deps.Config.Discovery.AutoConfigure.ConfidenceThreshold)
	disco := discovery.NewService(deps.Pool, classifier, deps.Devices, deps.SnapshotDir)
	for family, rule := range deps.Config.Discovery.AutoConfigure.Rules {
		disco.SetAutoConfigureRule(model.Family(family), rule)
	}

	e := &Engine{
		cfg:        deps.Config,
		logger:     deps.Logger,
		devices:    deps.Devices,
		vehicles:   deps.Vehicles,
		pool:       deps.Pool,
		states:     deps.States,
		store:      deps.Store,
		mqtt:       deps.MQTT,
		disco:      disco,
		cron:       cron.New(),
		pollCancel: make(map[string]context.CancelFunc),
		eventChan:  make(chan Event, 1000),
	}

	if deps.Pool != nil {
		deps.Pool.OnReconnectError(func(mac string, attempt int, err error) {
			e.recordError(mac, err)
		})
	}

	return e
}

// OnEvent registers a handler for every event the engine emits.
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Start launches the event dispatcher, the discovery schedule, the
// poll-task supervisor for every already-configured device, and the
// vehicle-association reconciler. It installs SIGINT/SIGTERM handlers
// that call Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			e.logger.Info("shutdown signal received")
			e.Stop()
		case <-e.ctx.Done():
		}
	}()

	go e.dispatchEvents()

	if e.cfg.Discovery.InitialScan {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("initial discovery panicked", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			e.runDiscoveryScan(e.ctx, false)
		}()
	}

	if e.cfg.Discovery.PeriodicInterval > 0 {
		spec := cronSpecForSeconds(e.cfg.Discovery.PeriodicInterval)
		e.cron.AddFunc(spec, func() { e.runDiscoveryScan(e.ctx, true) })
		e.cron.Start()
	}

	for _, dev := range e.devices.ListConfigured() {
		e.startPollTask(dev)
	}

	e.wg.Add(1)
	go e.runSupervised(e.ctx, "vehicle-association", func(ctx context.Context) {
		defer e.wg.Done()
		e.vehicleAssociationLoop(ctx)
	})

	e.started = true
	e.emit(Event{Type: EventEngineStarted, Timestamp: time.Now()})
	return nil
}

// Stop cancels every supervised task, stops the cron scheduler, and
// waits for in-flight tasks to unwind before returning.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.cron.Stop()
	cancel()
	e.wg.Wait()

	if e.mqtt != nil {
		e.mqtt.Close()
	}
	if e.store != nil {
		e.store.Close()
	}

	e.emit(Event{Type: EventEngineStopped, Timestamp: time.Now()})
	close(e.eventChan)
	return nil
}

// runSupervised runs fn, restarting it after a brief delay if it panics
// or returns early, until ctx is canceled. Every supervised goroutine in
// the engine is wrapped this way so one misbehaving task cannot take the
// process down.
func (e *Engine) runSupervised(ctx context.Context, name string, fn func(ctx context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("supervised task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			fn(ctx)
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func cronSpecForSeconds(seconds int) string {
	if seconds < 60 {
		seconds = 60
	}
	return "@every " + time.Duration(seconds*int(time.Second)).String()
}

// runDiscoveryScan runs one discovery pass and logs the outcome.
func (e *Engine) runDiscoveryScan(ctx context.Context, periodic bool) {
	opts := discovery.Options{
		Duration:      time.Duration(e.cfg.Discovery.ScanDuration) * time.Second,
		StopOnNew:     false,
		AutoConfigure: e.cfg.Discovery.AutoConfigure.Enabled,
	}
	found, err := e.disco.Scan(ctx, opts)
	if err != nil {
		e.logger.Error("discovery scan failed", "error", err, "periodic", periodic)
		return
	}
	e.logger.Info("discovery scan complete", "found", len(found), "periodic", periodic)
	for _, f := range found {
		e.emit(Event{Type: EventDeviceDiscovered, DeviceAddress: f.MAC, Timestamp: time.Now()})
		if f.AutoConfigured {
			if dev, ok := e.devices.Get(f.MAC); ok {
				e.startPollTask(dev)
				e.emit(Event{Type: EventDeviceConfigured, DeviceAddress: f.MAC, Timestamp: time.Now()})
			}
		}
	}
}

// vehicleAssociationLoop periodically reconciles configured devices
// against the configured vehicle association rules, assigning any
// unassociated device whose name or MAC matches a rule.
func (e *Engine) vehicleAssociationLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	e.reconcileVehicleAssociations()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileVehicleAssociations()
		}
	}
}

func (e *Engine) reconcileVehicleAssociations() {
	for _, entry := range e.cfg.VehicleAssociation.Vehicles {
		for _, dev := range e.devices.ListConfigured() {
			if dev.VehicleID != nil {
				continue
			}
			if !matchesAssociationRule(dev, entry.AssociationRules) {
				continue
			}
			vehicleID := entry.ID
			e.states.SetVehicleAssociation(dev.MAC, &vehicleID)
			_, _ = e.devices.Configure(dev.MAC, registry.ConfigureOptions{VehicleID: &vehicleID})
			e.emit(Event{Type: EventVehicleAssociated, DeviceAddress: dev.MAC, VehicleID: vehicleID, Timestamp: time.Now()})
		}
	}
}

func matchesAssociationRule(dev *model.Device, rule config.AssociationRule) bool {
	if rule.DeviceType != "" && string(dev.Family) != rule.DeviceType {
		return false
	}
	if rule.MACPattern != "" && dev.MAC != rule.MACPattern {
		return false
	}
	if rule.NamePattern != "" && dev.FriendlyName != rule.NamePattern {
		return false
	}
	return rule.DeviceType != "" || rule.MACPattern != "" || rule.NamePattern != ""
}

// startPollTask launches (or relaunches) the poll task for dev, first
// canceling any task already running for its MAC.
func (e *Engine) startPollTask(dev *model.Device) {
	e.mu.Lock()
	if cancel, ok := e.pollCancel[dev.MAC]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.pollCancel[dev.MAC] = cancel
	e.mu.Unlock()

	e.states.Register(dev.MAC, dev.Family)
	e.pool.SetConnectionConfig(dev.MAC, dev.ConnectionConfig)
	metrics.ActivePollTasks.Inc()

	e.wg.Add(1)
	go e.runSupervised(ctx, "poll:"+dev.MAC, func(ctx context.Context) {
		defer e.wg.Done()
		defer metrics.ActivePollTasks.Dec()
		e.pollDevice(ctx, dev)
	})
}

// pollDevice implements the per-device poll loop (§4.7 steps 1-5):
// connect, read, persist, publish, sleep for the configured interval,
// repeat, with the connection released and an error recorded on any
// failure so the next tick can retry.
func (e *Engine) pollDevice(ctx context.Context, dev *model.Device) {
	mac := dev.MAC
	interval := time.Duration(dev.PollingIntervalS) * time.Second
	if interval <= 0 {
		interval = model.DefaultPollingIntervalSeconds * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.pollTick(ctx, dev)
	for {
		select {
		case <-ctx.Done():
			e.pool.Disconnect(mac)
			e.states.UpdateConnectionState(mac, model.ConnDisconnected)
			return
		case <-ticker.C:
			e.pollTick(ctx, dev)
		}
	}
}

func (e *Engine) pollTick(ctx context.Context, dev *model.Device) {
	mac := dev.MAC
	e.states.UpdatePollingState(mac, true)
	defer e.states.UpdatePollingState(mac, false)

	profile, ok := protocol.Profile(dev.Family)
	if !ok {
		e.recordError(mac, bherrors.New(bherrors.KindProtocol, mac, "unknown device family"))
		metrics.PollTicks.WithLabelValues(mac, metrics.OutcomeFailure).Inc()
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	session, err := e.pool.Connect(connectCtx, mac, profile.ServiceUUID, profile.WriteUUID, profile.NotifyUUID)
	if err != nil {
		e.recordError(mac, err)
		e.states.UpdateConnectionState(mac, model.ConnError)
		metrics.PollTicks.WithLabelValues(mac, metrics.OutcomeFailure).Inc()
		return
	}
	e.states.UpdateConnectionState(mac, model.ConnConnected)
	e.emit(Event{Type: EventDeviceConnected, DeviceAddress: mac, Timestamp: time.Now()})

	adapter, ok := protocol.New(dev.Family)
	if !ok {
		e.recordError(mac, bherrors.New(bherrors.KindProtocol, mac, "no adapter for family"))
		metrics.PollTicks.WithLabelValues(mac, metrics.OutcomeFailure).Inc()
		return
	}
	if err := adapter.Connect(ctx, session); err != nil {
		e.recordError(mac, err)
		metrics.PollTicks.WithLabelValues(mac, metrics.OutcomeFailure).Inc()
		return
	}
	defer adapter.Disconnect()

	readCtx, readCancel := context.WithTimeout(ctx, 35*time.Second)
	defer readCancel()

	reading, err := adapter.ReadData(readCtx)
	if err != nil {
		e.recordError(mac, err)
		metrics.PollTicks.WithLabelValues(mac, metrics.OutcomeFailure).Inc()
		return
	}

	e.states.UpdateReading(mac, reading)
	_ = e.devices.UpdateLatestReading(mac, reading)

	if e.store != nil {
		vehicleID := ""
		if dev.VehicleID != nil {
			vehicleID = *dev.VehicleID
		}
		_ = e.store.Write(ctx, model.BufferedReading{Reading: reading, DeviceID: mac, VehicleID: vehicleID, DeviceType: dev.Family})
	}
	if e.mqtt != nil {
		e.mqtt.PublishReading(mac, reading)
	}

	e.emit(Event{Type: EventReadingRecorded, DeviceAddress: mac, Timestamp: time.Now()})
	metrics.PollTicks.WithLabelValues(mac, metrics.OutcomeSuccess).Inc()
}

func (e *Engine) recordError(mac string, err error) {
	e.states.UpdateStatus(mac, "error", err.Error())
	_ = e.devices.UpdateStatus(mac, err.Error())
	e.emit(Event{Type: EventDeviceError, DeviceAddress: mac, Error: err, Timestamp: time.Now()})

	if kind, ok := bherrors.KindOf(err); ok {
		metrics.DeviceErrors.WithLabelValues(mac, kind.String()).Inc()
	}
}

// ConfigureDevice marks mac as configured and, if the engine is running,
// (re)starts its poll task.
func (e *Engine) ConfigureDevice(mac string, opts registry.ConfigureOptions) (*model.Device, error) {
	dev, err := e.devices.Configure(mac, opts)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if started {
		e.startPollTask(dev)
	}
	e.emit(Event{Type: EventDeviceConfigured, DeviceAddress: mac, Timestamp: time.Now()})
	return dev, nil
}

// RemoveDevice stops mac's poll task, if running, and removes its
// registry and runtime state.
func (e *Engine) RemoveDevice(mac string) error {
	mac = model.CanonicalMAC(mac)

	e.mu.Lock()
	if cancel, ok := e.pollCancel[mac]; ok {
		cancel()
		delete(e.pollCancel, mac)
	}
	e.mu.Unlock()

	e.states.Unregister(mac)
	return e.devices.Remove(mac)
}

// Scan runs a single on-demand discovery pass (§6 POST /discovery/scan).
func (e *Engine) Scan(ctx context.Context, opts discovery.Options) ([]discovery.Found, error) {
	return e.disco.Scan(ctx, opts)
}

// StateSummary returns a snapshot of every tracked device's runtime state.
func (e *Engine) StateSummary() []model.DeviceRuntimeState {
	return e.states.Summary()
}

// Health reports the connection-pool health for mac (§6 device detail).
func (e *Engine) Health(mac string) (model.ConnState, []model.StateTransition, string) {
	return e.pool.Health(mac)
}

func (e *Engine) emit(event Event) {
	select {
	case e.eventChan <- event:
	default:
	}
}

func (e *Engine) dispatchEvents() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in event dispatcher", "error", r)
		}
	}()

	for event := range e.eventChan {
		e.mu.RLock()
		handlers := make([]EventHandler, len(e.handlers))
		copy(handlers, e.handlers)
		e.mu.RUnlock()

		for _, handler := range handlers {
			func(h EventHandler) {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("panic in event handler", "error", r)
					}
				}()
				h.OnEvent(event)
			}(handler)
		}
	}
}
