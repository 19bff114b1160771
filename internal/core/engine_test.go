package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/logger"
	"github.com/batteryhawk/battery-hawk/internal/model"
	"github.com/batteryhawk/battery-hawk/internal/registry"
	"github.com/batteryhawk/battery-hawk/internal/state"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

// newTestEngine builds an Engine whose background tasks never touch the
// hardware-bound connection pool: no configured devices, no initial scan,
// no periodic schedule. Only the event dispatcher and the vehicle
// association reconciler run.
func newTestEngine(t *testing.T, cfg config.SystemConfig) (*Engine, *registry.DeviceRegistry) {
	t.Helper()
	dir := t.TempDir()
	devices, err := registry.NewDeviceRegistry(dir)
	if err != nil {
		t.Fatalf("NewDeviceRegistry: %v", err)
	}
	vehicles, err := registry.NewVehicleRegistry(dir, devices)
	if err != nil {
		t.Fatalf("NewVehicleRegistry: %v", err)
	}

	cfg.Discovery.InitialScan = false
	cfg.Discovery.PeriodicInterval = 0

	eng := NewEngine(Deps{
		Config:      cfg,
		Logger:      logger.New(logger.Config{Level: "error"}),
		Devices:     devices,
		Vehicles:    vehicles,
		Pool:        ble.NewPool(nil, 1),
		States:      state.NewManager(),
		Store:       storage.NewBuffer(storage.NullStore{}, storage.DefaultBufferConfig()),
		MQTT:        nil,
		SnapshotDir: dir,
	})
	return eng, devices
}

func TestEngineStartStopEmitsLifecycleEvents(t *testing.T) {
	eng, _ := newTestEngine(t, config.SystemConfig{})

	var mu sync.Mutex
	var types []EventType
	var wg sync.WaitGroup
	wg.Add(2)
	eng.OnEvent(EventHandlerFunc(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		if e.Type == EventEngineStarted || e.Type == EventEngineStopped {
			wg.Done()
		}
	}))

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) < 2 || types[0] != EventEngineStarted {
		t.Errorf("events = %v, want to start with EventEngineStarted", types)
	}
}

func TestEngineStartIsIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, config.SystemConfig{})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	eng.Stop()
}

func TestEngineStopBeforeStartIsNoop(t *testing.T) {
	eng, _ := newTestEngine(t, config.SystemConfig{})
	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestEngineRemoveDeviceClearsRegistryAndState(t *testing.T) {
	eng, devices := newTestEngine(t, config.SystemConfig{})
	if _, err := devices.RegisterDiscovered("AA:BB:CC:DD:EE:FF", model.FamilyBM2, "name"); err != nil {
		t.Fatalf("RegisterDiscovered: %v", err)
	}

	if err := eng.RemoveDevice("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if _, found := devices.Get("AA:BB:CC:DD:EE:FF"); found {
		t.Error("expected device to be removed from the registry")
	}
}

func TestEngineRemoveUnknownDeviceErrors(t *testing.T) {
	eng, _ := newTestEngine(t, config.SystemConfig{})
	if err := eng.RemoveDevice("AA:BB:CC:DD:EE:FF"); err == nil {
		t.Error("expected an error removing an unregistered device")
	}
}

func TestEngineStateSummaryAndHealthForUnknownDevice(t *testing.T) {
	eng, _ := newTestEngine(t, config.SystemConfig{})
	if got := eng.StateSummary(); len(got) != 0 {
		t.Errorf("StateSummary = %v, want empty", got)
	}
	state, history, lastErr := eng.Health("AA:BB:CC:DD:EE:FF")
	if state != model.ConnDisconnected || len(history) != 0 || lastErr != "" {
		t.Errorf("Health = %v, %v, %q, want disconnected/empty/empty", state, history, lastErr)
	}
}

func TestCronSpecForSecondsEnforcesMinimum(t *testing.T) {
	if got := cronSpecForSeconds(10); got != "@every 1m0s" {
		t.Errorf("cronSpecForSeconds(10) = %q, want the 60s floor", got)
	}
	if got := cronSpecForSeconds(7200); got != "@every 2h0m0s" {
		t.Errorf("cronSpecForSeconds(7200) = %q", got)
	}
}

func TestMatchesAssociationRuleRequiresAtLeastOneField(t *testing.T) {
	dev := &model.Device{MAC: "AA:BB:CC:DD:EE:FF", Family: model.FamilyBM2, FriendlyName: "Starter Battery"}
	if matchesAssociationRule(dev, config.AssociationRule{}) {
		t.Error("an empty rule should never match")
	}
}

func TestMatchesAssociationRuleByDeviceType(t *testing.T) {
	dev := &model.Device{MAC: "AA:BB:CC:DD:EE:FF", Family: model.FamilyBM2}
	if !matchesAssociationRule(dev, config.AssociationRule{DeviceType: string(model.FamilyBM2)}) {
		t.Error("expected device-type match")
	}
	if matchesAssociationRule(dev, config.AssociationRule{DeviceType: string(model.FamilyBM6)}) {
		t.Error("expected device-type mismatch to fail")
	}
}

func TestMatchesAssociationRuleByNameAndMAC(t *testing.T) {
	dev := &model.Device{MAC: "AA:BB:CC:DD:EE:FF", FriendlyName: "Starter Battery"}
	if !matchesAssociationRule(dev, config.AssociationRule{NamePattern: "Starter Battery"}) {
		t.Error("expected name match")
	}
	if !matchesAssociationRule(dev, config.AssociationRule{MACPattern: "AA:BB:CC:DD:EE:FF"}) {
		t.Error("expected MAC match")
	}
	if matchesAssociationRule(dev, config.AssociationRule{NamePattern: "Someone Else"}) {
		t.Error("expected name mismatch to fail")
	}
}

func TestReconcileVehicleAssociationsAssignsMatchingDevice(t *testing.T) {
	eng, devices := newTestEngine(t, config.SystemConfig{
		VehicleAssociation: config.VehicleAssociationConfig{
			Vehicles: []config.VehicleAssociationEntry{
				{ID: "vehicle_1", AssociationRules: config.AssociationRule{DeviceType: string(model.FamilyBM2)}},
			},
		},
	})
	if _, err := devices.RegisterDiscovered("AA:BB:CC:DD:EE:FF", model.FamilyBM2, "name"); err != nil {
		t.Fatalf("RegisterDiscovered: %v", err)
	}
	interval := model.DefaultPollingIntervalSeconds
	if _, err := devices.Configure("AA:BB:CC:DD:EE:FF", registry.ConfigureOptions{PollingIntervalS: &interval}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	eng.reconcileVehicleAssociations()

	dev, found := devices.Get("AA:BB:CC:DD:EE:FF")
	if !found {
		t.Fatal("expected device to remain registered")
	}
	if dev.VehicleID == nil || *dev.VehicleID != "vehicle_1" {
		t.Errorf("VehicleID = %v, want vehicle_1", dev.VehicleID)
	}
}

func TestEventTypeStringCoversKnownValues(t *testing.T) {
	cases := map[EventType]string{
		EventEngineStarted:     "engine_started",
		EventEngineStopped:     "engine_stopped",
		EventDeviceDiscovered:  "device_discovered",
		EventDeviceConfigured:  "device_configured",
		EventDeviceConnected:   "device_connected",
		EventDeviceDisconnected: "device_disconnected",
		EventDeviceError:       "device_error",
		EventReadingRecorded:   "reading_recorded",
		EventVehicleAssociated: "vehicle_associated",
		EventType(999):         "unknown_event",
	}
	for eventType, want := range cases {
		if got := eventType.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", eventType, got, want)
		}
	}
}

func TestEventHandlerFuncAdaptsPlainFunction(t *testing.T) {
	received := make(chan Event, 1)
	var handler EventHandler = EventHandlerFunc(func(e Event) { received <- e })
	handler.OnEvent(Event{Type: EventDeviceConnected, DeviceAddress: "AA:BB:CC:DD:EE:FF"})

	select {
	case e := <-received:
		if e.Type != EventDeviceConnected || e.DeviceAddress != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("OnEvent forwarded %+v unexpectedly", e)
		}
	default:
		t.Fatal("expected OnEvent to invoke the wrapped function synchronously")
	}
}
