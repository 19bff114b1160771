package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFileProviderUsesDefaultsWhenNoFilesExist(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}

	raw, err := p.GetConfig(SectionSystem)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	sys := raw.(*SystemConfig)
	if sys.Bluetooth.MaxConcurrentConnections != 3 {
		t.Errorf("MaxConcurrentConnections = %d, want default 3", sys.Bluetooth.MaxConcurrentConnections)
	}
	if sys.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default 8080", sys.API.Port)
	}
}

func TestGetConfigUnknownSectionErrors(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	if _, err := p.GetConfig("bogus"); err == nil {
		t.Fatal("expected an error for an unknown section")
	}
}

func TestSaveConfigPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}

	if err := p.SaveConfig(SectionSystem); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "system.json")); err != nil {
		t.Fatalf("expected system.json to exist: %v", err)
	}

	reloaded, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("reload NewFileProvider: %v", err)
	}
	raw, err := reloaded.GetConfig(SectionSystem)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	sys := raw.(*SystemConfig)
	if sys.Bluetooth.MaxConcurrentConnections != 3 {
		t.Errorf("reloaded MaxConcurrentConnections = %d, want 3", sys.Bluetooth.MaxConcurrentConnections)
	}
}

func TestRegisterListenerNotifiedOnSave(t *testing.T) {
	p, err := NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}

	var got string
	p.RegisterListener(func(section string) { got = section })

	if err := p.SaveConfig(SectionSystem); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if got != SectionSystem {
		t.Errorf("listener received %q, want %q", got, SectionSystem)
	}
}

func TestUpdateSystemConfigValidatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}

	cfg := DefaultSystemConfig()
	cfg.Bluetooth.MaxConcurrentConnections = 99 // out of range, should be clamped

	updated, err := p.UpdateSystemConfig(cfg)
	if err != nil {
		t.Fatalf("UpdateSystemConfig: %v", err)
	}
	if updated.Bluetooth.MaxConcurrentConnections != 32 {
		t.Errorf("MaxConcurrentConnections = %d, want clamped to 32", updated.Bluetooth.MaxConcurrentConnections)
	}

	raw, err := p.GetConfig(SectionSystem)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if raw.(*SystemConfig).Bluetooth.MaxConcurrentConnections != 32 {
		t.Error("expected UpdateSystemConfig to store the clamped value")
	}
}

func TestClampSystemConfigBounds(t *testing.T) {
	sys := DefaultSystemConfig()
	sys.Bluetooth.MaxConcurrentConnections = 0
	sys.MQTT.QOS = 9
	sys.MQTT.Port = 99999

	clampSystemConfig(&sys)

	if sys.Bluetooth.MaxConcurrentConnections != 1 {
		t.Errorf("MaxConcurrentConnections = %d, want clamped to 1", sys.Bluetooth.MaxConcurrentConnections)
	}
	if sys.MQTT.QOS != 1 {
		t.Errorf("MQTT.QOS = %d, want clamped to 1", sys.MQTT.QOS)
	}
	if sys.MQTT.Port != 1883 {
		t.Errorf("MQTT.Port = %d, want clamped to 1883", sys.MQTT.Port)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BATTERYHAWK_SYSTEM_BLUETOOTH_MAX_CONCURRENT_CONNECTIONS", "7")
	t.Setenv("BATTERYHAWK_SYSTEM_MQTT_BROKER", "tcp://broker:1883")

	sys := DefaultSystemConfig()
	applyEnvOverrides(&sys)

	if sys.Bluetooth.MaxConcurrentConnections != 7 {
		t.Errorf("MaxConcurrentConnections = %d, want 7 from env override", sys.Bluetooth.MaxConcurrentConnections)
	}
	if sys.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT.Broker = %q, want override value", sys.MQTT.Broker)
	}
}

func TestConfigDirDefaultsAndHonorsEnv(t *testing.T) {
	os.Unsetenv("BATTERYHAWK_CONFIG_DIR")
	if got := ConfigDir(); got != "/data" {
		t.Errorf("ConfigDir() = %q, want /data by default", got)
	}

	t.Setenv("BATTERYHAWK_CONFIG_DIR", "/tmp/custom-dir")
	if got := ConfigDir(); got != "/tmp/custom-dir" {
		t.Errorf("ConfigDir() = %q, want override", got)
	}
}

func TestSecondsConvertsFloatToDuration(t *testing.T) {
	if got, want := Seconds(1.5), 1500000000; got.Nanoseconds() != int64(want) {
		t.Errorf("Seconds(1.5) = %v, want %dns", got, want)
	}
}
