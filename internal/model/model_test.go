package model

import "testing"

func TestValidMAC(t *testing.T) {
	valid := []string{
		"AA:BB:CC:DD:EE:FF",
		"aa:bb:cc:dd:ee:ff",
		"AA-BB-CC-DD-EE-FF",
	}
	for _, mac := range valid {
		if !ValidMAC(mac) {
			t.Errorf("ValidMAC(%q) = false, want true", mac)
		}
	}

	invalid := []string{
		"",
		"AA:BB:CC:DD:EE",
		"AA:BB:CC:DD:EE:FF:00",
		"GG:BB:CC:DD:EE:FF",
		"AABBCCDDEEFF",
	}
	for _, mac := range invalid {
		if ValidMAC(mac) {
			t.Errorf("ValidMAC(%q) = true, want false", mac)
		}
	}
}

func TestCanonicalMAC(t *testing.T) {
	got := CanonicalMAC("aa-bb-cc-dd-ee-ff")
	want := "AA:BB:CC:DD:EE:FF"
	if got != want {
		t.Errorf("CanonicalMAC = %q, want %q", got, want)
	}
}

func TestDeviceValidateRequiresKnownFamilyWhenConfigured(t *testing.T) {
	d := &Device{
		MAC:              "AA:BB:CC:DD:EE:FF",
		Status:           StatusConfigured,
		Family:           FamilyUnknown,
		PollingIntervalS: DefaultPollingIntervalSeconds,
	}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for configured device with unknown family")
	}

	d.Family = FamilyBM2
	if err := d.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestDeviceValidatePollingIntervalBounds(t *testing.T) {
	d := &Device{
		MAC:    "AA:BB:CC:DD:EE:FF",
		Status: StatusConfigured,
		Family: FamilyBM6,
	}

	d.PollingIntervalS = MinPollingIntervalSeconds - 1
	if err := d.Validate(); err == nil {
		t.Error("expected error for polling interval below minimum")
	}

	d.PollingIntervalS = MaxPollingIntervalSeconds + 1
	if err := d.Validate(); err == nil {
		t.Error("expected error for polling interval above maximum")
	}

	d.PollingIntervalS = MinPollingIntervalSeconds
	if err := d.Validate(); err != nil {
		t.Errorf("expected minimum interval to be valid, got %v", err)
	}

	d.PollingIntervalS = MaxPollingIntervalSeconds
	if err := d.Validate(); err != nil {
		t.Errorf("expected maximum interval to be valid, got %v", err)
	}
}

func TestDeviceValidateSkipsBoundsForDiscoveredDevices(t *testing.T) {
	d := &Device{
		MAC:              "AA:BB:CC:DD:EE:FF",
		Status:           StatusDiscovered,
		Family:           FamilyUnknown,
		PollingIntervalS: 0,
	}
	if err := d.Validate(); err != nil {
		t.Errorf("discovered devices should not be subject to configured-device invariants, got %v", err)
	}
}

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig()
	if cfg.RetryAttempts <= 0 {
		t.Errorf("RetryAttempts = %d, want > 0", cfg.RetryAttempts)
	}
	if cfg.RetryBackoff <= 0 || cfg.ReconnectionDelay <= 0 {
		t.Error("expected positive backoff/reconnection delay defaults")
	}
}
