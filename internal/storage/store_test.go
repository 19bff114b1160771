package storage

import "testing"

func TestValidateQueryRequiresValidMAC(t *testing.T) {
	if err := ValidateQuery(Query{DeviceMAC: "not-a-mac"}); err == nil {
		t.Fatal("expected an error for an invalid MAC")
	}
	if err := ValidateQuery(Query{DeviceMAC: "AA:BB:CC:DD:EE:FF"}); err != nil {
		t.Fatalf("expected a valid MAC with no other fields to pass, got %v", err)
	}
}

func TestValidateQueryRejectsNegativeLimit(t *testing.T) {
	q := Query{DeviceMAC: "AA:BB:CC:DD:EE:FF", Limit: -1}
	if err := ValidateQuery(q); err == nil {
		t.Fatal("expected an error for a negative limit")
	}
}

func TestValidateQueryRejectsLimitAboveMaximum(t *testing.T) {
	q := Query{DeviceMAC: "AA:BB:CC:DD:EE:FF", Limit: 10001}
	if err := ValidateQuery(q); err == nil {
		t.Fatal("expected an error for a limit above the maximum")
	}
}

func TestValidateQueryRejectsUntilBeforeSince(t *testing.T) {
	q := Query{DeviceMAC: "AA:BB:CC:DD:EE:FF"}
	q.Since = q.Since.Add(0) // zero-value baseline, overwritten below
	q.Since = q.Since.AddDate(2026, 0, 0)
	q.Until = q.Since.AddDate(-1, 0, 0)
	if err := ValidateQuery(q); err == nil {
		t.Fatal("expected an error when until precedes since")
	}
}

func TestNewReportsUnknownBackend(t *testing.T) {
	if _, err := New("not-a-real-backend", nil); err == nil {
		t.Fatal("expected an error for an unregistered backend name")
	}
}

func TestNewResolvesRegisteredBackends(t *testing.T) {
	for _, name := range []string{"json", "null"} {
		if _, ok := factories[name]; !ok {
			t.Errorf("expected backend %q to be registered", name)
		}
	}
}
