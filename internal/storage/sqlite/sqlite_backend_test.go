package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/model"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

func TestStoreWriteAndQueryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	mac := "AA:BB:CC:DD:EE:FF"
	now := time.Now().UTC().Truncate(time.Second)
	reading := model.BufferedReading{
		Reading:    model.Reading{VoltageV: 12.8, CurrentA: -0.3, Timestamp: now},
		DeviceID:   mac,
		VehicleID:  "vehicle_1",
		DeviceType: model.FamilyBM2,
	}
	if err := s.Write(context.Background(), reading); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := s.Query(context.Background(), storage.Query{DeviceMAC: mac})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 row, got %d", len(out))
	}
	if out[0].Reading.VoltageV != 12.8 || out[0].VehicleID != "vehicle_1" {
		t.Errorf("round-tripped row = %+v", out[0])
	}
}

func TestStoreQueryOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	mac := "AA:BB:CC:DD:EE:FF"
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 4; i++ {
		r := model.BufferedReading{
			Reading:    model.Reading{VoltageV: float64(i), Timestamp: base.Add(time.Duration(i) * time.Minute)},
			DeviceID:   mac,
			DeviceType: model.FamilyBM2,
		}
		if err := s.Write(context.Background(), r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	out, err := s.Query(context.Background(), storage.Query{DeviceMAC: mac, Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows with limit applied, got %d", len(out))
	}
	if out[0].Reading.VoltageV != 3 || out[1].Reading.VoltageV != 2 {
		t.Errorf("expected newest-first order, got %+v", out)
	}
}

func TestStoreHealthCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestInfluxdbFactoryRegistered(t *testing.T) {
	s, err := storage.New("influxdb", filepath.Join(t.TempDir(), "factory.db"))
	if err != nil {
		t.Fatalf("storage.New(influxdb): %v", err)
	}
	defer s.Close()
	if !s.Capabilities().SupportsHistoricalQuery {
		t.Error("expected the influxdb-backed sqlite store to support historical query")
	}
}
