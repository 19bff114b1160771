package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

func TestNullStoreDiscardsWritesAndReportsNoQuery(t *testing.T) {
	s := NullStore{}

	if err := s.Write(context.Background(), model.BufferedReading{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Query(context.Background(), Query{DeviceMAC: "AA:BB:CC:DD:EE:FF"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Query error = %v, want ErrNotFound", err)
	}
	if s.Capabilities().SupportsHistoricalQuery {
		t.Error("NullStore should not claim historical query support")
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
