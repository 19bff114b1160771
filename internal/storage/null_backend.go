package storage

import (
	"context"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

func init() {
	RegisterFactory("null", func(cfg any) (Store, error) { return NullStore{}, nil })
}

// NullStore discards every write. It is registered as the "null"
// backend; cmd/batteryhawk does not select it, and falls back to the
// json backend when system storage is disabled.
type NullStore struct{}

func (NullStore) Write(ctx context.Context, reading model.BufferedReading) error { return nil }

func (NullStore) Query(ctx context.Context, q Query) ([]model.BufferedReading, error) {
	return nil, ErrNotFound
}

func (NullStore) HealthCheck(ctx context.Context) error { return nil }

func (NullStore) Capabilities() Capabilities {
	return Capabilities{SupportsHistoricalQuery: false, SupportsRetention: false}
}

func (NullStore) Close() error { return nil }
