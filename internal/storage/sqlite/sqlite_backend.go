// Package sqlite is a pure-Go, file-backed storage.Store implementation
// for deployments too small to justify running InfluxDB.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/batteryhawk/battery-hawk/internal/model"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

func init() {
	storage.RegisterFactory("influxdb", func(cfg any) (storage.Store, error) {
		path, _ := cfg.(string)
		if path == "" {
			path = "/data/battery-hawk.db"
		}
		return NewStore(path)
	})
}

// Store persists readings in a single SQLite table, each row holding
// the full reading as JSON alongside the columns a query needs to
// filter on: device mac and timestamp.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the SQLite database at path and
// ensures the readings table and its mac/timestamp index exist.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_mac TEXT NOT NULL,
			vehicle_id TEXT,
			device_type TEXT NOT NULL,
			recorded_at DATETIME NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_readings_mac_time ON readings(device_mac, recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Write inserts one reading row.
func (s *Store) Write(ctx context.Context, reading model.BufferedReading) error {
	payload, err := json.Marshal(reading.Reading)
	if err != nil {
		return fmt.Errorf("sqlite: marshal reading: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO readings (device_mac, vehicle_id, device_type, recorded_at, payload) VALUES (?, ?, ?, ?, ?)`,
		reading.DeviceID, reading.VehicleID, string(reading.DeviceType), reading.Reading.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert: %w", err)
	}
	return nil
}

// Query returns rows matching q, newest first.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]model.BufferedReading, error) {
	if err := storage.ValidateQuery(q); err != nil {
		return nil, err
	}

	query := `SELECT device_mac, vehicle_id, device_type, recorded_at, payload FROM readings WHERE device_mac = ?`
	args := []any{q.DeviceMAC}

	if !q.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		query += ` AND recorded_at <= ?`
		args = append(args, q.Until)
	}
	query += ` ORDER BY recorded_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []model.BufferedReading
	for rows.Next() {
		var (
			mac, vehicleID, deviceType, payload string
			recordedAt                          time.Time
		)
		if err := rows.Scan(&mac, &vehicleID, &deviceType, &recordedAt, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		var reading model.Reading
		if err := json.Unmarshal([]byte(payload), &reading); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal reading: %w", err)
		}
		out = append(out, model.BufferedReading{
			Reading:    reading,
			DeviceID:   mac,
			VehicleID:  vehicleID,
			DeviceType: model.Family(deviceType),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Capabilities reports full query support, no retention enforcement.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{SupportsHistoricalQuery: true, SupportsRetention: false}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
