package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/batteryhawk/battery-hawk/internal/model"
)

func init() {
	RegisterFactory("json", func(cfg any) (Store, error) {
		path, _ := cfg.(string)
		if path == "" {
			path = "/data/readings.json"
		}
		return NewJSONStore(path)
	})
}

// JSONStore appends readings to a single JSON file, keeping the last
// maxPerDevice readings per device in memory and on disk. It is meant
// for small deployments without a real time-series database.
type JSONStore struct {
	mu           sync.Mutex
	path         string
	maxPerDevice int
	byDevice     map[string][]model.BufferedReading
}

type jsonStoreFile struct {
	Version  int                                  `json:"version"`
	ByDevice map[string][]model.BufferedReading `json:"by_device"`
}

// NewJSONStore opens or creates the JSON store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, maxPerDevice: 500, byDevice: make(map[string][]model.BufferedReading)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: json: read: %w", err)
	}
	var f jsonStoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("storage: json: parse: %w", err)
	}
	if f.ByDevice != nil {
		s.byDevice = f.ByDevice
	}
	return s, nil
}

func (s *JSONStore) Write(ctx context.Context, reading model.BufferedReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byDevice[reading.DeviceID]
	list = append(list, reading)
	if len(list) > s.maxPerDevice {
		list = list[len(list)-s.maxPerDevice:]
	}
	s.byDevice[reading.DeviceID] = list

	return s.persistLocked()
}

func (s *JSONStore) persistLocked() error {
	data, err := json.MarshalIndent(jsonStoreFile{Version: 1, ByDevice: s.byDevice}, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: json: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: json: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: json: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: json: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *JSONStore) Query(ctx context.Context, q Query) ([]model.BufferedReading, error) {
	if err := ValidateQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byDevice[q.DeviceMAC]
	out := make([]model.BufferedReading, 0, len(list))
	for _, r := range list {
		ts := r.Reading.Timestamp
		if !q.Since.IsZero() && ts.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ts.After(q.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Reading.Timestamp.After(out[j].Reading.Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *JSONStore) HealthCheck(ctx context.Context) error { return nil }

func (s *JSONStore) Capabilities() Capabilities {
	return Capabilities{SupportsHistoricalQuery: true, SupportsRetention: false}
}

func (s *JSONStore) Close() error { return nil }
