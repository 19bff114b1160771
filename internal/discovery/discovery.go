// Package discovery runs BLE scans, classifies what they find, and
// optionally auto-configures newly discovered devices (§4.5).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/autoconfig"
	"github.com/batteryhawk/battery-hawk/internal/ble"
	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/model"
	"github.com/batteryhawk/battery-hawk/internal/registry"
)

// Options controls one Scan invocation.
type Options struct {
	// Duration is the total time to scan for.
	Duration time.Duration
	// StopOnNew ends the scan as soon as a single not-yet-seen device is found.
	StopOnNew bool
	// AutoConfigure, when true, immediately configures a classified new
	// device using its rule's default template and polling interval.
	AutoConfigure bool
}

// shortTimeoutFraction is the fraction of Duration used as the length of
// each scan slice when StopOnNew is set: max(5s, 10% of Duration).
const shortTimeoutFraction = 0.1

func shortTimeout(duration time.Duration) time.Duration {
	frac := time.Duration(float64(duration) * shortTimeoutFraction)
	if frac < 5*time.Second {
		return 5 * time.Second
	}
	return frac
}

// Found is one device observed by a scan, classified or not.
type Found struct {
	MAC            string        `json:"mac"`
	LocalName      string        `json:"local_name,omitempty"`
	Family         model.Family  `json:"family"`
	Confidence     float64       `json:"confidence"`
	Classified     bool          `json:"classified"`
	FirstSeen      time.Time     `json:"first_seen"`
	AutoConfigured bool          `json:"auto_configured"`
}

// Service coordinates scanning, classification, and optional
// auto-configuration against a device registry, persisting a snapshot
// of every scan's results.
type Service struct {
	pool       *ble.Pool
	classifier *autoconfig.Classifier
	devices    *registry.DeviceRegistry
	snapshotDir string

	rules map[model.Family]config.AutoConfigureRule

	mu   sync.Mutex
	seen map[string]Found
}

// NewService creates a discovery Service. snapshotDir is where
// discovered_devices.json is written after every scan.
func NewService(pool *ble.Pool, classifier *autoconfig.Classifier, devices *registry.DeviceRegistry, snapshotDir string) *Service {
	return &Service{
		pool:        pool,
		classifier:  classifier,
		devices:     devices,
		snapshotDir: snapshotDir,
		rules:       make(map[model.Family]config.AutoConfigureRule),
		seen:        make(map[string]Found),
	}
}

// SetAutoConfigureRule installs the per-family template/interval used
// when AutoConfigure is requested.
func (s *Service) SetAutoConfigureRule(family model.Family, rule config.AutoConfigureRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[family] = rule
}

// Scan runs a discovery pass and returns everything it found. With
// StopOnNew set, it issues repeated short_timeout-sized scan slices
// instead of one long scan, ending as soon as a previously-unknown mac
// is observed or the total duration elapses (§4.5, §8).
func (s *Service) Scan(ctx context.Context, opts Options) ([]Found, error) {
	duration := opts.Duration
	if duration <= 0 {
		duration = 10 * time.Second
	}

	var results []Found
	foundNew := false

	onResult := func(r ble.ScanResult) bool {
		mac := model.CanonicalMAC(r.MAC)

		s.mu.Lock()
		_, already := s.seen[mac]
		s.mu.Unlock()

		classification := s.classifier.Classify(r)
		entry := Found{
			MAC:        mac,
			LocalName:  r.LocalName,
			Family:     classification.Family,
			Confidence: classification.Confidence,
			Classified: classification.Matched,
			FirstSeen:  time.Now(),
		}

		if !already {
			if opts.AutoConfigure && classification.Matched {
				if s.autoConfigure(mac, r.LocalName, classification) {
					entry.AutoConfigured = true
				}
			} else if _, err := s.devices.RegisterDiscovered(mac, classification.Family, r.LocalName); err != nil {
				entry.Classified = false
			}
			foundNew = true
		}

		s.mu.Lock()
		s.seen[mac] = entry
		s.mu.Unlock()

		results = append(results, entry)
		return opts.StopOnNew && foundNew
	}

	if opts.StopOnNew {
		slice := shortTimeout(duration)
		deadline := time.Now().Add(duration)
		for !foundNew {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			sliceDuration := slice
			if remaining < sliceDuration {
				sliceDuration = remaining
			}

			scanCtx, cancel := context.WithTimeout(ctx, sliceDuration)
			err := s.pool.Scan(scanCtx, sliceDuration, onResult)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				return nil, fmt.Errorf("discovery: scan: %w", err)
			}
			if ctx.Err() != nil {
				break
			}
		}
	} else {
		scanCtx, cancel := context.WithTimeout(ctx, duration)
		defer cancel()
		if err := s.pool.Scan(scanCtx, duration, onResult); err != nil {
			return nil, fmt.Errorf("discovery: scan: %w", err)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].MAC < results[j].MAC })

	if s.snapshotDir != "" {
		if err := s.persistSnapshot(); err != nil {
			return results, err
		}
	}

	return results, nil
}

func (s *Service) autoConfigure(mac, name string, classification autoconfig.Classification) bool {
	s.mu.Lock()
	rule, ok := s.rules[classification.Family]
	s.mu.Unlock()
	if !ok || !rule.AutoConfigure {
		s.devices.RegisterDiscovered(mac, classification.Family, name)
		return false
	}

	if _, err := s.devices.RegisterDiscovered(mac, classification.Family, name); err != nil {
		return false
	}

	friendlyName := autoconfig.FormatName(rule.DefaultNameTemplate, mac)
	interval := rule.PollingInterval
	if interval == 0 {
		interval = model.DefaultPollingIntervalSeconds
	}
	_, err := s.devices.Configure(mac, registry.ConfigureOptions{
		FriendlyName:     &friendlyName,
		PollingIntervalS: &interval,
	})
	return err == nil
}

type snapshotFile struct {
	Version   int     `json:"version"`
	ScannedAt time.Time `json:"scanned_at"`
	Devices   []Found `json:"devices"`
}

func (s *Service) persistSnapshot() error {
	s.mu.Lock()
	entries := make([]Found, 0, len(s.seen))
	for _, f := range s.seen {
		entries = append(entries, f)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].MAC < entries[j].MAC })

	snap := snapshotFile{Version: 1, ScannedAt: time.Now(), Devices: entries}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery: marshal snapshot: %w", err)
	}

	path := filepath.Join(s.snapshotDir, "discovered_devices.json")
	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return fmt.Errorf("discovery: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(s.snapshotDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("discovery: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("discovery: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
