package storage

import (
	"context"
	"sync"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/metrics"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

// Buffer sits between the engine and a Store, absorbing a storage outage
// behind a bounded, oldest-drop ring buffer and retrying on each tick of
// a fixed-interval flush loop (BackoffBase is stored but not used). It
// is itself a Store, so the engine never needs to know
// whether the backend underneath it is currently healthy.
type Buffer struct {
	backend Store

	maxSize       int
	maxRetries    int
	flushInterval time.Duration
	backoffBase   time.Duration

	mu      sync.Mutex
	pending []model.BufferedReading

	closed chan struct{}
	once   sync.Once
}

// BufferConfig tunes a Buffer's capacity and retry behavior, mirroring
// the error_recovery section of storage configuration (§6).
type BufferConfig struct {
	MaxSize       int
	MaxRetries    int
	FlushInterval time.Duration
	BackoffBase   time.Duration
}

// DefaultBufferConfig matches the default error_recovery configuration.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxSize:       10000,
		MaxRetries:    3,
		FlushInterval: 30 * time.Second,
		BackoffBase:   time.Second,
	}
}

// NewBuffer wraps backend with an outage buffer governed by cfg.
func NewBuffer(backend Store, cfg BufferConfig) *Buffer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	b := &Buffer{
		backend:       backend,
		maxSize:       cfg.MaxSize,
		maxRetries:    cfg.MaxRetries,
		flushInterval: cfg.FlushInterval,
		backoffBase:   cfg.BackoffBase,
		closed:        make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Write attempts an immediate backend write; on failure the reading is
// enqueued for the flush loop to retry, dropping the oldest pending
// entry if the buffer is already full.
func (b *Buffer) Write(ctx context.Context, reading model.BufferedReading) error {
	if err := b.backend.Write(ctx, reading); err == nil {
		metrics.StorageWrites.WithLabelValues(metrics.OutcomeSuccess).Inc()
		return nil
	}

	b.mu.Lock()
	if len(b.pending) >= b.maxSize {
		b.pending = b.pending[1:]
		metrics.StorageDropped.Inc()
	}
	b.pending = append(b.pending, reading)
	metrics.StorageBufferSize.Set(float64(len(b.pending)))
	b.mu.Unlock()

	metrics.StorageWrites.WithLabelValues(metrics.OutcomeBuffered).Inc()
	return nil
}

// Query forwards to the backend; buffered-but-not-yet-flushed readings
// are not visible to a query until they are written through.
func (b *Buffer) Query(ctx context.Context, q Query) ([]model.BufferedReading, error) {
	return b.backend.Query(ctx, q)
}

// HealthCheck forwards to the backend.
func (b *Buffer) HealthCheck(ctx context.Context) error {
	return b.backend.HealthCheck(ctx)
}

// Capabilities forwards to the backend.
func (b *Buffer) Capabilities() Capabilities {
	return b.backend.Capabilities()
}

// Close stops the flush loop and closes the backend.
func (b *Buffer) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.backend.Close()
}

// PendingCount returns the current outage-buffer depth, for the status
// HTTP surface (§6).
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) flushLoop() {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			b.drain()
		}
	}
}

func (b *Buffer) drain() {
	b.mu.Lock()
	items := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.flushInterval)
	defer cancel()

	var failed []model.BufferedReading
	for _, item := range items {
		if err := b.backend.Write(ctx, item); err != nil {
			item.RetryCount++
			if b.maxRetries > 0 && item.RetryCount > b.maxRetries {
				metrics.StorageDropped.Inc()
				continue
			}
			failed = append(failed, item)
			continue
		}
		metrics.StorageWrites.WithLabelValues(metrics.OutcomeSuccess).Inc()
	}

	if len(failed) > 0 {
		b.mu.Lock()
		b.pending = append(failed, b.pending...)
		if len(b.pending) > b.maxSize {
			dropped := len(b.pending) - b.maxSize
			b.pending = b.pending[dropped:]
			for i := 0; i < dropped; i++ {
				metrics.StorageDropped.Inc()
			}
		}
		metrics.StorageBufferSize.Set(float64(len(b.pending)))
		b.mu.Unlock()
	} else {
		metrics.StorageBufferSize.Set(0)
	}
}
