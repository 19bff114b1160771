package bherrors

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LogLimiter rate-limits repeated identical (kind, device) errors to one
// log line per minute, so a wedged device does not flood the log.
type LogLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
}

// NewLogLimiter creates a limiter allowing one event per `every` for each
// distinct (kind, device) pair.
func NewLogLimiter(every time.Duration) *LogLimiter {
	if every <= 0 {
		every = time.Minute
	}
	return &LogLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
	}
}

// Allow reports whether an error of this kind for this device should be
// logged right now.
func (l *LogLimiter) Allow(kind Kind, deviceAddress string) bool {
	key := kind.String() + "|" + deviceAddress

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), 1)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
