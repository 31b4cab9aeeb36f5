package concurrency

import (
	"sync"
	"time"

	"github.com/corvid-systems/streamcore/pkg/logger"
)

// MutexConfig names a mutex for logging. The name shows up in slow-lock
// warnings so contention can be traced back to the owning component.
type MutexConfig struct {
	// Name identifies the mutex in logs, e.g. "RedisBroker".
	Name string

	// SlowThreshold is how long a Lock/RLock call may block before a
	// warning is logged. Zero disables the check.
	SlowThreshold time.Duration
}

// SmartMutex is a sync.Mutex that logs when acquiring it takes unusually
// long, which is the first signal of a stuck consumer or a leaked lock.
type SmartMutex struct {
	mu   sync.Mutex
	name string
	slow time.Duration
}

// NewSmartMutex creates a named mutex.
func NewSmartMutex(cfg MutexConfig) *SmartMutex {
	return &SmartMutex{name: cfg.Name, slow: cfg.SlowThreshold}
}

func (m *SmartMutex) Lock() {
	start := time.Now()
	m.mu.Lock()
	m.warnIfSlow(start)
}

func (m *SmartMutex) Unlock() {
	m.mu.Unlock()
}

func (m *SmartMutex) warnIfSlow(start time.Time) {
	if m.slow <= 0 {
		return
	}
	if waited := time.Since(start); waited > m.slow {
		logger.L().Warn("lock acquisition slow", "mutex", m.name, "waited", waited)
	}
}

// SmartRWMutex is the read/write counterpart of SmartMutex.
type SmartRWMutex struct {
	mu   sync.RWMutex
	name string
	slow time.Duration
}

// NewSmartRWMutex creates a named read/write mutex.
func NewSmartRWMutex(cfg MutexConfig) *SmartRWMutex {
	return &SmartRWMutex{name: cfg.Name, slow: cfg.SlowThreshold}
}

func (m *SmartRWMutex) Lock() {
	start := time.Now()
	m.mu.Lock()
	m.warnIfSlow(start)
}

func (m *SmartRWMutex) Unlock() {
	m.mu.Unlock()
}

func (m *SmartRWMutex) RLock() {
	start := time.Now()
	m.mu.RLock()
	m.warnIfSlow(start)
}

func (m *SmartRWMutex) RUnlock() {
	m.mu.RUnlock()
}

func (m *SmartRWMutex) warnIfSlow(start time.Time) {
	if m.slow <= 0 {
		return
	}
	if waited := time.Since(start); waited > m.slow {
		logger.L().Warn("lock acquisition slow", "mutex", m.name, "waited", waited)
	}
}
