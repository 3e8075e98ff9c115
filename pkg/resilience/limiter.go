package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
)

// LimiterConfig holds configuration for the concurrency limiter
type LimiterConfig struct {
	// MaxConcurrent is the number of slots per resource class
	MaxConcurrent int
	// QueueTimeout bounds how long a caller waits for a slot
	QueueTimeout time.Duration
	// Metrics is optional
	Metrics *metrics.Metrics
}

// DefaultLimiterConfig returns default limiter settings
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConcurrent: 4,
		QueueTimeout:  30 * time.Second,
	}
}

// ConcurrencyLimiter bounds in-flight calls per resource class. Waiters are
// admitted in FIFO order; there is no priority at this layer.
type ConcurrencyLimiter struct {
	config LimiterConfig

	mu      sync.Mutex
	classes map[string]*classSlots
}

type classSlots struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// Slot is a held admission. Release it on every exit path.
type Slot struct {
	resourceClass string
	acquiredAt    time.Time
	limiter       *ConcurrencyLimiter
	slots         *classSlots
	once          sync.Once
}

// NewConcurrencyLimiter creates a new limiter
func NewConcurrencyLimiter(config LimiterConfig) *ConcurrencyLimiter {
	defaults := DefaultLimiterConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = defaults.QueueTimeout
	}
	return &ConcurrencyLimiter{
		config:  config,
		classes: make(map[string]*classSlots),
	}
}

func (l *ConcurrencyLimiter) slotsFor(resourceClass string) *classSlots {
	l.mu.Lock()
	defer l.mu.Unlock()

	cs, ok := l.classes[resourceClass]
	if !ok {
		cs = &classSlots{sem: semaphore.NewWeighted(int64(l.config.MaxConcurrent))}
		l.classes[resourceClass] = cs
	}
	return cs
}

// Acquire blocks until a slot for resourceClass is free. It fails with a
// queue_timeout error after QueueTimeout, or with ctx.Err() when the caller
// gives up first. No slot is held on error.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, resourceClass string) (*Slot, error) {
	cs := l.slotsFor(resourceClass)

	waitCtx, cancel := context.WithTimeout(ctx, l.config.QueueTimeout)
	defer cancel()

	start := time.Now()
	cs.waiting.Add(1)
	l.publish(resourceClass, cs)
	err := cs.sem.Acquire(waitCtx, 1)
	cs.waiting.Add(-1)
	waited := time.Since(start)

	if err != nil {
		l.publish(resourceClass, cs)
		if ctx.Err() != nil {
			l.config.Metrics.RecordQueueWait(resourceClass, waited, false)
			return nil, ctx.Err()
		}
		l.config.Metrics.RecordQueueWait(resourceClass, waited, true)
		return nil, apperrors.NewQueueTimeoutError(resourceClass, l.config.QueueTimeout)
	}

	cs.inFlight.Add(1)
	l.publish(resourceClass, cs)
	l.config.Metrics.RecordQueueWait(resourceClass, waited, false)

	return &Slot{
		resourceClass: resourceClass,
		acquiredAt:    time.Now(),
		limiter:       l,
		slots:         cs,
	}, nil
}

// Release returns the slot and admits the next waiter. Safe to call more than once.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.slots.inFlight.Add(-1)
		s.slots.sem.Release(1)
		s.limiter.publish(s.resourceClass, s.slots)
	})
}

// ResourceClass returns the class the slot belongs to
func (s *Slot) ResourceClass() string {
	return s.resourceClass
}

// Held returns how long the slot has been held
func (s *Slot) Held() time.Duration {
	return time.Since(s.acquiredAt)
}

// InFlight returns the number of held slots for a resource class
func (l *ConcurrencyLimiter) InFlight(resourceClass string) int {
	return int(l.slotsFor(resourceClass).inFlight.Load())
}

// Waiting returns the number of callers queued for a resource class
func (l *ConcurrencyLimiter) Waiting(resourceClass string) int {
	return int(l.slotsFor(resourceClass).waiting.Load())
}

// MaxConcurrent returns the configured slot count per class
func (l *ConcurrencyLimiter) MaxConcurrent() int {
	return l.config.MaxConcurrent
}

func (l *ConcurrencyLimiter) publish(resourceClass string, cs *classSlots) {
	l.config.Metrics.UpdateLimiter(resourceClass, int(cs.inFlight.Load()), int(cs.waiting.Load()))
}
