package report

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
)

// MultiSink fans a report out to several sinks. Every sink is tried; the
// errors of those that failed are joined.
type MultiSink struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewMultiSink creates a fan-out sink. m and logger may be nil.
func NewMultiSink(m *metrics.Metrics, logger *logging.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &MultiSink{sinks: sinks, metrics: m, logger: logger}
}

func (m *MultiSink) Name() string { return "multi" }

// Write implements Sink.
func (m *MultiSink) Write(ctx context.Context, r *Report) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, r); err != nil {
			m.metrics.RecordReportWrite(sink.Name(), "error")
			m.logger.WithContext(ctx).WithError(err).
				WithField("sink", sink.Name()).
				WithField("run_id", r.RunID).
				Error("Failed to write report")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		m.metrics.RecordReportWrite(sink.Name(), "ok")
	}
	return stderrors.Join(errs...)
}

// RunStatus is the lifecycle state of a submitted run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Entry is what the store knows about one run.
type Entry struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Report      *Report   `json:"report,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Store keeps the most recent runs in memory. It is a Sink, so finished
// reports land here alongside the durable sinks. Reads never reorder the
// cache, so eviction always drops the run submitted longest ago.
type Store struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	now     func() time.Time
}

// NewStore creates a store holding at most capacity runs; the oldest are
// evicted first.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1000
	}
	entries, _ := lru.New[string, *Entry](capacity)
	return &Store{entries: entries, now: time.Now}
}

func (s *Store) Name() string { return "memory" }

// MarkQueued registers a run that has been accepted but not started.
func (s *Store) MarkQueued(runID string) {
	s.update(runID, func(e *Entry) { e.Status = StatusQueued })
}

// MarkRunning flags a run as started.
func (s *Store) MarkRunning(runID string) {
	s.update(runID, func(e *Entry) { e.Status = StatusRunning })
}

// MarkFailed records a run that produced no report.
func (s *Store) MarkFailed(runID string, err error) {
	s.update(runID, func(e *Entry) {
		e.Status = StatusFailed
		if err != nil {
			e.Error = err.Error()
		}
	})
}

// MarkCancelled records a run stopped at the caller's request. A partial
// report already written is kept.
func (s *Store) MarkCancelled(runID string) {
	s.update(runID, func(e *Entry) {
		e.Status = StatusCancelled
		e.Error = "cancelled by request"
	})
}

// Write implements Sink.
func (s *Store) Write(ctx context.Context, r *Report) error {
	s.update(r.RunID, func(e *Entry) {
		e.Status = StatusCompleted
		e.Report = r
		e.Error = ""
	})
	return nil
}

// Get returns a copy of the entry for runID.
func (s *Store) Get(runID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Peek(runID)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Load implements Loader for completed runs.
func (s *Store) Load(ctx context.Context, runID string) (*Report, error) {
	e, ok := s.Get(runID)
	if !ok || e.Report == nil {
		return nil, ErrNotFound
	}
	return e.Report, nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.entries.Keys()
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}
	out := make([]Entry, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if e, ok := s.entries.Peek(keys[i]); ok {
			out = append(out, *e)
		}
	}
	return out
}

// Len reports how many runs are held.
func (s *Store) Len() int {
	return s.entries.Len()
}

func (s *Store) update(runID string, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries.Peek(runID)
	if !ok {
		e = &Entry{RunID: runID, SubmittedAt: now}
		s.entries.Add(runID, e)
	}
	fn(e)
	e.UpdatedAt = now
}
