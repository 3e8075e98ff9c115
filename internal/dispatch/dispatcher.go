// Package dispatch runs convergence runs on a fixed pool of workers fed by
// three priority queues. Workers block on the queues; there is no polling.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
)

var (
	// ErrQueueFull is returned by Submit when the task's priority queue is full.
	ErrQueueFull = stderrors.New("dispatch queue is full")
	// ErrStopped is returned by Submit after Stop, and delivered to tasks
	// still queued when the pool shuts down.
	ErrStopped = stderrors.New("dispatcher stopped")
)

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// DefaultConfig returns default pool sizing.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int            `json:"workers"`
	Running   int64          `json:"running"`
	Queued    map[string]int `json:"queued"`
	Completed int64          `json:"completed"`
	Failed    int64          `json:"failed"`
	StartedAt time.Time      `json:"started_at"`
	Stopped   bool           `json:"stopped"`
}

// Dispatcher is a multi-level priority worker pool.
type Dispatcher struct {
	config  Config
	queues  map[Priority]chan *envelope
	metrics *metrics.Metrics
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	startedAt time.Time
}

// New creates a dispatcher. Call Start before submitting.
func New(config Config) *Dispatcher {
	defaults := DefaultConfig()
	if config.Workers < 1 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize < 1 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	queues := make(map[Priority]chan *envelope, len(priorities))
	for _, p := range priorities {
		queues[p] = make(chan *envelope, config.QueueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config:  config,
		queues:  queues,
		metrics: config.Metrics,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return errors.NewValidationError("dispatcher is already running")
	}
	d.started = true
	d.startedAt = time.Now()

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	d.logger.Info("Dispatcher started", "workers", d.config.Workers, "queue_size", d.config.QueueSize)
	return nil
}

// Submit enqueues task and returns the channel its result will arrive on.
// It never blocks: a full queue is reported as ErrQueueFull.
func (d *Dispatcher) Submit(ctx context.Context, task Task) (<-chan TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if task.Run == nil {
		return nil, errors.NewValidationError("task has no run function")
	}
	queue, ok := d.queues[task.Priority]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown priority %d", task.Priority))
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.metrics.RecordDispatchTask(task.Priority.String(), "rejected")
		return nil, ErrStopped
	}

	env := &envelope{task: task, enqueued: time.Now(), result: make(chan TaskResult, 1)}
	select {
	case queue <- env:
	default:
		d.metrics.RecordDispatchTask(task.Priority.String(), "rejected")
		return nil, ErrQueueFull
	}
	d.metrics.RecordDispatchTask(task.Priority.String(), "queued")
	d.metrics.UpdateQueueDepth(task.Priority.String(), len(queue))
	return env.result, nil
}

// next returns the highest priority task available, blocking until one is
// queued or the pool is stopping.
func (d *Dispatcher) next() (*envelope, bool) {
	high, medium, low := d.queues[PriorityHigh], d.queues[PriorityMedium], d.queues[PriorityLow]
	for {
		select {
		case <-d.stopCh:
			return nil, false
		default:
		}
		select {
		case env := <-high:
			return env, true
		default:
		}
		select {
		case env := <-high:
			return env, true
		case env := <-medium:
			return env, true
		default:
		}
		select {
		case env := <-high:
			return env, true
		case env := <-medium:
			return env, true
		case env := <-low:
			return env, true
		case <-d.stopCh:
			return nil, false
		}
	}
}

func (d *Dispatcher) workerLoop(n int) {
	defer d.wg.Done()
	for {
		env, ok := d.next()
		if !ok {
			return
		}
		d.metrics.UpdateQueueDepth(env.task.Priority.String(), len(d.queues[env.task.Priority]))
		d.execute(n, env)
	}
}

func (d *Dispatcher) execute(worker int, env *envelope) {
	d.running.Add(1)
	defer d.running.Add(-1)

	started := time.Now()
	result := TaskResult{TaskID: env.task.ID, Waited: started.Sub(env.enqueued)}

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.metrics.RecordPanic("dispatch")
				d.logger.Error("Task panicked", "task_id", env.task.ID, "worker", worker, "panic", r)
				result.Err = errors.NewInternalError(fmt.Sprintf("task panicked: %v", r))
			}
		}()
		result.Value, result.Err = env.task.Run(d.ctx)
	}()
	result.Duration = time.Since(started)

	status := "completed"
	if result.Err != nil {
		status = "failed"
		d.failed.Add(1)
	} else {
		d.completed.Add(1)
	}
	d.metrics.RecordDispatchTask(env.task.Priority.String(), status)
	env.result <- result
}

// Stop refuses new tasks and waits for running ones. When ctx expires first
// the running tasks' context is cancelled and Stop still waits for them to
// return. Tasks left in the queues receive ErrStopped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.logger.Warn("Shutdown deadline passed, cancelling running tasks", "running", d.running.Load())
		d.cancel()
		<-done
	}
	d.cancel()

	drained := 0
	for _, p := range priorities {
	drain:
		for {
			select {
			case env := <-d.queues[p]:
				env.result <- TaskResult{TaskID: env.task.ID, Err: ErrStopped, Waited: time.Since(env.enqueued)}
				d.metrics.RecordDispatchTask(p.String(), "stopped")
				drained++
			default:
				break drain
			}
		}
		d.metrics.UpdateQueueDepth(p.String(), 0)
	}

	d.logger.Info("Dispatcher stopped", "drained", drained, "completed", d.completed.Load(), "failed", d.failed.Load())
	return err
}

// Stats returns a snapshot of the pool.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	stopped, startedAt := d.stopped, d.startedAt
	d.mu.RUnlock()

	queued := make(map[string]int, len(priorities))
	for _, p := range priorities {
		queued[p.String()] = len(d.queues[p])
	}
	return Stats{
		Workers:   d.config.Workers,
		Running:   d.running.Load(),
		Queued:    queued,
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		StartedAt: startedAt,
		Stopped:   stopped,
	}
}
