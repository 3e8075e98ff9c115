package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority represents task priority levels
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 10
)

// priorities is the drain order.
var priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority accepts "high", "medium" or "low"; empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Task is a unit of work for the pool. Run receives the dispatcher's
// context, which is cancelled when a shutdown deadline passes.
type Task struct {
	ID       string
	Priority Priority
	Run      func(ctx context.Context) (interface{}, error)
}

// NewTask creates a task with a fresh ID.
func NewTask(priority Priority, run func(ctx context.Context) (interface{}, error)) Task {
	return Task{ID: uuid.NewString(), Priority: priority, Run: run}
}

// TaskResult is delivered exactly once per accepted task.
type TaskResult struct {
	TaskID   string
	Value    interface{}
	Err      error
	Waited   time.Duration
	Duration time.Duration
}

type envelope struct {
	task     Task
	enqueued time.Time
	result   chan TaskResult
}
