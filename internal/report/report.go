// Package report turns convergence results into JSON run reports and
// writes them to files, Redis and an in-memory store.
package report

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/NikhilSetiya/refinery/internal/convergence"
	"github.com/NikhilSetiya/refinery/pkg/health"
)

// ErrNotFound is returned when no report exists for a run ID.
var ErrNotFound = stderrors.New("report not found")

// IterationScore is one iteration of a run as it appears in a report.
type IterationScore struct {
	Index       int                `json:"index"`
	Composite   float64            `json:"composite"`
	Improvement float64            `json:"improvement"`
	Dimensions  map[string]float64 `json:"dimensions"`
	Fallbacks   []string           `json:"fallbacks,omitempty"`
	Decision    string             `json:"decision"`
	DurationMS  int64              `json:"duration_ms"`
}

// Report is the persisted record of a convergence run.
type Report struct {
	RunID         string                   `json:"run_id"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
	Iterations    []IterationScore         `json:"iterations"`
	StopReason    string                   `json:"stop_reason"`
	BestScore     float64                  `json:"best_score"`
	BestIteration int                      `json:"best_iteration"`
	Best          interface{}              `json:"best,omitempty"`
	Suggestions   []string                 `json:"suggestions,omitempty"`
	TotalAttempts int                      `json:"total_attempts"`
	TotalRetries  int                      `json:"total_retries"`
	Health        map[string]health.Record `json:"health,omitempty"`
}

// FromResult builds a report from a finished run and a health snapshot
// taken when it finished.
func FromResult(result *convergence.Result, snapshot map[string]health.Record) *Report {
	r := &Report{
		RunID:         result.RunID,
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
		Iterations:    make([]IterationScore, 0, len(result.History)),
		StopReason:    string(result.StopReason),
		BestScore:     result.BestScore,
		BestIteration: result.BestIteration,
		Best:          result.Best.Payload,
		Suggestions:   result.Suggestions,
		TotalAttempts: result.TotalAttempts,
		TotalRetries:  result.TotalRetries,
		Health:        snapshot,
	}

	for _, it := range result.History {
		score := IterationScore{
			Index:       it.Index,
			Composite:   it.Composite,
			Improvement: it.Improvement,
			Dimensions:  make(map[string]float64),
			Decision:    "continue",
			DurationMS:  it.Duration.Milliseconds(),
		}
		if it.Decision.Stop {
			score.Decision = string(it.Decision.Reason)
		}
		if it.Candidate.Score != nil {
			for dim, d := range it.Candidate.Score.Dimensions {
				score.Dimensions[dim] = d.Normalized
				if d.Fallback {
					score.Fallbacks = append(score.Fallbacks, dim)
				}
			}
			sort.Strings(score.Fallbacks)
		}
		r.Iterations = append(r.Iterations, score)
	}
	return r
}

// Sink persists reports.
type Sink interface {
	Write(ctx context.Context, r *Report) error
	Name() string
}

// Loader reads a report back by run ID.
type Loader interface {
	Load(ctx context.Context, runID string) (*Report, error)
}
