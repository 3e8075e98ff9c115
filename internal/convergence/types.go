package convergence

import (
	"context"
	"time"
)

// Scale is the native maximum of a scorer's raw values. Scorers declare it;
// the controller never guesses it from the value.
type Scale float64

const (
	ScaleUnit    Scale = 1
	ScaleTen     Scale = 10
	ScaleHundred Scale = 100
)

// Evaluation is what one scorer returns for a candidate.
type Evaluation struct {
	Value    float64  `json:"value"`
	Findings []string `json:"findings,omitempty"`
}

// Scorer rates a candidate on one dimension. The dimension doubles as the
// resource class its calls are routed through.
type Scorer interface {
	Dimension() string
	Scale() Scale
	Score(ctx context.Context, candidate interface{}) (Evaluation, error)
}

// Feedback is the refinement context for the next candidate.
type Feedback struct {
	Iteration int                 `json:"iteration"`
	Score     SatisfactionScore   `json:"score"`
	Findings  map[string][]string `json:"findings"`
	Weakest   string              `json:"weakest_dimension"`
}

// Refiner produces the next candidate from the current one.
type Refiner interface {
	Refine(ctx context.Context, candidate interface{}, feedback Feedback) (interface{}, error)
}

// DimensionScore is one dimension of a SatisfactionScore.
type DimensionScore struct {
	Raw        float64  `json:"raw"`
	Scale      Scale    `json:"scale"`
	Normalized float64  `json:"normalized"`
	Weight     float64  `json:"weight"`
	Fallback   bool     `json:"fallback"`
	Findings   []string `json:"findings,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SatisfactionScore is the weighted multi-dimensional score of a candidate.
type SatisfactionScore struct {
	Composite  float64                   `json:"composite"`
	Dimensions map[string]DimensionScore `json:"dimensions"`
}

// Candidate is an artifact plus its score once evaluated.
type Candidate struct {
	Payload interface{}        `json:"payload"`
	Score   *SatisfactionScore `json:"score,omitempty"`
}

// StopReason explains why a run ended.
type StopReason string

const (
	ReasonTargetAchieved     StopReason = "target achieved"
	ReasonCeilingReached     StopReason = "ceiling reached"
	ReasonMaxIterations      StopReason = "max iterations"
	ReasonStagnation         StopReason = "stagnation"
	ReasonRefinementFailed   StopReason = "refinement failed"
	ReasonNoScorersAvailable StopReason = "no scorers available"
	ReasonCancelled          StopReason = "cancelled"
)

// Decision is the per-iteration verdict.
type Decision struct {
	Stop   bool       `json:"stop"`
	Reason StopReason `json:"reason,omitempty"`
}

// Iteration is one entry of a run's history.
type Iteration struct {
	Index       int           `json:"index"`
	Candidate   Candidate     `json:"candidate"`
	Composite   float64       `json:"composite"`
	Improvement float64       `json:"improvement"`
	Decision    Decision      `json:"decision"`
	Duration    time.Duration `json:"duration"`
}

// Result is the outcome of a run. Best is the highest scoring candidate seen,
// which need not be the last one.
type Result struct {
	RunID         string      `json:"run_id"`
	Best          Candidate   `json:"best"`
	BestScore     float64     `json:"best_score"`
	BestIteration int         `json:"best_iteration"`
	StopReason    StopReason  `json:"stop_reason"`
	History       []Iteration `json:"history"`
	Suggestions   []string    `json:"suggestions,omitempty"`
	TotalAttempts int         `json:"total_attempts"`
	TotalRetries  int         `json:"total_retries"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at"`
}
