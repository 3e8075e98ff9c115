package convergence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

// Deps are the handles a Controller routes its work through.
type Deps struct {
	Coordinator *resilience.RetryCoordinator
	Metrics     *metrics.Metrics
	Tracer      *tracing.TracingService
	Logger      *logging.Logger
	// Alerts is optional; scorer and refiner failures are reported to it.
	Alerts *resilience.ErrorAlertGenerator
}

// Controller drives convergence runs. It is safe for concurrent runs.
type Controller struct {
	scorers     map[string]Scorer
	refiner     Refiner
	coordinator *resilience.RetryCoordinator
	metrics     *metrics.Metrics
	tracer      *tracing.TracingService
	logger      *logging.Logger
	alerts      *resilience.ErrorAlertGenerator
}

// NewController creates a controller. Scorers are keyed by dimension; a later
// scorer for the same dimension replaces an earlier one.
func NewController(scorers []Scorer, refiner Refiner, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}
	byDim := make(map[string]Scorer, len(scorers))
	for _, s := range scorers {
		byDim[s.Dimension()] = s
	}
	return &Controller{
		scorers:     byDim,
		refiner:     refiner,
		coordinator: deps.Coordinator,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		alerts:      deps.Alerts,
	}
}

func (c *Controller) alert(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if c.alerts != nil {
		c.alerts.HandleError(ctx, err, source, metadata)
	}
}

// Dimensions lists the dimensions the controller can score, sorted.
func (c *Controller) Dimensions() []string {
	dims := make([]string, 0, len(c.scorers))
	for dim := range c.scorers {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	return dims
}

type runTotals struct {
	attempts int
	retries  int
}

func (t *runTotals) add(rr *resilience.RunResult) {
	if rr == nil {
		return
	}
	t.attempts += rr.Attempts
	t.retries += rr.Retries
}

// Refine iterates from initial until a stop rule fires and returns the best
// candidate seen. A run ID already on ctx is reused. Scorer failures are
// absorbed as neutral scores; a failed refinement ends the run with the best
// so far. An error is returned only for an invalid configuration or a
// cancelled context, and in the latter case the partial result comes with it.
func (c *Controller) Refine(ctx context.Context, initial Candidate, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for dim := range cfg.Weights {
		if _, ok := c.scorers[dim]; !ok {
			return nil, errors.NewValidationError(fmt.Sprintf("no scorer registered for dimension %q", dim))
		}
	}
	if c.refiner == nil && cfg.MaxIterations > 1 {
		return nil, errors.NewValidationError("a refiner is required for more than one iteration")
	}

	runID := logging.GetRunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logging.WithRunID(ctx, runID)
	}
	result := &Result{RunID: runID, StartedAt: time.Now()}
	ctx, span := c.tracer.StartRunSpan(ctx, result.RunID)
	defer span.End()

	logger := c.logger.WithContext(ctx)
	logger.WithFields(logrus.Fields{
		"target":         cfg.Target,
		"max_iterations": cfg.MaxIterations,
	}).Info("Convergence run started")

	var (
		totals    runTotals
		current   = initial.Payload
		previous  float64
		lastScore *SatisfactionScore
		haveBest  bool
	)

	finish := func(reason StopReason) {
		result.StopReason = reason
		result.TotalAttempts = totals.attempts
		result.TotalRetries = totals.retries
		result.FinishedAt = time.Now()
		if !haveBest {
			result.Best = Candidate{Payload: initial.Payload}
			result.BestScore = 0
		}
		if lastScore != nil {
			result.Suggestions = Suggest(*lastScore, cfg.Target, cfg.MaxSuggestions)
		}
		c.metrics.RecordConvergenceRun(string(reason), len(result.History), result.BestScore)
		logger.WithFields(logrus.Fields{
			"stop_reason":    string(reason),
			"iterations":     len(result.History),
			"best_score":     result.BestScore,
			"best_iteration": result.BestIteration,
			"total_attempts": totals.attempts,
			"total_retries":  totals.retries,
		}).Info("Convergence run finished")
	}

	for i := 1; ; i++ {
		if ctx.Err() != nil {
			finish(ReasonCancelled)
			return result, ctx.Err()
		}

		iterStart := time.Now()
		iterCtx, iterSpan := c.tracer.StartIterationSpan(ctx, i)
		score, scored := c.scoreAll(iterCtx, result.RunID, i, current, cfg, &totals)
		iterSpan.End()

		if ctx.Err() != nil {
			finish(ReasonCancelled)
			return result, ctx.Err()
		}
		if !scored {
			logger.WithField("iteration", i).Warn("Every scorer failed, stopping run")
			finish(ReasonNoScorersAvailable)
			return result, nil
		}

		lastScore = &score
		candidate := Candidate{Payload: current, Score: &score}
		improvement := score.Composite - previous
		if !haveBest || score.Composite > result.BestScore {
			result.Best = candidate
			result.BestScore = score.Composite
			result.BestIteration = i
			haveBest = true
		}

		decision := Decide(cfg, i, score.Composite, previous)
		result.History = append(result.History, Iteration{
			Index:       i,
			Candidate:   candidate,
			Composite:   score.Composite,
			Improvement: improvement,
			Decision:    decision,
			Duration:    time.Since(iterStart),
		})
		c.logger.LogIterationEvent(ctx, i, score.Composite, decisionLabel(decision), logrus.Fields{
			"improvement": improvement,
			"best_score":  result.BestScore,
		})

		if decision.Stop {
			finish(decision.Reason)
			return result, nil
		}

		next, err := c.refine(ctx, result.RunID, i, current, score, cfg, &totals)
		if err != nil {
			if ctx.Err() != nil {
				finish(ReasonCancelled)
				return result, ctx.Err()
			}
			logger.WithError(err).WithField("iteration", i).Warn("Refinement failed, returning best candidate")
			c.alert(ctx, err, "refiner", map[string]interface{}{
				"run_id":    result.RunID,
				"iteration": i,
			})
			finish(ReasonRefinementFailed)
			return result, nil
		}

		current = next
		previous = score.Composite
	}
}

func decisionLabel(d Decision) string {
	if !d.Stop {
		return "continue"
	}
	return string(d.Reason)
}

type scorerOutcome struct {
	dimension string
	eval      Evaluation
	err       error
	run       *resilience.RunResult
}

// scoreAll runs every weighted scorer in parallel and folds the results into
// one score. It reports false when no scorer produced a value.
func (c *Controller) scoreAll(ctx context.Context, runID string, iteration int, candidate interface{}, cfg Config, totals *runTotals) (SatisfactionScore, bool) {
	dims := make([]string, 0, len(cfg.Weights))
	for dim := range cfg.Weights {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	outcomes := make([]scorerOutcome, len(dims))
	g, gctx := errgroup.WithContext(ctx)
	for idx, dim := range dims {
		scorer := c.scorers[dim]
		g.Go(func() error {
			run, err := c.coordinator.Run(gctx, resilience.WorkItem{
				ID:            fmt.Sprintf("%s/%d/%s", runID, iteration, dim),
				ResourceClass: dim,
				Payload:       candidate,
				Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
					return scorer.Score(ctx, payload)
				},
			})
			out := scorerOutcome{dimension: dim, err: err, run: run}
			if err == nil {
				eval, ok := run.Value.(Evaluation)
				if !ok {
					out.err = errors.NewInternalError(fmt.Sprintf("scorer %s returned %T", dim, run.Value))
				}
				out.eval = eval
			}
			outcomes[idx] = out
			// Scorer failures are absorbed; siblings keep running.
			return nil
		})
	}
	_ = g.Wait()

	score := SatisfactionScore{Dimensions: make(map[string]DimensionScore, len(dims))}
	scored := false
	for _, out := range outcomes {
		totals.add(out.run)
		weight := cfg.Weights[out.dimension]

		if out.err != nil {
			c.logger.WithContext(ctx).WithError(out.err).
				WithField("dimension", out.dimension).
				Warn("Scorer failed, using neutral score")
			c.alert(ctx, out.err, "scorer", map[string]interface{}{
				"run_id":    runID,
				"iteration": iteration,
				"dimension": out.dimension,
			})
			score.Dimensions[out.dimension] = DimensionScore{
				Raw:        cfg.NeutralScore,
				Scale:      ScaleTen,
				Normalized: cfg.NeutralScore,
				Weight:     weight,
				Fallback:   true,
				Error:      out.err.Error(),
			}
			continue
		}

		scored = true
		scale := c.scorers[out.dimension].Scale()
		score.Dimensions[out.dimension] = DimensionScore{
			Raw:        out.eval.Value,
			Scale:      scale,
			Normalized: Normalize(out.eval.Value, scale),
			Weight:     weight,
			Findings:   out.eval.Findings,
		}
	}
	score.Composite = Composite(score.Dimensions)
	return score, scored
}

func (c *Controller) refine(ctx context.Context, runID string, iteration int, candidate interface{}, score SatisfactionScore, cfg Config, totals *runTotals) (interface{}, error) {
	findings := make(map[string][]string, len(score.Dimensions))
	for dim, d := range score.Dimensions {
		if len(d.Findings) > 0 {
			findings[dim] = d.Findings
		}
	}
	feedback := Feedback{
		Iteration: iteration,
		Score:     score,
		Findings:  findings,
		Weakest:   Weakest(score),
	}

	run, err := c.coordinator.Run(ctx, resilience.WorkItem{
		ID:            fmt.Sprintf("%s/%d/%s", runID, iteration, cfg.RefineClass),
		ResourceClass: cfg.RefineClass,
		Payload:       candidate,
		Call: func(ctx context.Context, payload interface{}) (interface{}, error) {
			return c.refiner.Refine(ctx, payload, feedback)
		},
	})
	totals.add(run)
	if err != nil {
		return nil, err
	}
	return run.Value, nil
}
