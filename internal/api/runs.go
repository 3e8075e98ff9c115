package api

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/refinery/internal/convergence"
	"github.com/NikhilSetiya/refinery/internal/dispatch"
	"github.com/NikhilSetiya/refinery/internal/report"
	"github.com/NikhilSetiya/refinery/pkg/health"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/tracing"
)

// RunOverrides replaces individual run bounds for one run.
type RunOverrides struct {
	Target         *float64           `json:"target,omitempty"`
	MaxIterations  *int               `json:"max_iterations,omitempty"`
	MinImprovement *float64           `json:"min_improvement,omitempty"`
	Ceiling        *float64           `json:"ceiling,omitempty"`
	Weights        map[string]float64 `json:"weights,omitempty"`
}

// CreateRunRequest is the body of POST /api/v1/runs.
type CreateRunRequest struct {
	Candidate interface{}   `json:"candidate" binding:"required"`
	Priority  string        `json:"priority,omitempty"`
	Config    *RunOverrides `json:"config,omitempty"`
}

// RunAccepted is returned once a run is queued.
type RunAccepted struct {
	RunID    string           `json:"run_id"`
	Status   report.RunStatus `json:"status"`
	Priority string           `json:"priority"`
}

// RunCancelled is returned once a cancellation has been requested.
type RunCancelled struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// runControl tracks a run that has been accepted and not yet finished.
// cancel is set once the run starts executing.
type runControl struct {
	cancel    context.CancelFunc
	requested bool
}

// RunHandler submits convergence runs to the dispatcher and serves their
// reports.
type RunHandler struct {
	controller *convergence.Controller
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor
	store      *report.Store
	sink       report.Sink
	loader     report.Loader
	defaults   convergence.Config
	tracer     *tracing.TracingService
	logger     *logging.Logger

	mu     sync.Mutex
	active map[string]*runControl
}

// NewRunHandler creates a run handler. Finished reports go to deps.Sink,
// which should include deps.Store; deps.Loader is consulted for runs the
// store has evicted.
func NewRunHandler(deps Deps) *RunHandler {
	sink := deps.Sink
	if sink == nil {
		sink = deps.Store
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RunHandler{
		controller: deps.Controller,
		dispatcher: deps.Dispatcher,
		monitor:    deps.Monitor,
		store:      deps.Store,
		sink:       sink,
		loader:     deps.Loader,
		defaults:   deps.Defaults,
		tracer:     deps.Tracer,
		logger:     logger,
		active:     make(map[string]*runControl),
	}
}

func (h *RunHandler) runConfig(o *RunOverrides) convergence.Config {
	cfg := h.defaults
	cfg.Weights = make(map[string]float64, len(h.defaults.Weights))
	for dim, w := range h.defaults.Weights {
		cfg.Weights[dim] = w
	}
	if o == nil {
		return cfg
	}
	if o.Target != nil {
		cfg.Target = *o.Target
	}
	if o.MaxIterations != nil {
		cfg.MaxIterations = *o.MaxIterations
	}
	if o.MinImprovement != nil {
		cfg.MinImprovement = *o.MinImprovement
	}
	if o.Ceiling != nil {
		cfg.Ceiling = *o.Ceiling
	}
	if len(o.Weights) > 0 {
		cfg.Weights = o.Weights
	}
	return cfg
}

// CreateRun validates the request and queues the run.
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}
	priority, err := dispatch.ParsePriority(req.Priority)
	if err != nil {
		BadRequestResponse(c, err.Error())
		return
	}
	cfg := h.runConfig(req.Config)
	if err := cfg.Validate(); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	known := make(map[string]bool)
	for _, dim := range h.controller.Dimensions() {
		known[dim] = true
	}
	for dim := range cfg.Weights {
		if !known[dim] {
			BadRequestResponse(c, "No scorer for dimension "+strconv.Quote(dim))
			return
		}
	}

	runID := uuid.NewString()
	correlationID := logging.GetCorrelationID(c.Request.Context())
	candidate := convergence.Candidate{Payload: req.Candidate}

	task := dispatch.NewTask(priority, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := h.attach(ctx, runID)
		defer h.detach(runID, cancel)

		ctx = logging.WithRunID(ctx, runID)
		if correlationID != "" {
			ctx = logging.WithCorrelationID(ctx, correlationID)
		}
		return h.execute(ctx, runID, candidate, cfg)
	})
	task.ID = runID

	h.track(runID)
	h.store.MarkQueued(runID)
	if _, err := h.dispatcher.Submit(c.Request.Context(), task); err != nil {
		h.detach(runID, nil)
		h.store.MarkFailed(runID, err)
		ErrorResponseFromError(c, err)
		return
	}

	AcceptedResponse(c, RunAccepted{RunID: runID, Status: report.StatusQueued, Priority: priority.String()})
}

// execute runs one convergence loop and persists whatever it produced. A
// cancelled run still writes its partial report before being marked
// cancelled or failed.
func (h *RunHandler) execute(ctx context.Context, runID string, candidate convergence.Candidate, cfg convergence.Config) (*convergence.Result, error) {
	h.store.MarkRunning(runID)
	logger := h.logger.WithContext(ctx)

	result, err := h.controller.Refine(ctx, candidate, cfg)
	if result != nil {
		r := report.FromResult(result, h.monitor.SnapshotAll())
		werr := h.tracer.TraceableFunction(context.WithoutCancel(ctx), "report.write", func(ctx context.Context) error {
			return h.sink.Write(ctx, r)
		})
		if werr != nil {
			logger.WithError(werr).Warn("Report was not written to every sink")
		}
	}
	if err != nil {
		if stderrors.Is(err, context.Canceled) && h.cancelRequested(runID) {
			h.store.MarkCancelled(runID)
			logger.Info("Convergence run cancelled by request")
			return result, err
		}
		h.store.MarkFailed(runID, err)
		logger.WithError(err).Error("Convergence run failed")
		return result, err
	}

	logger.WithFields(logrus.Fields{
		"stop_reason": result.StopReason,
		"best_score":  result.BestScore,
	}).Info("Convergence run finished")
	return result, nil
}

// CancelRun cancels a queued or running run. Outstanding worker calls see
// the cancellation and release their limiter slots; a queued run is
// cancelled as soon as a dispatcher worker picks it up.
func (h *RunHandler) CancelRun(c *gin.Context) {
	runID := c.Param("id")

	h.mu.Lock()
	ctl, ok := h.active[runID]
	if ok {
		ctl.requested = true
		if ctl.cancel != nil {
			ctl.cancel()
		}
	}
	h.mu.Unlock()

	if !ok {
		if entry, found := h.store.Get(runID); found {
			ConflictResponse(c, "Run already "+string(entry.Status))
			return
		}
		NotFoundResponse(c, "Run not found")
		return
	}

	h.logger.WithContext(c.Request.Context()).
		WithField("run_id", runID).
		WithField("subject", c.GetString(subjectKey)).
		Info("Run cancellation requested")
	AcceptedResponse(c, RunCancelled{RunID: runID, Status: "cancelling"})
}

func (h *RunHandler) track(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[runID] = &runControl{}
}

// attach derives the run's cancellable context. A cancellation requested
// while the run was queued takes effect immediately.
func (h *RunHandler) attach(ctx context.Context, runID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	ctl, ok := h.active[runID]
	if !ok {
		ctl = &runControl{}
		h.active[runID] = ctl
	}
	ctl.cancel = cancel
	if ctl.requested {
		cancel()
	}
	return ctx, cancel
}

func (h *RunHandler) detach(runID string, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, runID)
}

func (h *RunHandler) cancelRequested(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctl, ok := h.active[runID]
	return ok && ctl.requested
}

// GetRun returns the state of a run, falling back to the durable loader for
// runs the in-memory store no longer holds.
func (h *RunHandler) GetRun(c *gin.Context) {
	runID := c.Param("id")
	if entry, ok := h.store.Get(runID); ok {
		SuccessResponse(c, entry)
		return
	}
	if h.loader == nil {
		NotFoundResponse(c, "Run not found")
		return
	}

	r, err := h.loader.Load(c.Request.Context(), runID)
	if err != nil {
		if stderrors.Is(err, report.ErrNotFound) {
			NotFoundResponse(c, "Run not found")
			return
		}
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, report.Entry{
		RunID:       r.RunID,
		Status:      report.StatusCompleted,
		SubmittedAt: r.StartedAt,
		UpdatedAt:   r.FinishedAt,
		Report:      r,
	})
}

// ListRuns lists recent runs, newest first.
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	entries := h.store.List(limit)
	ListResponse(c, entries, len(entries), limit)
}
