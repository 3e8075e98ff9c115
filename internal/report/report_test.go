package report

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/refinery/internal/convergence"
	apperrors "github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/health"
	"github.com/NikhilSetiya/refinery/pkg/logging"
	"github.com/NikhilSetiya/refinery/pkg/metrics"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

func sampleResult() *convergence.Result {
	started := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	score := func(sec, cost float64, fallback bool) *convergence.SatisfactionScore {
		return &convergence.SatisfactionScore{
			Composite: 0.5*sec + 0.5*cost,
			Dimensions: map[string]convergence.DimensionScore{
				"security": {Normalized: sec, Weight: 0.5},
				"cost":     {Normalized: cost, Weight: 0.5, Fallback: fallback},
			},
		}
	}
	return &convergence.Result{
		RunID:         "run-1",
		StartedAt:     started,
		FinishedAt:    started.Add(3 * time.Second),
		BestScore:     7.5,
		BestIteration: 2,
		Best:          convergence.Candidate{Payload: map[string]interface{}{"plan": "v2"}},
		StopReason:    convergence.ReasonStagnation,
		Suggestions:   []string{"cost: raise the score from 7.0 towards 8.5"},
		TotalAttempts: 5,
		TotalRetries:  1,
		History: []convergence.Iteration{
			{Index: 1, Composite: 6, Improvement: 6, Candidate: convergence.Candidate{Score: score(7, 5, true)}, Duration: 1500 * time.Millisecond},
			{Index: 2, Composite: 7.5, Improvement: 1.5, Candidate: convergence.Candidate{Score: score(8, 7, false)},
				Decision: convergence.Decision{Stop: true, Reason: convergence.ReasonStagnation}},
		},
	}
}

func TestFromResult(t *testing.T) {
	snapshot := map[string]health.Record{"security": {ResourceClass: "security", Status: health.StatusHealthy, SuccessRate: 1}}
	r := FromResult(sampleResult(), snapshot)

	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, "stagnation", r.StopReason)
	assert.Equal(t, 2, r.BestIteration)
	assert.Equal(t, 5, r.TotalAttempts)
	assert.Equal(t, 1, r.TotalRetries)
	require.Len(t, r.Iterations, 2)

	first := r.Iterations[0]
	assert.Equal(t, "continue", first.Decision)
	assert.Equal(t, []string{"cost"}, first.Fallbacks)
	assert.Equal(t, 5.0, first.Dimensions["cost"])
	assert.Equal(t, int64(1500), first.DurationMS)
	assert.Equal(t, "stagnation", r.Iterations[1].Decision)
	assert.Empty(t, r.Iterations[1].Fallbacks)
	assert.Equal(t, health.StatusHealthy, r.Health["security"].Status)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"best":{"plan":"v2"}`)
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	r := FromResult(sampleResult(), nil)
	require.NoError(t, sink.Write(context.Background(), r))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
	assert.Equal(t, "run-1.json", entries[0].Name())

	loaded, err := sink.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, r.BestScore, loaded.BestScore)
	assert.Equal(t, r.Iterations, loaded.Iterations)

	_, err = sink.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"", "../escape", `a\b`, ".."} {
		_, err := sink.Load(context.Background(), bad)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), bad)
	}

	_, err = NewFileSink("")
	assert.Error(t, err)
}

func newRedisSink(t *testing.T, cfg RedisSinkConfig) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewRedisSink(client, cfg), mr
}

func TestRedisSink_WriteAndLoad(t *testing.T) {
	sink, mr := newRedisSink(t, RedisSinkConfig{TTL: time.Hour, MaxList: 2})
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		r := FromResult(sampleResult(), nil)
		r.RunID = id
		require.NoError(t, sink.Write(ctx, r))
	}

	assert.Equal(t, time.Hour, mr.TTL("report:run-3"))
	ids, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-3", "run-2"}, ids, "list is capped at MaxList")

	loaded, err := sink.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, 7.5, loaded.BestScore)

	_, err = sink.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSink_RetriesThenFails(t *testing.T) {
	var retries int
	retry := resilience.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		OnRetry:    func(int, error, time.Duration) { retries++ },
	}
	sink, mr := newRedisSink(t, RedisSinkConfig{Retry: &retry})
	mr.Close()

	err := sink.Write(context.Background(), FromResult(sampleResult(), nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTransient))
	assert.Equal(t, 2, retries)

	retries = 0
	_, err = sink.Load(context.Background(), "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTransient))
	assert.Equal(t, 2, retries, "reads are retried too")
}

type failingSink struct{}

func (failingSink) Write(ctx context.Context, r *Report) error { return errors.New("disk full") }
func (failingSink) Name() string                                { return "broken" }

func TestMultiSink(t *testing.T) {
	store := NewStore(10)
	multi := NewMultiSink(metrics.NewMetrics(nil), logging.NewDiscardLogger(), failingSink{}, store)

	err := multi.Write(context.Background(), FromResult(sampleResult(), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: disk full")

	entry, ok := store.Get("run-1")
	require.True(t, ok, "later sinks still run")
	assert.Equal(t, StatusCompleted, entry.Status)

	assert.NoError(t, NewMultiSink(nil, logging.NewDiscardLogger(), store).Write(context.Background(), FromResult(sampleResult(), nil)))
}

func TestStore_Lifecycle(t *testing.T) {
	store := NewStore(10)
	ctx := context.Background()

	store.MarkQueued("a")
	e, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, e.Status)
	_, err := store.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	store.MarkRunning("a")
	e, _ = store.Get("a")
	assert.Equal(t, StatusRunning, e.Status)

	r := FromResult(sampleResult(), nil)
	r.RunID = "a"
	require.NoError(t, store.Write(ctx, r))
	loaded, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, r, loaded)

	store.MarkFailed("b", errors.New("invalid config"))
	e, _ = store.Get("b")
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "invalid config", e.Error)

	store.MarkCancelled("a")
	e, _ = store.Get("a")
	assert.Equal(t, StatusCancelled, e.Status)
	assert.Same(t, r, e.Report, "the partial report survives cancellation")
}

func TestStore_EvictsOldest(t *testing.T) {
	store := NewStore(2)
	store.MarkQueued("a")
	store.MarkQueued("b")
	store.MarkQueued("c")

	_, ok := store.Get("a")
	assert.False(t, ok)

	list := store.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].RunID)
	assert.Equal(t, "b", list[1].RunID)
	assert.Len(t, store.List(1), 1)

	// Reads and status updates do not protect a run from eviction.
	_, ok = store.Get("b")
	require.True(t, ok)
	store.MarkRunning("b")
	store.MarkQueued("d")
	_, ok = store.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, store.Len())
}
