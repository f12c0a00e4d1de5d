package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsharvest/adaptive/pkg/config"
	"github.com/newsharvest/adaptive/pkg/metrics"
	"github.com/newsharvest/adaptive/pkg/persistence"
	"github.com/newsharvest/adaptive/pkg/profiler"
	"github.com/newsharvest/adaptive/pkg/quality"
	"github.com/newsharvest/adaptive/pkg/tuning"
)

func newRealSystem(t *testing.T, mode config.Mode, store persistence.Store) *System {
	t.Helper()
	opts := config.Default()
	opts.Mode = mode

	col := metrics.NewCollector(metrics.DefaultCollectorConfig(), nil, nil)
	prof := profiler.NewProfiler(profiler.DefaultConfig(), nil)
	qa := quality.NewAnalyzer(20, nil)
	tn := tuning.NewTuner(tuning.DefaultConfig(), col, prof, qa, nil)

	sys, err := New(opts, col, prof, qa, tn, store, nil, nil)
	require.NoError(t, err)
	return sys
}

// feedTimeoutHeavyTraffic records 200 scrapes for src-1: a quarter time
// out at 5000ms, the rest succeed quickly.
func feedTimeoutHeavyTraffic(s *System) {
	for i := 0; i < 50; i++ {
		s.RecordScrapeResult("src-1", false, 5000, 0, profiler.ErrorTimeout, nil)
	}
	for i := 0; i < 150; i++ {
		s.RecordScrapeResult("src-1", true, 100, 0, profiler.ErrorNone, nil)
	}
}

func TestPassiveModeRecommendsWithoutMutating(t *testing.T) {
	sys := newRealSystem(t, config.ModePassive, nil)
	feedTimeoutHeavyTraffic(sys)

	result := sys.RunLearningCycle(context.Background(), true)
	require.False(t, result.Skipped)
	assert.Greater(t, result.TuningRecommendations, 0)
	assert.Equal(t, 0, result.AppliedChanges)

	// Parameters are untouched, the recommendations sit pending.
	v, err := sys.tuner.(*tuning.Tuner).Get("src-1", "timeout_ms")
	require.NoError(t, err)
	assert.InDelta(t, 30000, v, 1e-9)
	assert.NotEmpty(t, sys.tuner.Pending())
}

func TestActiveModeAppliesWithinCap(t *testing.T) {
	sys := newRealSystem(t, config.ModeActive, nil)
	feedTimeoutHeavyTraffic(sys)

	result := sys.RunLearningCycle(context.Background(), true)
	require.False(t, result.Skipped)
	assert.Greater(t, result.AppliedChanges, 0)

	// The timeout moved toward the recommendation, capped per cycle.
	v, err := sys.tuner.(*tuning.Tuner).Get("src-1", "timeout_ms")
	require.NoError(t, err)
	assert.Less(t, v, 30000.0)
	assert.GreaterOrEqual(t, v, 28500.0)
}

func TestCycleIntervalGate(t *testing.T) {
	sys := newRealSystem(t, config.ModePassive, nil)
	feedTimeoutHeavyTraffic(sys)

	first := sys.RunLearningCycle(context.Background(), true)
	require.False(t, first.Skipped)

	second := sys.RunLearningCycle(context.Background(), false)
	assert.True(t, second.Skipped)
	assert.Equal(t, "inside_learning_interval", second.Reason)

	// After the interval elapses an unforced cycle runs again.
	sys.now = func() time.Time { return time.Now().Add(7 * time.Hour) }
	third := sys.RunLearningCycle(context.Background(), false)
	assert.False(t, third.Skipped)
}

type blockingTuner struct {
	tuning.Tuner
	enter chan struct{}
	exit  chan struct{}
}

func (b *blockingTuner) AnalyzeAndRecommend() []tuning.Recommendation {
	close(b.enter)
	<-b.exit
	return nil
}

func TestConcurrentCycleIsSkippedNotQueued(t *testing.T) {
	col := metrics.NewCollector(metrics.DefaultCollectorConfig(), nil, nil)
	prof := profiler.NewProfiler(profiler.DefaultConfig(), nil)
	qa := quality.NewAnalyzer(20, nil)
	bt := &blockingTuner{enter: make(chan struct{}), exit: make(chan struct{})}

	sys, err := New(config.Default(), col, prof, qa, bt, nil, nil, nil)
	require.NoError(t, err)

	done := make(chan CycleResult)
	go func() {
		done <- sys.RunLearningCycle(context.Background(), true)
	}()

	<-bt.enter // first cycle is now inside the tuner stage
	second := sys.RunLearningCycle(context.Background(), true)
	assert.True(t, second.Skipped)
	assert.Equal(t, "cycle_already_running", second.Reason)

	close(bt.exit)
	first := <-done
	assert.False(t, first.Skipped)
}

type flakyCollector struct {
	*metrics.Collector
	fail bool
}

func (f *flakyCollector) Record(entityID string, kind metrics.Kind, value float64, metadata map[string]string) error {
	if f.fail {
		return errors.New("collector down")
	}
	return f.Collector.Record(entityID, kind, value, metadata)
}

func TestHealthDegradesAndRecovers(t *testing.T) {
	fc := &flakyCollector{Collector: metrics.NewCollector(metrics.DefaultCollectorConfig(), nil, nil), fail: true}
	prof := profiler.NewProfiler(profiler.DefaultConfig(), nil)
	qa := quality.NewAnalyzer(20, nil)
	tn := tuning.NewTuner(tuning.DefaultConfig(), nil, nil, nil, nil)

	sys, err := New(config.Default(), fc, prof, qa, tn, nil, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sys.RecordValidationResult("src-1", true)
	}

	health := sys.GetSystemHealth()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "degraded", health.Components["metrics"].Status)
	assert.Equal(t, 5, health.Components["metrics"].ErrorCount)
	assert.Equal(t, "healthy", health.Components["profiler"].Status)

	// Each success pays back one error.
	fc.fail = false
	for i := 0; i < 5; i++ {
		sys.RecordValidationResult("src-1", true)
	}
	health = sys.GetSystemHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Components["metrics"].ErrorCount)
}

func TestHealthCarriesQualityAndPendingSummary(t *testing.T) {
	sys := newRealSystem(t, config.ModePassive, nil)
	feedTimeoutHeavyTraffic(sys)
	for i := 0; i < 10; i++ {
		rec := quality.Record{
			EntityID:    "src-1",
			Title:       "A perfectly reasonable headline",
			Content:     "body text body text body text body text body text body text body text body text body text body text ",
			URL:         "https://example.com/a",
			PublishedAt: time.Now().Add(-time.Hour),
		}
		sys.RecordArticleOutcome(rec, true)
	}

	result := sys.RunLearningCycle(context.Background(), true)
	require.Greater(t, result.TuningRecommendations, 0)

	// Passive mode leaves the recommendations pending, and the health
	// surface reports both them and the current quality picture.
	health := sys.GetSystemHealth()
	assert.Greater(t, health.PendingRecommendations, 0)
	assert.Equal(t, len(sys.tuner.Pending()), health.PendingRecommendations)
	assert.InDelta(t, 1.0, health.QualityScore, 1e-9)
	assert.NotEmpty(t, string(health.QualityTrend))
}

type panickyQuality struct{}

func (panickyQuality) Analyze(quality.Record) ([]quality.Issue, error) { panic("boom") }
func (panickyQuality) GenerateReport() quality.Report                  { panic("boom") }
func (panickyQuality) MinePatterns() []quality.Pattern                 { panic("boom") }
func (panickyQuality) EntityAnalysis(string) (quality.EntityAnalysis, bool) {
	panic("boom")
}
func (panickyQuality) Score() float64 { panic("boom") }

func TestFanOutSurvivesPanickingComponent(t *testing.T) {
	col := metrics.NewCollector(metrics.DefaultCollectorConfig(), nil, nil)
	prof := profiler.NewProfiler(profiler.DefaultConfig(), nil)
	tn := tuning.NewTuner(tuning.DefaultConfig(), nil, nil, nil, nil)

	sys, err := New(config.Default(), col, prof, panickyQuality{}, tn, nil, nil, nil)
	require.NoError(t, err)

	// The quality analyzer panics, but the acceptance counter still lands
	// in the collector.
	rec := quality.Record{EntityID: "src-1", Title: "t", Content: "c", URL: "https://example.com"}
	issues := sys.RecordArticleOutcome(rec, true)
	assert.Nil(t, issues)

	snap, ok := col.EntityMetrics("src-1")
	require.True(t, ok)
	assert.InDelta(t, 1.0, snap.AcceptanceRate, 1e-9)

	health := sys.GetSystemHealth()
	assert.Equal(t, 1, health.Components["quality"].ErrorCount)
}

// staticRecTuner emits one fresh recommendation per analysis pass so the
// controller's own per-entity cooldown can be exercised in isolation.
type staticRecTuner struct {
	counter int
	applies int
}

func (s *staticRecTuner) AnalyzeAndRecommend() []tuning.Recommendation {
	s.counter++
	return []tuning.Recommendation{{
		ID: fmt.Sprintf("rec-%d", s.counter), EntityID: "src-1",
		Parameter: "timeout_ms", Current: 30000, Recommended: 28500,
	}}
}

func (s *staticRecTuner) Apply(rec tuning.Recommendation, _ config.Mode) (tuning.ApplyResult, error) {
	s.applies++
	return tuning.ApplyResult{Applied: true, OldValue: rec.Current, NewValue: rec.Recommended}, nil
}

func (s *staticRecTuner) Pending() []tuning.Recommendation                 { return nil }
func (s *staticRecTuner) Recommendations(string) []tuning.Recommendation   { return nil }
func (s *staticRecTuner) EntityParameters(string) map[string]float64       { return nil }
func (s *staticRecTuner) ExportState() (json.RawMessage, error)            { return json.RawMessage(`{}`), nil }
func (s *staticRecTuner) RestoreState(json.RawMessage) error               { return nil }

func TestControllerCooldownLimitsApplies(t *testing.T) {
	col := metrics.NewCollector(metrics.DefaultCollectorConfig(), nil, nil)
	prof := profiler.NewProfiler(profiler.DefaultConfig(), nil)
	qa := quality.NewAnalyzer(20, nil)
	st := &staticRecTuner{}

	opts := config.Default()
	opts.Mode = config.ModeActive
	sys, err := New(opts, col, prof, qa, st, nil, nil, nil)
	require.NoError(t, err)

	first := sys.RunLearningCycle(context.Background(), true)
	require.Equal(t, 1, first.AppliedChanges)
	require.Equal(t, 1, st.applies)

	// The same entity gets a fresh recommendation immediately, but the 24h
	// per-entity controller cooldown blocks a second change.
	second := sys.RunLearningCycle(context.Background(), true)
	require.False(t, second.Skipped)
	assert.Equal(t, 1, second.TuningRecommendations)
	assert.Equal(t, 0, second.AppliedChanges)
	assert.Equal(t, 1, second.SkippedByCooldown)
	assert.Equal(t, 1, st.applies)

	// Once the cooldown lapses the next recommendation lands.
	sys.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	third := sys.RunLearningCycle(context.Background(), true)
	assert.Equal(t, 1, third.AppliedChanges)
	assert.Equal(t, 2, st.applies)
}

func TestPersistAndRestoreAcrossRestart(t *testing.T) {
	store := persistence.NewMemoryStore()

	sys := newRealSystem(t, config.ModePassive, store)
	feedTimeoutHeavyTraffic(sys)
	sys.RunLearningCycle(context.Background(), true)
	require.NoError(t, sys.Shutdown(context.Background()))

	// A fresh system over the same store sees the accumulated history.
	restarted := newRealSystem(t, config.ModePassive, store)
	snap, ok := restarted.collector.EntityMetrics("src-1")
	require.True(t, ok)
	assert.Equal(t, int64(200), snap.Attempts)

	prof, ok := restarted.profiler.Snapshot("src-1")
	require.True(t, ok)
	assert.Equal(t, int64(200), prof.Requests)
}

func TestGetOptimalParametersMergesSources(t *testing.T) {
	sys := newRealSystem(t, config.ModePassive, nil)
	feedTimeoutHeavyTraffic(sys)

	params := sys.GetOptimalParameters("src-1")
	assert.Equal(t, "src-1", params.EntityID)
	assert.InDelta(t, 30000, params.Parameters["timeout_ms"], 1e-9)
	assert.Greater(t, params.RetryStrategy.MaxRetries, 0)
	assert.GreaterOrEqual(t, params.Concurrency, 1)
}

func TestDashboardData(t *testing.T) {
	sys := newRealSystem(t, config.ModePassive, nil)
	feedTimeoutHeavyTraffic(sys)
	sys.RunLearningCycle(context.Background(), true)

	data, err := sys.GetDashboardData(context.Background())
	require.NoError(t, err)

	assert.Contains(t, data.TrackedEntities, "src-1")
	assert.NotEmpty(t, data.Pending)
	assert.Equal(t, "healthy", data.Health.Status)
	require.NotNil(t, data.LastCycle)
	assert.False(t, data.LastCycle.Skipped)

	// The dashboard is JSON-serializable for the operator surface.
	_, err = json.Marshal(data)
	require.NoError(t, err)
}

func TestSetOptionsRejectsInvalid(t *testing.T) {
	sys := newRealSystem(t, config.ModePassive, nil)

	bad := config.Default()
	bad.Mode = "turbo"
	require.Error(t, sys.SetOptions(bad))
	assert.Equal(t, config.ModePassive, sys.Options().Mode)

	good := config.Default()
	good.Mode = config.ModeAdvisory
	require.NoError(t, sys.SetOptions(good))
	assert.Equal(t, config.ModeAdvisory, sys.Options().Mode)
}
