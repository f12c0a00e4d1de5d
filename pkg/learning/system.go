// Package learning wires the metric collector, performance profiler,
// quality analyzer, and tuner into one closed-loop system: observations
// flow in, periodic learning cycles analyze them, and (in active mode)
// parameter changes flow back out.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/newsharvest/adaptive/internal/window"
	"github.com/newsharvest/adaptive/pkg/config"
	aderrors "github.com/newsharvest/adaptive/pkg/errors"
	"github.com/newsharvest/adaptive/pkg/logging"
	"github.com/newsharvest/adaptive/pkg/metrics"
	"github.com/newsharvest/adaptive/pkg/persistence"
	"github.com/newsharvest/adaptive/pkg/profiler"
	"github.com/newsharvest/adaptive/pkg/quality"
	"github.com/newsharvest/adaptive/pkg/tuning"
)

// MetricCollector is the aggregate-metrics dependency of the system.
type MetricCollector interface {
	Record(entityID string, kind metrics.Kind, value float64, metadata map[string]string) error
	EntityMetrics(entityID string) (metrics.EntitySnapshot, bool)
	EntityIDs() []string
	GlobalStats() metrics.GlobalStats
	Problematic(limit int) []metrics.EntitySnapshot
	Trending(direction window.Trend, limit int) []metrics.EntitySnapshot
	ExportState() (json.RawMessage, error)
	RestoreState(data json.RawMessage) error
}

// PerformanceProfiler is the latency/outcome-profile dependency.
type PerformanceProfiler interface {
	RecordRequest(entityID string, success bool, latencyMs float64, retryCount int, errClass profiler.ErrorClass)
	Snapshot(entityID string) (profiler.ProfileSnapshot, bool)
	RetryStrategyFor(entityID string) profiler.RetryStrategy
	OptimalTiming(entityID string) profiler.TimingReport
	OptimalConcurrency(entityID string) int
	AnalyzeAndRecommend() ([]profiler.Recommendation, bool)
	ExportState() (json.RawMessage, error)
	RestoreState(data json.RawMessage) error
}

// QualityAnalyzer is the content-quality dependency.
type QualityAnalyzer interface {
	Analyze(rec quality.Record) ([]quality.Issue, error)
	GenerateReport() quality.Report
	MinePatterns() []quality.Pattern
	EntityAnalysis(entityID string) (quality.EntityAnalysis, bool)
	Score() float64
}

// Tuner is the parameter store and recommendation dependency.
type Tuner interface {
	AnalyzeAndRecommend() []tuning.Recommendation
	Apply(rec tuning.Recommendation, mode config.Mode) (tuning.ApplyResult, error)
	Pending() []tuning.Recommendation
	Recommendations(entityID string) []tuning.Recommendation
	EntityParameters(entityID string) map[string]float64
	ExportState() (json.RawMessage, error)
	RestoreState(data json.RawMessage) error
}

// Component names used for state persistence and health reporting.
const (
	componentMetrics  = "metrics"
	componentProfiler = "profiler"
	componentQuality  = "quality"
	componentTuner    = "tuner"
)

// degradedErrorThreshold is the rolling error count at which a component
// is reported degraded. Successes pay the count back down one at a time.
const degradedErrorThreshold = 5

// System is the top-level controller.
type System struct {
	collector MetricCollector
	profiler  PerformanceProfiler
	quality   QualityAnalyzer
	tuner     Tuner
	store     persistence.Store

	mu          sync.RWMutex
	opts        config.Options
	errorCounts map[string]int
	lastCycle   time.Time
	lastResult  *CycleResult
	lastApplied map[string]time.Time

	// cycleMu serializes learning cycles; a cycle that finds it held is
	// skipped, not queued.
	cycleMu sync.Mutex

	dashboardGroup singleflight.Group

	logger *logging.StructuredLogger
	now    func() time.Time

	cyclesTotal    *prometheus.CounterVec
	componentState *prometheus.GaugeVec
}

// New assembles a system from its components. store may be nil to run
// without persistence, and reg may be nil to skip metric registration.
// Previously persisted state, when present, is restored before returning.
func New(
	opts config.Options,
	collector MetricCollector,
	prof PerformanceProfiler,
	qa QualityAnalyzer,
	tn Tuner,
	store persistence.Store,
	logger *logging.StructuredLogger,
	reg prometheus.Registerer,
) (*System, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &System{
		collector:   collector,
		profiler:    prof,
		quality:     qa,
		tuner:       tn,
		store:       store,
		opts:        opts,
		errorCounts: make(map[string]int),
		lastApplied: make(map[string]time.Time),
		logger:      logger.WithComponent("learning"),
		now:         time.Now,
	}

	if reg != nil {
		s.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_learning_cycles_total",
			Help: "Learning cycles by outcome.",
		}, []string{"outcome"})
		s.componentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adaptive_component_error_count",
			Help: "Rolling error count per component.",
		}, []string{"component"})
		reg.MustRegister(s.cyclesTotal, s.componentState)
	}

	if err := s.restore(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// SetOptions swaps the runtime options, typically from a config watcher.
// Invalid options are rejected and the previous ones stay in effect.
func (s *System) SetOptions(opts config.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.opts.Mode
	s.opts = opts
	s.mu.Unlock()
	if old != opts.Mode {
		s.logger.Info("operating mode changed", "from", string(old), "to", string(opts.Mode))
	}
	return nil
}

// Options returns a copy of the current runtime options.
func (s *System) Options() config.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// RecordScrapeResult ingests one scrape outcome into the collector and the
// profiler. A failure in one sink never blocks the other.
func (s *System) RecordScrapeResult(entityID string, success bool, latencyMs float64, retryCount int, errClass profiler.ErrorClass, metadata map[string]string) {
	s.guard(componentMetrics, func() error {
		kind := metrics.KindSuccess
		if !success {
			kind = metrics.KindFailure
			if errClass == profiler.ErrorTimeout {
				kind = metrics.KindTimeout
			}
		}
		if err := s.collector.Record(entityID, kind, 1, metadata); err != nil {
			return err
		}
		return s.collector.Record(entityID, metrics.KindLatency, latencyMs, nil)
	})

	s.guard(componentProfiler, func() error {
		s.profiler.RecordRequest(entityID, success, latencyMs, retryCount, errClass)
		return nil
	})
}

// RecordValidationResult ingests one schema-validation outcome.
func (s *System) RecordValidationResult(entityID string, passed bool) {
	s.guard(componentMetrics, func() error {
		kind := metrics.KindValidationFail
		if passed {
			kind = metrics.KindValidationPass
		}
		return s.collector.Record(entityID, kind, 1, nil)
	})
}

// RecordArticleOutcome runs quality analysis on one collected record and
// feeds both the acceptance counters and the per-record quality score into
// the collector. The detected issues are returned to the caller.
func (s *System) RecordArticleOutcome(rec quality.Record, accepted bool) []quality.Issue {
	var issues []quality.Issue
	s.guard(componentQuality, func() error {
		var err error
		issues, err = s.quality.Analyze(rec)
		return err
	})

	s.guard(componentMetrics, func() error {
		kind := metrics.KindArticleRejected
		if accepted {
			kind = metrics.KindArticleAccepted
		}
		if err := s.collector.Record(rec.EntityID, kind, 1, nil); err != nil {
			return err
		}
		return s.collector.Record(rec.EntityID, metrics.KindQualityScore, recordScore(issues), nil)
	})
	return issues
}

// recordScore folds issue severities into a single [0,1] score for one
// record, mirroring the analyzer's report scoring.
func recordScore(issues []quality.Issue) float64 {
	var weight float64
	for _, iss := range issues {
		weight += iss.Severity.Weight()
	}
	if weight > 1 {
		weight = 1
	}
	return 1 - weight
}

// guard runs fn for a component, absorbing panics and errors into the
// component's rolling error count. A success pays one error back.
func (s *System) guard(component string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.noteFailure(component, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		s.noteFailure(component, err)
		return
	}
	s.noteSuccess(component)
}

func (s *System) noteFailure(component string, err error) {
	s.mu.Lock()
	s.errorCounts[component]++
	count := s.errorCounts[component]
	s.mu.Unlock()

	if s.componentState != nil {
		s.componentState.WithLabelValues(component).Set(float64(count))
	}
	if aderrors.IsValidation(err) {
		s.logger.Warn("component rejected input", "component", component, "error", err)
		return
	}
	s.logger.Error("component operation failed", "component", component, "error", err, "error_count", count)
}

func (s *System) noteSuccess(component string) {
	s.mu.Lock()
	if s.errorCounts[component] > 0 {
		s.errorCounts[component]--
	}
	count := s.errorCounts[component]
	s.mu.Unlock()

	if s.componentState != nil {
		s.componentState.WithLabelValues(component).Set(float64(count))
	}
}

// ComponentHealth is the health of one component.
type ComponentHealth struct {
	Status     string `json:"status"`
	ErrorCount int    `json:"error_count"`
}

// HealthReport aggregates component health. Overall status is healthy with
// no degraded components, degraded with fewer than half, and unhealthy at
// half or more.
type HealthReport struct {
	Status                 string                     `json:"status"`
	Components             map[string]ComponentHealth `json:"components"`
	QualityScore           float64                    `json:"quality_score"`
	QualityTrend           window.Trend               `json:"quality_trend"`
	PendingRecommendations int                        `json:"pending_recommendations"`
	LastCycle              time.Time                  `json:"last_cycle,omitempty"`
}

// GetSystemHealth reports per-component and overall health, the current
// aggregate quality score and trend, and the pending recommendation count.
func (s *System) GetSystemHealth() HealthReport {
	s.mu.RLock()
	components := map[string]ComponentHealth{
		componentMetrics:  {},
		componentProfiler: {},
		componentQuality:  {},
		componentTuner:    {},
	}
	degraded := 0
	for name := range components {
		count := s.errorCounts[name]
		status := "healthy"
		if count >= degradedErrorThreshold {
			status = "degraded"
			degraded++
		}
		components[name] = ComponentHealth{Status: status, ErrorCount: count}
	}
	lastCycle := s.lastCycle
	s.mu.RUnlock()

	overall := "healthy"
	switch {
	case degraded >= len(components)/2 && degraded > 0:
		overall = "unhealthy"
	case degraded > 0:
		overall = "degraded"
	}

	report := HealthReport{
		Status:     overall,
		Components: components,
		LastCycle:  lastCycle,
	}

	// The summaries below are best-effort: a failing component already
	// shows up in its status, and a panic here must not take the health
	// endpoint down with it. Health probes do not move error counts.
	func() {
		defer func() { _ = recover() }()
		qr := s.quality.GenerateReport()
		report.QualityScore = qr.Score
		report.QualityTrend = qr.Trend
	}()
	func() {
		defer func() { _ = recover() }()
		report.PendingRecommendations = len(s.tuner.Pending())
	}()
	return report
}

// OptimalParameters is everything the pipeline needs to configure work for
// one entity.
type OptimalParameters struct {
	EntityID      string                 `json:"entity_id"`
	Parameters    map[string]float64     `json:"parameters"`
	RetryStrategy profiler.RetryStrategy `json:"retry_strategy"`
	Timing        profiler.TimingReport  `json:"timing"`
	Concurrency   int                    `json:"concurrency"`
}

// GetOptimalParameters merges the tuner's parameter values with the
// profiler's derived strategy and timing for one entity.
func (s *System) GetOptimalParameters(entityID string) OptimalParameters {
	return OptimalParameters{
		EntityID:      entityID,
		Parameters:    s.tuner.EntityParameters(entityID),
		RetryStrategy: s.profiler.RetryStrategyFor(entityID),
		Timing:        s.profiler.OptimalTiming(entityID),
		Concurrency:   s.profiler.OptimalConcurrency(entityID),
	}
}

// GetSourceRecommendations returns retained tuning recommendations for one
// entity.
func (s *System) GetSourceRecommendations(entityID string) []tuning.Recommendation {
	return s.tuner.Recommendations(entityID)
}

// GetEntityQualityAnalysis returns the quality summary for one entity.
func (s *System) GetEntityQualityAnalysis(entityID string) (quality.EntityAnalysis, bool) {
	return s.quality.EntityAnalysis(entityID)
}

// restore loads persisted component state. An empty store is normal on
// first boot.
func (s *System) restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.Load(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		s.logger.Info("no persisted state, starting fresh")
		return nil
	}
	if err != nil {
		return aderrors.Persistence("load_snapshot", err)
	}

	restorers := map[string]func(json.RawMessage) error{
		componentMetrics:  s.collector.RestoreState,
		componentProfiler: s.profiler.RestoreState,
		componentTuner:    s.tuner.RestoreState,
	}
	for name, restore := range restorers {
		data, ok := snap.Components[name]
		if !ok {
			continue
		}
		if err := restore(data); err != nil {
			// Partial restore beats refusing to start: log and continue with
			// fresh state for this component.
			s.logger.Error("failed to restore component state, starting fresh",
				"component", name, "error", err)
		}
	}
	s.logger.Info("persisted state restored", "saved_at", snap.SavedAt)
	return nil
}

// persist exports component state concurrently and saves one snapshot.
func (s *System) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	snap := persistence.NewSnapshot()
	var snapMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	exporters := map[string]func() (json.RawMessage, error){
		componentMetrics:  s.collector.ExportState,
		componentProfiler: s.profiler.ExportState,
		componentTuner:    s.tuner.ExportState,
	}
	for name, export := range exporters {
		name, export := name, export
		g.Go(func() error {
			data, err := export()
			if err != nil {
				return aderrors.Component(name, "export_state", err)
			}
			snapMu.Lock()
			snap.Components[name] = data
			snapMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.store.Save(ctx, snap)
}

// Shutdown persists the final state. Safe to call with a deadline context.
func (s *System) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down, persisting state")
	if err := s.persist(ctx); err != nil {
		return aderrors.Persistence("shutdown_persist", err)
	}
	return nil
}
