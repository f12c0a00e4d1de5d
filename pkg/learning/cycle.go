package learning

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/newsharvest/adaptive/pkg/config"
	"github.com/newsharvest/adaptive/pkg/metrics"
	"github.com/newsharvest/adaptive/pkg/profiler"
	"github.com/newsharvest/adaptive/pkg/quality"
	"github.com/newsharvest/adaptive/pkg/tuning"
)

// CycleResult summarizes one learning cycle.
type CycleResult struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped"`
	Reason    string        `json:"reason,omitempty"`

	ProfilerRecommendations int     `json:"profiler_recommendations"`
	TuningRecommendations   int     `json:"tuning_recommendations"`
	AppliedChanges          int     `json:"applied_changes"`
	SkippedByCooldown       int     `json:"skipped_by_cooldown"`
	QualityScore            float64 `json:"quality_score"`
	QualityPatterns         int     `json:"quality_patterns"`

	StageErrors []string `json:"stage_errors,omitempty"`
}

// RunLearningCycle runs one analysis pass: profiler optimization, quality
// reporting, tuning recommendations, and (in active mode) application of
// recommended changes, followed by state persistence.
//
// Only one cycle runs at a time; a call that finds a cycle in flight is
// skipped rather than queued. Unless force is set, calls inside the
// configured learning interval are also skipped.
func (s *System) RunLearningCycle(ctx context.Context, force bool) CycleResult {
	if !s.cycleMu.TryLock() {
		s.countCycle("skipped_running")
		return CycleResult{Skipped: true, Reason: "cycle_already_running", StartedAt: s.now()}
	}
	defer s.cycleMu.Unlock()

	start := s.now()
	s.mu.RLock()
	opts := s.opts
	last := s.lastCycle
	s.mu.RUnlock()

	if !force && !last.IsZero() && start.Sub(last) < opts.LearningInterval() {
		s.countCycle("skipped_interval")
		return CycleResult{Skipped: true, Reason: "inside_learning_interval", StartedAt: start}
	}

	result := CycleResult{ID: uuid.NewString(), StartedAt: start}
	s.logger.Info("learning cycle started", "cycle_id", result.ID, "mode", string(opts.Mode), "forced", force)

	s.stage(&result, componentProfiler, func() error {
		recs, ran := s.profiler.AnalyzeAndRecommend()
		if ran {
			result.ProfilerRecommendations = len(recs)
		}
		return nil
	})

	s.stage(&result, componentQuality, func() error {
		report := s.quality.GenerateReport()
		result.QualityScore = report.Score
		result.QualityPatterns = len(report.TopPatterns)
		if report.Score < opts.QualityAlertThreshold {
			s.logger.Warn("aggregate quality below alert threshold",
				"cycle_id", result.ID, "score", report.Score, "threshold", opts.QualityAlertThreshold)
		}
		return nil
	})

	var tuningRecs []tuning.Recommendation
	s.stage(&result, componentTuner, func() error {
		tuningRecs = s.tuner.AnalyzeAndRecommend()
		result.TuningRecommendations = len(tuningRecs)
		return nil
	})

	if opts.Mode == config.ModeActive {
		s.applyStage(&result, tuningRecs, opts)
	} else if len(tuningRecs) > 0 {
		s.logger.Info("recommendations pending, mode is not active",
			"cycle_id", result.ID, "mode", string(opts.Mode), "count", len(tuningRecs))
	}

	if err := s.persist(ctx); err != nil {
		result.StageErrors = append(result.StageErrors, err.Error())
		s.logger.Error("cycle state persistence failed", "cycle_id", result.ID, "error", err)
	}

	result.Duration = s.now().Sub(start)

	s.mu.Lock()
	s.lastCycle = start
	s.lastResult = &result
	s.mu.Unlock()

	s.countCycle("completed")
	s.logger.Info("learning cycle completed",
		"cycle_id", result.ID,
		"duration_ms", result.Duration.Milliseconds(),
		"tuning_recommendations", result.TuningRecommendations,
		"applied", result.AppliedChanges)
	return result
}

// stage runs one cycle stage under the component guard and collects its
// error into the result. A failing stage never aborts the cycle.
func (s *System) stage(result *CycleResult, component string, fn func() error) {
	s.guard(component, func() error {
		if err := fn(); err != nil {
			result.StageErrors = append(result.StageErrors, err.Error())
			return err
		}
		return nil
	})
}

// applyStage applies tuning recommendations in active mode, honoring the
// per-entity controller cooldown.
func (s *System) applyStage(result *CycleResult, recs []tuning.Recommendation, opts config.Options) {
	now := s.now()
	cooldown := opts.ControllerCooldown()

	for _, rec := range recs {
		s.mu.RLock()
		lastChange, seen := s.lastApplied[rec.EntityID]
		s.mu.RUnlock()
		if seen && now.Sub(lastChange) < cooldown {
			result.SkippedByCooldown++
			continue
		}

		rec := rec
		s.stage(result, componentTuner, func() error {
			res, err := s.tuner.Apply(rec, config.ModeActive)
			if err != nil {
				return err
			}
			if res.Applied && res.NewValue != res.OldValue {
				result.AppliedChanges++
				s.mu.Lock()
				s.lastApplied[rec.EntityID] = now
				s.mu.Unlock()
			}
			return nil
		})
	}
}

func (s *System) countCycle(outcome string) {
	if s.cyclesTotal != nil {
		s.cyclesTotal.WithLabelValues(outcome).Inc()
	}
}

// LastCycle returns the most recent completed cycle result, if any.
func (s *System) LastCycle() (CycleResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil {
		return CycleResult{}, false
	}
	return *s.lastResult, true
}

// DashboardData is the aggregate view served to operators.
type DashboardData struct {
	GeneratedAt     time.Time                `json:"generated_at"`
	Global          metrics.GlobalStats      `json:"global"`
	Problematic     []metrics.EntitySnapshot `json:"problematic"`
	Quality         quality.Report           `json:"quality"`
	Pending         []tuning.Recommendation  `json:"pending_recommendations"`
	Health          HealthReport             `json:"health"`
	LastCycle       *CycleResult             `json:"last_cycle,omitempty"`
	TrackedEntities []string                 `json:"tracked_entities"`
}

// GetDashboardData builds the operator dashboard view. Concurrent callers
// share one computation.
func (s *System) GetDashboardData(ctx context.Context) (DashboardData, error) {
	v, err, _ := s.dashboardGroup.Do("dashboard", func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return DashboardData{}, err
		}
		data := DashboardData{
			GeneratedAt:     s.now(),
			Global:          s.collector.GlobalStats(),
			Problematic:     s.collector.Problematic(10),
			Quality:         s.quality.GenerateReport(),
			Pending:         s.tuner.Pending(),
			Health:          s.GetSystemHealth(),
			TrackedEntities: s.collector.EntityIDs(),
		}
		if last, ok := s.LastCycle(); ok {
			data.LastCycle = &last
		}
		return data, nil
	})
	if err != nil {
		return DashboardData{}, err
	}
	return v.(DashboardData), nil
}

// Ensure the default concrete components satisfy the interfaces.
var (
	_ MetricCollector     = (*metrics.Collector)(nil)
	_ PerformanceProfiler = (*profiler.Profiler)(nil)
	_ QualityAnalyzer     = (*quality.Analyzer)(nil)
	_ Tuner               = (*tuning.Tuner)(nil)
)
