// Package profiler maintains per-entity performance profiles (latency
// percentile proxies, success and error-class rates, hour-of-week outcome
// tables) and derives retry, timeout, and concurrency settings from them.
package profiler

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrorClass labels the failure mode of a request.
type ErrorClass string

const (
	ErrorNone      ErrorClass = "none"
	ErrorTimeout   ErrorClass = "timeout"
	ErrorRateLimit ErrorClass = "rate_limit"
	ErrorServer    ErrorClass = "server_error"
	ErrorNetwork   ErrorClass = "network"
	ErrorParse     ErrorClass = "parse"
)

// RetryStrategy is the derived retry policy for one entity. Recomputed from
// the profile when stale, never persisted directly.
type RetryStrategy struct {
	MaxRetries         int     `json:"max_retries"`
	BaseDelayMs        float64 `json:"base_delay_ms"`
	MaxDelayMs         float64 `json:"max_delay_ms"`
	ExponentialBase    float64 `json:"exponential_base"`
	JitterFactor       float64 `json:"jitter_factor"`
	RetryOnTimeout     bool    `json:"retry_on_timeout"`
	RetryOnRateLimit   bool    `json:"retry_on_rate_limit"`
	RetryOnServerError bool    `json:"retry_on_server_error"`
	RateLimitBackoffMs float64 `json:"rate_limit_backoff_ms"`
}

// DefaultRetryStrategy returns the strategy used before enough history
// exists to derive one.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries:         3,
		BaseDelayMs:        1000,
		MaxDelayMs:         30000,
		ExponentialBase:    2.0,
		JitterFactor:       0.1,
		RetryOnTimeout:     true,
		RetryOnRateLimit:   true,
		RetryOnServerError: true,
		RateLimitBackoffMs: 60000,
	}
}

// OptimalSettings are the currently-effective derived operating settings
// for one entity.
type OptimalSettings struct {
	TimeoutMs   float64 `json:"timeout_ms"`
	MaxRetries  int     `json:"max_retries"`
	Concurrency int     `json:"concurrency"`
	BatchSize   int     `json:"batch_size"`
}

// DefaultOptimalSettings returns the baseline settings for a new entity.
func DefaultOptimalSettings() OptimalSettings {
	return OptimalSettings{
		TimeoutMs:   30000,
		MaxRetries:  3,
		Concurrency: 5,
		BatchSize:   50,
	}
}

// ProfileSnapshot is a read-only view of one entity's profile.
type ProfileSnapshot struct {
	EntityID        string          `json:"entity_id"`
	Requests        int64           `json:"requests"`
	SuccessRate     float64         `json:"success_rate"`
	TimeoutRate     float64         `json:"timeout_rate"`
	RateLimitRate   float64         `json:"rate_limit_rate"`
	ServerErrorRate float64         `json:"server_error_rate"`
	AvgLatencyMs    float64         `json:"avg_latency_ms"`
	P95LatencyMs    float64         `json:"p95_latency_ms"`
	P99LatencyMs    float64         `json:"p99_latency_ms"`
	Optimal         OptimalSettings `json:"optimal"`
	LastSeen        time.Time       `json:"last_seen"`
}

// HourScore ranks one hour of the day by observed outcomes.
type HourScore struct {
	Hour         int     `json:"hour"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Samples      int64   `json:"samples"`
}

// TimingReport ranks hours of the day for an entity. HasData is false when
// fewer than the minimum samples exist; that is a result, not an error.
type TimingReport struct {
	EntityID    string      `json:"entity_id"`
	HasData     bool        `json:"has_data"`
	SampleCount int64       `json:"sample_count"`
	BestHours   []HourScore `json:"best_hours"`
	WorstHours  []HourScore `json:"worst_hours"`
}

// Recommendation is a profiler-derived optimization suggestion consumed by
// the learning controller.
type Recommendation struct {
	EntityID    string             `json:"entity_id"`
	Parameter   string             `json:"parameter"`
	Current     float64            `json:"current_value"`
	Recommended float64            `json:"recommended_value"`
	Reason      string             `json:"reason"`
	Confidence  float64            `json:"confidence"`
	Evidence    map[string]float64 `json:"evidence"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Config bounds profiler behavior.
type Config struct {
	// MinSamples gates timing reports and optimization recommendations.
	MinSamples int64 `json:"min_samples"`
	// AnalysisInterval throttles full recommendation passes, independent of
	// the tuner's per-key cooldown.
	AnalysisInterval time.Duration `json:"analysis_interval"`
	// StrategyTTL caches derived retry strategies before recomputation.
	StrategyTTL time.Duration `json:"strategy_ttl"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:       100,
		AnalysisInterval: 6 * time.Hour,
		StrategyTTL:      5 * time.Minute,
	}
}

// EMA blend rates for the percentile proxies. The estimate only moves when
// a sample exceeds it, which biases upward on improving latency; this is a
// deliberate parity choice, cheap and adequate for tuning but not for SLA
// reporting.
const (
	p95Alpha = 0.05
	p99Alpha = 0.01
)

type hourBucket struct {
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	LatencySumMs float64 `json:"latency_sum_ms"`
}

type profileState struct {
	Requests     int64 `json:"requests"`
	Successes    int64 `json:"successes"`
	Timeouts     int64 `json:"timeouts"`
	RateLimits   int64 `json:"rate_limits"`
	ServerErrors int64 `json:"server_errors"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95Ms        float64 `json:"p95_ms"`
	P99Ms        float64 `json:"p99_ms"`

	RetriesAttempted int64 `json:"retries_attempted"`
	RetriesSucceeded int64 `json:"retries_succeeded"`

	// Hour-of-day x day-of-week outcome table for timing analysis.
	Hourly [7][24]hourBucket `json:"hourly"`

	Optimal  OptimalSettings `json:"optimal"`
	LastSeen time.Time       `json:"last_seen"`

	strategy   RetryStrategy
	strategyAt time.Time
}

// Profiler tracks performance profiles per entity. Profiles are created on
// first observation and never deleted within a run.
type Profiler struct {
	mu       sync.RWMutex
	config   Config
	profiles map[string]*profileState
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewProfiler creates a profiler.
func NewProfiler(config Config, logger *slog.Logger) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{
		config:   config,
		profiles: make(map[string]*profileState),
		limiter:  rate.NewLimiter(rate.Every(config.AnalysisInterval), 1),
		logger:   logger.With("component", "profiler"),
		now:      time.Now,
	}
}

// RecordRequest ingests one request outcome. latencyMs is the observed
// wall-clock latency, retryCount the retries spent before this outcome.
func (p *Profiler) RecordRequest(entityID string, success bool, latencyMs float64, retryCount int, errClass ErrorClass) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.profiles[entityID]
	if st == nil {
		st = &profileState{Optimal: DefaultOptimalSettings()}
		p.profiles[entityID] = st
	}
	st.LastSeen = now

	st.Requests++
	if success {
		st.Successes++
	}
	switch errClass {
	case ErrorTimeout:
		st.Timeouts++
	case ErrorRateLimit:
		st.RateLimits++
	case ErrorServer:
		st.ServerErrors++
	}

	// Incremental running mean.
	st.AvgLatencyMs += (latencyMs - st.AvgLatencyMs) / float64(st.Requests)

	// Asymmetric EMA percentile proxies: seed on first sample, then only
	// blend upward-crossing samples.
	if st.Requests == 1 {
		st.P95Ms = latencyMs
		st.P99Ms = latencyMs
	} else {
		if latencyMs > st.P95Ms {
			st.P95Ms += p95Alpha * (latencyMs - st.P95Ms)
		}
		if latencyMs > st.P99Ms {
			st.P99Ms += p99Alpha * (latencyMs - st.P99Ms)
		}
	}

	if retryCount > 0 {
		st.RetriesAttempted++
		if success {
			st.RetriesSucceeded++
		}
	}

	bucket := &st.Hourly[int(now.Weekday())][now.Hour()]
	if success {
		bucket.Successes++
	} else {
		bucket.Failures++
	}
	bucket.LatencySumMs += latencyMs
}

// Snapshot returns a read-only view of one entity's profile.
func (p *Profiler) Snapshot(entityID string) (ProfileSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.profiles[entityID]
	if !ok {
		return ProfileSnapshot{}, false
	}
	return snapshotOf(entityID, st), true
}

func snapshotOf(entityID string, st *profileState) ProfileSnapshot {
	return ProfileSnapshot{
		EntityID:        entityID,
		Requests:        st.Requests,
		SuccessRate:     ratio(st.Successes, st.Requests),
		TimeoutRate:     ratio(st.Timeouts, st.Requests),
		RateLimitRate:   ratio(st.RateLimits, st.Requests),
		ServerErrorRate: ratio(st.ServerErrors, st.Requests),
		AvgLatencyMs:    st.AvgLatencyMs,
		P95LatencyMs:    st.P95Ms,
		P99LatencyMs:    st.P99Ms,
		Optimal:         st.Optimal,
		LastSeen:        st.LastSeen,
	}
}

// RetryStrategyFor derives the retry strategy for an entity from its
// profile, caching the result for the configured TTL. Unknown entities get
// the default strategy.
func (p *Profiler) RetryStrategyFor(entityID string) RetryStrategy {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.profiles[entityID]
	if !ok {
		return DefaultRetryStrategy()
	}
	now := p.now()
	if !st.strategyAt.IsZero() && now.Sub(st.strategyAt) < p.config.StrategyTTL {
		return st.strategy
	}
	st.strategy = deriveStrategy(st)
	st.strategyAt = now
	return st.strategy
}

func deriveStrategy(st *profileState) RetryStrategy {
	s := DefaultRetryStrategy()

	if st.RetriesAttempted > 0 {
		retrySuccess := ratio(st.RetriesSucceeded, st.RetriesAttempted)
		if retrySuccess > 0.5 && s.MaxRetries < 5 {
			s.MaxRetries++
		} else if retrySuccess < 0.2 && s.MaxRetries > 1 {
			s.MaxRetries--
		}
	}

	s.BaseDelayMs = clamp(1.5*st.P95Ms, 500, 60000)

	if ratio(st.RateLimits, st.Requests) > 0.10 {
		s.RateLimitBackoffMs = min(s.RateLimitBackoffMs*1.5, 120000)
	}
	if ratio(st.ServerErrors, st.Requests) > 0.10 {
		s.ExponentialBase = 2.5
	}
	return s
}

// OptimalTiming aggregates hour-of-day outcomes across all observed days
// and ranks hours by success rate (descending) then latency (ascending).
func (p *Profiler) OptimalTiming(entityID string) TimingReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	report := TimingReport{EntityID: entityID}
	st, ok := p.profiles[entityID]
	if !ok {
		return report
	}

	var scores []HourScore
	var total int64
	for hour := 0; hour < 24; hour++ {
		var succ, fail int64
		var latSum float64
		for day := 0; day < 7; day++ {
			b := st.Hourly[day][hour]
			succ += b.Successes
			fail += b.Failures
			latSum += b.LatencySumMs
		}
		n := succ + fail
		total += n
		if n == 0 {
			continue
		}
		scores = append(scores, HourScore{
			Hour:         hour,
			SuccessRate:  ratio(succ, n),
			AvgLatencyMs: latSum / float64(n),
			Samples:      n,
		})
	}

	report.SampleCount = total
	if total < p.config.MinSamples {
		return report
	}
	report.HasData = true

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].SuccessRate != scores[j].SuccessRate {
			return scores[i].SuccessRate > scores[j].SuccessRate
		}
		return scores[i].AvgLatencyMs < scores[j].AvgLatencyMs
	})

	for _, sc := range scores {
		if sc.SuccessRate >= 0.85 && len(report.BestHours) < 6 {
			report.BestHours = append(report.BestHours, sc)
		}
		if sc.SuccessRate < 0.85 {
			report.WorstHours = append(report.WorstHours, sc)
		}
	}
	return report
}

// OptimalConcurrency recommends a worker count for an entity: baseline 5,
// raised on sustained health, lowered on poor success, halved again when
// rate limiting is observed.
func (p *Profiler) OptimalConcurrency(entityID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.profiles[entityID]
	if !ok {
		return DefaultOptimalSettings().Concurrency
	}
	return concurrencyFor(st)
}

func concurrencyFor(st *profileState) int {
	concurrency := 5
	successRate := ratio(st.Successes, st.Requests)
	switch {
	case successRate > 0.95 && st.AvgLatencyMs < 2000:
		concurrency = 10
	case successRate < 0.85:
		concurrency = 3
	}
	if ratio(st.RateLimits, st.Requests) > 0.10 {
		concurrency /= 2
		if concurrency < 1 {
			concurrency = 1
		}
	}
	return concurrency
}

// AnalyzeAndRecommend runs a full optimization pass over all profiles with
// enough samples. The pass is rate limited to once per analysis interval;
// a throttled call returns (nil, false) without doing any work.
func (p *Profiler) AnalyzeAndRecommend() ([]Recommendation, bool) {
	if !p.limiter.Allow() {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var recs []Recommendation
	for id, st := range p.profiles {
		if st.Requests < p.config.MinSamples {
			continue
		}
		recs = append(recs, p.analyzeProfileLocked(id, st, now)...)
	}

	p.logger.Info("profiler analysis pass completed",
		"profiles", len(p.profiles), "recommendations", len(recs))
	return recs, true
}

func (p *Profiler) analyzeProfileLocked(entityID string, st *profileState, now time.Time) []Recommendation {
	var recs []Recommendation
	conf := sampleConfidence(st.Requests)
	snap := snapshotOf(entityID, st)

	if snap.TimeoutRate > 0.10 {
		recommended := clamp(1.5*st.P99Ms, 1000, 60000)
		recs = append(recs, Recommendation{
			EntityID:    entityID,
			Parameter:   "timeout_ms",
			Current:     st.Optimal.TimeoutMs,
			Recommended: recommended,
			Reason:      "elevated_timeout_rate",
			Confidence:  conf,
			Evidence: map[string]float64{
				"timeout_rate":   snap.TimeoutRate,
				"p99_latency_ms": st.P99Ms,
				"samples":        float64(st.Requests),
			},
			CreatedAt: now,
		})
		st.Optimal.TimeoutMs = recommended
	}

	strategy := deriveStrategy(st)
	if strategy.MaxRetries != st.Optimal.MaxRetries {
		recs = append(recs, Recommendation{
			EntityID:    entityID,
			Parameter:   "max_retries",
			Current:     float64(st.Optimal.MaxRetries),
			Recommended: float64(strategy.MaxRetries),
			Reason:      "retry_effectiveness",
			Confidence:  conf,
			Evidence: map[string]float64{
				"retry_success_rate": ratio(st.RetriesSucceeded, st.RetriesAttempted),
				"samples":            float64(st.Requests),
			},
			CreatedAt: now,
		})
		st.Optimal.MaxRetries = strategy.MaxRetries
	}

	concurrency := concurrencyFor(st)
	if concurrency != st.Optimal.Concurrency {
		recs = append(recs, Recommendation{
			EntityID:    entityID,
			Parameter:   "concurrency",
			Current:     float64(st.Optimal.Concurrency),
			Recommended: float64(concurrency),
			Reason:      "throughput_health",
			Confidence:  conf,
			Evidence: map[string]float64{
				"success_rate":    snap.SuccessRate,
				"avg_latency_ms":  st.AvgLatencyMs,
				"rate_limit_rate": snap.RateLimitRate,
			},
			CreatedAt: now,
		})
		st.Optimal.Concurrency = concurrency
	}

	if batch := batchSizeFor(st); batch != st.Optimal.BatchSize {
		recs = append(recs, Recommendation{
			EntityID:    entityID,
			Parameter:   "batch_size",
			Current:     float64(st.Optimal.BatchSize),
			Recommended: float64(batch),
			Reason:      "latency_budget",
			Confidence:  conf,
			Evidence: map[string]float64{
				"avg_latency_ms": st.AvgLatencyMs,
				"success_rate":   snap.SuccessRate,
			},
			CreatedAt: now,
		})
		st.Optimal.BatchSize = batch
	}

	st.strategyAt = time.Time{} // force strategy recomputation after tuning
	return recs
}

func batchSizeFor(st *profileState) int {
	batch := st.Optimal.BatchSize
	successRate := ratio(st.Successes, st.Requests)
	switch {
	case st.AvgLatencyMs > 3000:
		batch /= 2
		if batch < 10 {
			batch = 10
		}
	case successRate > 0.95 && st.AvgLatencyMs < 1000:
		batch = int(float64(batch) * 1.25)
		if batch > 200 {
			batch = 200
		}
	}
	return batch
}

// sampleConfidence grows with sample count, saturating at 0.95.
func sampleConfidence(n int64) float64 {
	conf := 0.5 + float64(n)/500.0
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// EntityIDs returns all profiled entity ids.
func (p *Profiler) EntityIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.profiles))
	for id := range p.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type profilerState struct {
	Profiles map[string]*profileState `json:"profiles"`
}

// ExportState serializes all profiles for persistence.
func (p *Profiler) ExportState() (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(profilerState{Profiles: p.profiles})
}

// RestoreState replaces all profiles from a persisted snapshot.
func (p *Profiler) RestoreState(data json.RawMessage) error {
	var state profilerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Profiles == nil {
		state.Profiles = make(map[string]*profileState)
	}
	for _, st := range state.Profiles {
		if st.Optimal == (OptimalSettings{}) {
			st.Optimal = DefaultOptimalSettings()
		}
	}
	p.profiles = state.Profiles
	return nil
}

func ratio(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
