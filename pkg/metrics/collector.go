// Package metrics implements the event ingestion and rolling aggregation
// layer of the adaptive learning core. Pipeline workers record discrete
// events (success/failure, latency, quality scores) per tracked entity; the
// collector maintains bounded rolling windows, derived rates, and trend
// classification consumed by the tuner and the controller.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newsharvest/adaptive/internal/window"
	"github.com/newsharvest/adaptive/pkg/errors"
)

// Kind identifies the type of a recorded metric event.
type Kind string

const (
	KindSuccess         Kind = "success"
	KindFailure         Kind = "failure"
	KindTimeout         Kind = "timeout"
	KindLatency         Kind = "latency"
	KindQualityScore    Kind = "quality_score"
	KindValidationPass  Kind = "validation_pass"
	KindValidationFail  Kind = "validation_fail"
	KindArticleAccepted Kind = "article_accepted"
	KindArticleRejected Kind = "article_rejected"
)

var validKinds = map[Kind]struct{}{
	KindSuccess:         {},
	KindFailure:         {},
	KindTimeout:         {},
	KindLatency:         {},
	KindQualityScore:    {},
	KindValidationPass:  {},
	KindValidationFail:  {},
	KindArticleAccepted: {},
	KindArticleRejected: {},
}

// Valid reports whether k is a recognized metric kind.
func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// Entry is a single recorded metric event. Immutable once recorded;
// entries are append-only and trimmed by age.
type Entry struct {
	Kind      Kind              `json:"kind"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	EntityID  string            `json:"entity_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EntitySnapshot is a read-only view of one entity's aggregates.
type EntitySnapshot struct {
	EntityID           string       `json:"entity_id"`
	Attempts           int64        `json:"attempts"`
	Successes          int64        `json:"successes"`
	Failures           int64        `json:"failures"`
	Timeouts           int64        `json:"timeouts"`
	SuccessRate        float64      `json:"success_rate"`
	ValidationPassRate float64      `json:"validation_pass_rate"`
	AcceptanceRate     float64      `json:"downstream_acceptance_rate"`
	AvgLatencyMs       float64      `json:"avg_latency_ms"`
	AvgQuality         float64      `json:"avg_quality"`
	QualityTrend       window.Trend `json:"quality_trend"`
	SampleCount        int          `json:"sample_count"`
	LastSeen           time.Time    `json:"last_seen"`
}

// GlobalStats summarizes collector-wide state.
type GlobalStats struct {
	TotalEvents       int64   `json:"total_events"`
	EntityCount       int     `json:"entity_count"`
	GlobalSuccessRate float64 `json:"global_success_rate"`
	GlobalQualityEWMA float64 `json:"global_quality_ewma"`
	ProblematicCount  int     `json:"problematic_count"`
}

// CollectorConfig bounds the collector's rolling state.
type CollectorConfig struct {
	// WindowSize caps the per-entity latency and quality sample windows.
	WindowSize int `json:"window_size"`
	// TrendWindow is the sample count used for split-half trend detection.
	TrendWindow int `json:"trend_window"`
	// Retention trims recorded entries older than this age.
	Retention time.Duration `json:"retention"`
	// QualityAlpha is the EWMA blend factor for the global quality average.
	QualityAlpha float64 `json:"quality_alpha"`
}

// DefaultCollectorConfig returns the documented defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		WindowSize:   100,
		TrendWindow:  20,
		Retention:    24 * time.Hour,
		QualityAlpha: 0.05,
	}
}

// Problematic-entity thresholds.
const (
	problemSuccessRate    = 0.70
	problemValidationRate = 0.60
)

type entityState struct {
	attempts        int64
	successes       int64
	failures        int64
	timeouts        int64
	validationPass  int64
	validationFail  int64
	articleAccepted int64
	articleRejected int64
	latency         *window.Ring
	quality         *window.Ring
	lastSeen        time.Time
}

// Collector ingests metric events and maintains per-entity aggregates.
// Safe for concurrent use by many pipeline workers.
type Collector struct {
	mu       sync.RWMutex
	config   CollectorConfig
	entities map[string]*entityState
	entries  []Entry

	globalQuality    float64
	globalQualitySet bool
	totalEvents      int64

	logger *slog.Logger
	now    func() time.Time

	eventsTotal *prometheus.CounterVec
	entityCount prometheus.Gauge
}

// NewCollector creates a collector. reg may be nil to skip prometheus
// registration entirely; the collector is fully functional without it.
func NewCollector(config CollectorConfig, logger *slog.Logger, reg prometheus.Registerer) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		config:   config,
		entities: make(map[string]*entityState),
		logger:   logger.With("component", "metrics"),
		now:      time.Now,
	}
	if reg != nil {
		c.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_metric_events_total",
			Help: "Total metric events recorded, by kind.",
		}, []string{"kind"})
		c.entityCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_tracked_entities",
			Help: "Number of entities with recorded metrics.",
		})
		reg.MustRegister(c.eventsTotal, c.entityCount)
	}
	return c
}

// Record ingests one metric event. Returns a validation error for an
// unrecognized kind; all other outcomes are internal state changes only.
func (c *Collector) Record(entityID string, kind Kind, value float64, metadata map[string]string) error {
	if !kind.Valid() {
		return errors.Validation("invalid_metric_kind", "metric kind %q is not recognized", kind)
	}
	if entityID == "" {
		return errors.Validation("missing_entity_id", "entity id must not be empty")
	}
	c.ingest(entityID, kind, value, metadata, c.now())
	return nil
}

func (c *Collector) ingest(entityID string, kind Kind, value float64, metadata map[string]string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.entities[entityID]
	if st == nil {
		st = &entityState{
			latency: window.NewRing(c.config.WindowSize),
			quality: window.NewRing(c.config.WindowSize),
		}
		c.entities[entityID] = st
		if c.entityCount != nil {
			c.entityCount.Set(float64(len(c.entities)))
		}
	}
	st.lastSeen = now

	switch kind {
	case KindSuccess:
		st.attempts++
		st.successes++
	case KindFailure:
		st.attempts++
		st.failures++
	case KindTimeout:
		st.attempts++
		st.failures++
		st.timeouts++
	case KindLatency:
		st.latency.Push(value)
	case KindQualityScore:
		st.quality.Push(value)
		if c.globalQualitySet {
			c.globalQuality += c.config.QualityAlpha * (value - c.globalQuality)
		} else {
			c.globalQuality = value
			c.globalQualitySet = true
		}
	case KindValidationPass:
		st.validationPass++
	case KindValidationFail:
		st.validationFail++
	case KindArticleAccepted:
		st.articleAccepted++
	case KindArticleRejected:
		st.articleRejected++
	}

	c.totalEvents++
	c.entries = append(c.entries, Entry{
		Kind:      kind,
		Value:     value,
		Timestamp: now,
		EntityID:  entityID,
		Metadata:  metadata,
	})
	c.trimLocked(now)

	if c.eventsTotal != nil {
		c.eventsTotal.WithLabelValues(string(kind)).Inc()
	}
}

// trimLocked drops entries older than the retention window. Entries are
// appended in timestamp order, so trimming is a prefix cut.
func (c *Collector) trimLocked(now time.Time) {
	cutoff := now.Add(-c.config.Retention)
	idx := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Timestamp.After(cutoff)
	})
	if idx > 0 {
		c.entries = append(c.entries[:0], c.entries[idx:]...)
	}
}

// EntityMetrics returns a snapshot for one entity.
func (c *Collector) EntityMetrics(entityID string) (EntitySnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.entities[entityID]
	if !ok {
		return EntitySnapshot{}, false
	}
	return c.snapshotLocked(entityID, st), true
}

func (c *Collector) snapshotLocked(entityID string, st *entityState) EntitySnapshot {
	return EntitySnapshot{
		EntityID:           entityID,
		Attempts:           st.attempts,
		Successes:          st.successes,
		Failures:           st.failures,
		Timeouts:           st.timeouts,
		SuccessRate:        rate(st.successes, st.successes+st.failures),
		ValidationPassRate: rate(st.validationPass, st.validationPass+st.validationFail),
		AcceptanceRate:     rate(st.articleAccepted, st.articleAccepted+st.articleRejected),
		AvgLatencyMs:       st.latency.Mean(),
		AvgQuality:         st.quality.Mean(),
		QualityTrend:       window.ClassifyRing(st.quality, c.config.TrendWindow),
		SampleCount:        st.quality.Len(),
		LastSeen:           st.lastSeen,
	}
}

// GlobalStats returns collector-wide aggregates.
func (c *Collector) GlobalStats() GlobalStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var successes, attempts int64
	problematic := 0
	for id, st := range c.entities {
		successes += st.successes
		attempts += st.successes + st.failures
		if c.isProblematicLocked(id, st) {
			problematic++
		}
	}
	return GlobalStats{
		TotalEvents:       c.totalEvents,
		EntityCount:       len(c.entities),
		GlobalSuccessRate: rate(successes, attempts),
		GlobalQualityEWMA: c.globalQuality,
		ProblematicCount:  problematic,
	}
}

// Trending returns up to limit entities whose quality trend matches
// direction.
func (c *Collector) Trending(direction window.Trend, limit int) []EntitySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]EntitySnapshot, 0, limit)
	for id, st := range c.entities {
		snap := c.snapshotLocked(id, st)
		if snap.QualityTrend == direction {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Problematic returns up to limit entities with low success rate, low
// validation pass rate, or a declining quality trend, sorted worst first
// (ascending success rate).
func (c *Collector) Problematic(limit int) []EntitySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]EntitySnapshot, 0)
	for id, st := range c.entities {
		if c.isProblematicLocked(id, st) {
			out = append(out, c.snapshotLocked(id, st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SuccessRate < out[j].SuccessRate })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *Collector) isProblematicLocked(id string, st *entityState) bool {
	snap := c.snapshotLocked(id, st)
	if st.successes+st.failures > 0 && snap.SuccessRate < problemSuccessRate {
		return true
	}
	if st.validationPass+st.validationFail > 0 && snap.ValidationPassRate < problemValidationRate {
		return true
	}
	return snap.QualityTrend == window.TrendDeclining
}

// EntityIDs returns all tracked entity ids.
func (c *Collector) EntityIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func rate(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// collectorState is the persisted form of the collector.
type collectorState struct {
	Entries       []Entry `json:"entries"`
	GlobalQuality float64 `json:"global_quality"`
	QualitySet    bool    `json:"quality_set"`
	TotalEvents   int64   `json:"total_events"`
}

// ExportState serializes the collector for persistence.
func (c *Collector) ExportState() (json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state := collectorState{
		Entries:       append([]Entry(nil), c.entries...),
		GlobalQuality: c.globalQuality,
		QualitySet:    c.globalQualitySet,
		TotalEvents:   c.totalEvents,
	}
	return json.Marshal(state)
}

// RestoreState rebuilds aggregates by replaying persisted entries. Entries
// outside the retention window are dropped during replay.
func (c *Collector) RestoreState(data json.RawMessage) error {
	var state collectorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	c.mu.Lock()
	c.entities = make(map[string]*entityState)
	c.entries = nil
	c.totalEvents = 0
	c.globalQualitySet = false
	c.mu.Unlock()

	cutoff := c.now().Add(-c.config.Retention)
	for _, e := range state.Entries {
		if !e.Timestamp.After(cutoff) {
			continue
		}
		if !e.Kind.Valid() || e.EntityID == "" {
			c.logger.Warn("skipping unreplayable entry", "kind", string(e.Kind))
			continue
		}
		c.ingest(e.EntityID, e.Kind, e.Value, e.Metadata, e.Timestamp)
	}

	c.mu.Lock()
	c.globalQuality = state.GlobalQuality
	c.globalQualitySet = state.QualitySet
	c.mu.Unlock()
	return nil
}
