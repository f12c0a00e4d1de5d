// Package tuning holds the bounded parameter store and the rule-driven
// recommendation engine that proposes, applies, and rolls back parameter
// changes.
package tuning

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newsharvest/adaptive/pkg/config"
	aderrors "github.com/newsharvest/adaptive/pkg/errors"
	"github.com/newsharvest/adaptive/pkg/metrics"
	"github.com/newsharvest/adaptive/pkg/profiler"
)

// ErrUnknownParameter matches any error returned for a parameter name that
// is not in the definition table, via errors.Is.
var ErrUnknownParameter = aderrors.Validation("unknown_parameter", "unknown parameter")

// ParamDef bounds one tunable parameter.
type ParamDef struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// The definition table is static: new parameters ship with the code, there
// is no runtime registration.
var paramTable = map[string]ParamDef{
	"timeout_ms":          {Name: "timeout_ms", Min: 1000, Max: 120000, Default: 30000},
	"max_retries":         {Name: "max_retries", Min: 1, Max: 5, Default: 3},
	"concurrency":         {Name: "concurrency", Min: 1, Max: 20, Default: 5},
	"batch_size":          {Name: "batch_size", Min: 10, Max: 200, Default: 50},
	"quality_threshold":   {Name: "quality_threshold", Min: 0.1, Max: 1.0, Default: 0.7},
	"rate_limit_delay_ms": {Name: "rate_limit_delay_ms", Min: 0, Max: 120000, Default: 1000},
}

// Parameters returns the definition table, sorted by name.
func Parameters() []ParamDef {
	defs := make([]ParamDef, 0, len(paramTable))
	for _, d := range paramTable {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Logic selects how a rule combines its condition results into a
// confidence value.
type Logic string

const (
	LogicAnd      Logic = "and"
	LogicOr       Logic = "or"
	LogicWeighted Logic = "weighted"
)

// Confidence contributions per logic mode, compared against
// confidenceThreshold before a recommendation is emitted.
const (
	andConfidence      = 0.85
	orConfidence       = 0.80
	weightedConfidence = 0.82

	confidenceThreshold = 0.65
)

// Recommendation is one proposed parameter change.
type Recommendation struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	Parameter   string    `json:"parameter"`
	Current     float64   `json:"current_value"`
	Recommended float64   `json:"recommended_value"`
	Rule        string    `json:"rule"`
	Reason      string    `json:"reason"`
	Logic       Logic     `json:"logic"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
	Applied     bool      `json:"applied"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
}

// ApplyResult reports what Apply did with a recommendation.
type ApplyResult struct {
	Applied  bool    `json:"applied"`
	OldValue float64 `json:"old_value"`
	NewValue float64 `json:"new_value"`
	Capped   bool    `json:"capped"`
	Reason   string  `json:"reason"`
}

// HistoryEntry is one past value of a parameter, kept for rollback.
type HistoryEntry struct {
	Value            float64   `json:"value"`
	ChangedAt        time.Time `json:"changed_at"`
	RecommendationID string    `json:"recommendation_id,omitempty"`
}

// MetricsSource supplies aggregate outcome metrics per entity.
type MetricsSource interface {
	EntityMetrics(entityID string) (metrics.EntitySnapshot, bool)
	EntityIDs() []string
}

// ProfileSource supplies performance profiles per entity.
type ProfileSource interface {
	Snapshot(entityID string) (profiler.ProfileSnapshot, bool)
}

// QualitySource supplies the aggregate content quality score.
type QualitySource interface {
	Score() float64
}

// Config bounds tuner behavior.
type Config struct {
	// Cooldown is the minimum gap between recommendations for the same
	// (entity, parameter) key.
	Cooldown time.Duration `json:"cooldown"`
	// MaxChangePerCycle caps a single applied change as a fraction of the
	// current value.
	MaxChangePerCycle float64 `json:"max_change_per_cycle"`
	// Retention bounds how long recommendations are kept.
	Retention time.Duration `json:"retention"`
	// MinSamples gates rule evaluation per entity.
	MinSamples int64 `json:"min_samples"`
	// QualityAlertThreshold feeds the quality rules.
	QualityAlertThreshold float64 `json:"quality_alert_threshold"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:              time.Hour,
		MaxChangePerCycle:     0.05,
		Retention:             7 * 24 * time.Hour,
		MinSamples:            100,
		QualityAlertThreshold: 0.7,
	}
}

type paramKey struct {
	EntityID  string `json:"entity_id"`
	Parameter string `json:"parameter"`
}

// Tuner is the parameter store plus recommendation engine. All parameter
// values are per entity; unset values read as the table default.
type Tuner struct {
	mu      sync.Mutex
	config  Config
	values     map[paramKey]float64
	history    map[paramKey][]HistoryEntry
	lastRec    map[paramKey]time.Time
	recs       []Recommendation
	appliedIDs map[string]bool

	metricsSrc MetricsSource
	profileSrc ProfileSource
	qualitySrc QualitySource

	logger *slog.Logger
	now    func() time.Time
}

// NewTuner creates a tuner. Sources may be nil; rules that need a missing
// source simply never fire.
func NewTuner(cfg Config, ms MetricsSource, ps ProfileSource, qs QualitySource, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{
		config:     cfg,
		values:     make(map[paramKey]float64),
		history:    make(map[paramKey][]HistoryEntry),
		lastRec:    make(map[paramKey]time.Time),
		appliedIDs: make(map[string]bool),
		metricsSrc: ms,
		profileSrc: ps,
		qualitySrc: qs,
		logger:     logger.With("component", "tuner"),
		now:        time.Now,
	}
}

// Get returns the current value of a parameter for an entity, falling back
// to the table default when never set.
func (t *Tuner) Get(entityID, parameter string) (float64, error) {
	def, ok := paramTable[parameter]
	if !ok {
		return 0, aderrors.Validation("unknown_parameter", "unknown parameter %q", parameter)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.values[paramKey{EntityID: entityID, Parameter: parameter}]; ok {
		return v, nil
	}
	return def.Default, nil
}

// Set stores a value if it is inside the parameter's bounds. An
// out-of-bounds value is rejected with applied=false and no error; only an
// unknown parameter is an error.
func (t *Tuner) Set(entityID, parameter string, value float64) (bool, error) {
	def, ok := paramTable[parameter]
	if !ok {
		return false, aderrors.Validation("unknown_parameter", "unknown parameter %q", parameter)
	}
	if value < def.Min || value > def.Max {
		return false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(paramKey{EntityID: entityID, Parameter: parameter}, value, "")
	return true, nil
}

// setLocked stores the new value, recording the previous one in history.
// The first explicit value for a key leaves no history: falling back to
// the table default is not a change that can be undone.
func (t *Tuner) setLocked(key paramKey, value float64, recommendationID string) {
	if prev, ok := t.values[key]; ok {
		t.history[key] = append(t.history[key], HistoryEntry{
			Value:            prev,
			ChangedAt:        t.now(),
			RecommendationID: recommendationID,
		})
	}
	t.values[key] = value
}

// Rollback restores the previous value of a parameter. It returns false
// when there is no recorded change to undo.
func (t *Tuner) Rollback(entityID, parameter string) (bool, error) {
	if _, ok := paramTable[parameter]; !ok {
		return false, aderrors.Validation("unknown_parameter", "unknown parameter %q", parameter)
	}
	key := paramKey{EntityID: entityID, Parameter: parameter}

	t.mu.Lock()
	defer t.mu.Unlock()

	hist := t.history[key]
	if len(hist) == 0 {
		return false, nil
	}
	last := hist[len(hist)-1]
	t.history[key] = hist[:len(hist)-1]
	t.values[key] = last.Value

	t.logger.Info("parameter rolled back",
		"entity_id", entityID, "parameter", parameter, "restored", last.Value)
	return true, nil
}

// History returns the change history for a parameter, oldest first.
func (t *Tuner) History(entityID, parameter string) []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	hist := t.history[paramKey{EntityID: entityID, Parameter: parameter}]
	out := make([]HistoryEntry, len(hist))
	copy(out, hist)
	return out
}

// Apply executes a recommendation under the given mode. Passive and
// advisory modes never mutate; active mode clamps to bounds and caps the
// change per cycle. Applying the same recommendation twice is a no-op.
func (t *Tuner) Apply(rec Recommendation, mode config.Mode) (ApplyResult, error) {
	def, ok := paramTable[rec.Parameter]
	if !ok {
		return ApplyResult{}, aderrors.Validation("unknown_parameter", "unknown parameter %q", rec.Parameter)
	}
	key := paramKey{EntityID: rec.EntityID, Parameter: rec.Parameter}

	// One store lock covers the whole read-check-mutate sequence, making
	// each apply atomic per (entity, parameter) key.
	t.mu.Lock()
	defer t.mu.Unlock()

	current, set := t.values[key]
	if !set {
		current = def.Default
	}
	result := ApplyResult{OldValue: current, NewValue: current}

	// Soft modes only preview: the recommendation stays pending and can
	// still be applied later once the mode is active.
	if mode != config.ModeActive {
		result.Reason = "mode_" + string(mode)
		return result, nil
	}

	if t.markAppliedLocked(rec.ID) {
		result.Applied = true
		result.Reason = "already_applied"
		return result, nil
	}

	target := clamp(rec.Recommended, def.Min, def.Max)

	// Cap the per-cycle movement relative to the current value; small bases
	// still get an absolute floor of one bound step so integer-like
	// parameters can move at all.
	if t.config.MaxChangePerCycle > 0 && current != 0 {
		maxDelta := t.config.MaxChangePerCycle * abs(current)
		if maxDelta < 1 {
			maxDelta = 1
		}
		if target > current+maxDelta {
			target = current + maxDelta
			result.Capped = true
		} else if target < current-maxDelta {
			target = current - maxDelta
			result.Capped = true
		}
		target = clamp(target, def.Min, def.Max)
	}

	if target != current {
		t.setLocked(key, target, rec.ID)
	}
	result.Applied = true
	result.NewValue = target
	result.Reason = "applied"

	t.logger.Info("recommendation applied",
		"entity_id", rec.EntityID, "parameter", rec.Parameter,
		"old", current, "new", target, "capped", result.Capped)
	return result, nil
}

// markAppliedLocked flags the recommendation id and reports whether it had
// already been applied.
func (t *Tuner) markAppliedLocked(id string) bool {
	if t.appliedIDs[id] {
		return true
	}
	t.appliedIDs[id] = true
	for i := range t.recs {
		if t.recs[i].ID == id {
			t.recs[i].Applied = true
			t.recs[i].AppliedAt = t.now()
			break
		}
	}
	return false
}

// AnalyzeAndRecommend evaluates the rule table against every known entity
// and returns new recommendations. Keys inside their cooldown are skipped;
// recommendations older than the retention period are pruned.
func (t *Tuner) AnalyzeAndRecommend() []Recommendation {
	if t.metricsSrc == nil {
		return nil
	}
	now := t.now()

	var produced []Recommendation
	for _, entityID := range t.metricsSrc.EntityIDs() {
		snap, ok := t.metricsSrc.EntityMetrics(entityID)
		if !ok {
			continue
		}
		// Volume is scrape attempts plus quality samples: scrape-only traffic
		// must qualify even when no article outcomes have been recorded.
		if snap.Attempts+int64(snap.SampleCount) < t.config.MinSamples {
			continue
		}
		in := ruleInput{
			entityID: entityID,
			metrics:  snap,
			quality:  1.0,
		}
		if t.qualitySrc != nil {
			in.quality = t.qualitySrc.Score()
		}
		if t.profileSrc != nil {
			if p, ok := t.profileSrc.Snapshot(entityID); ok {
				in.profile = p
				in.hasProfile = true
			}
		}
		produced = append(produced, t.evaluateEntity(in, now)...)
	}

	t.mu.Lock()
	t.pruneLocked(now)
	t.mu.Unlock()

	if len(produced) > 0 {
		t.logger.Info("tuning analysis produced recommendations", "count", len(produced))
	}
	return produced
}

func (t *Tuner) evaluateEntity(in ruleInput, now time.Time) []Recommendation {
	var out []Recommendation
	for _, r := range ruleTable {
		key := paramKey{EntityID: in.entityID, Parameter: r.parameter}

		t.mu.Lock()
		last, seen := t.lastRec[key]
		t.mu.Unlock()
		if seen && now.Sub(last) < t.config.Cooldown {
			continue
		}

		confidence := r.confidence(in, t.config)
		if confidence < confidenceThreshold {
			continue
		}

		current, err := t.Get(in.entityID, r.parameter)
		if err != nil {
			continue
		}
		target, reason := r.target(current, in)
		def := paramTable[r.parameter]
		target = clamp(target, def.Min, def.Max)
		if target == current {
			continue
		}

		rec := Recommendation{
			ID:          uuid.NewString(),
			EntityID:    in.entityID,
			Parameter:   r.parameter,
			Current:     current,
			Recommended: target,
			Rule:        r.name,
			Reason:      reason,
			Logic:       r.logic,
			Confidence:  confidence,
			CreatedAt:   now,
		}

		t.mu.Lock()
		t.lastRec[key] = now
		t.recs = append(t.recs, rec)
		t.mu.Unlock()

		out = append(out, rec)
	}
	return out
}

func (t *Tuner) pruneLocked(now time.Time) {
	if t.config.Retention <= 0 {
		return
	}
	cutoff := now.Add(-t.config.Retention)
	kept := t.recs[:0]
	for _, r := range t.recs {
		if r.CreatedAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	t.recs = kept
}

// Pending returns retained recommendations that have not been applied,
// newest first.
func (t *Tuner) Pending() []Recommendation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Recommendation
	for _, r := range t.recs {
		if !r.Applied {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Recommendations returns every retained recommendation for an entity.
func (t *Tuner) Recommendations(entityID string) []Recommendation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Recommendation
	for _, r := range t.recs {
		if r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out
}

// EntityParameters returns the effective value of every parameter for one
// entity, defaults included.
func (t *Tuner) EntityParameters(entityID string) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(paramTable))
	for name, def := range paramTable {
		if v, ok := t.values[paramKey{EntityID: entityID, Parameter: name}]; ok {
			out[name] = v
		} else {
			out[name] = def.Default
		}
	}
	return out
}

type tunerState struct {
	Values  []storedValue     `json:"values"`
	History []storedHistory   `json:"history"`
	LastRec []storedTimestamp `json:"last_recommendation"`
	Recs    []Recommendation  `json:"recommendations"`
}

type storedValue struct {
	Key   paramKey `json:"key"`
	Value float64  `json:"value"`
}

type storedHistory struct {
	Key     paramKey       `json:"key"`
	Entries []HistoryEntry `json:"entries"`
}

type storedTimestamp struct {
	Key paramKey  `json:"key"`
	At  time.Time `json:"at"`
}

// ExportState serializes values, histories, cooldowns, and retained
// recommendations.
func (t *Tuner) ExportState() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := tunerState{Recs: t.recs}
	for k, v := range t.values {
		state.Values = append(state.Values, storedValue{Key: k, Value: v})
	}
	for k, h := range t.history {
		state.History = append(state.History, storedHistory{Key: k, Entries: h})
	}
	for k, at := range t.lastRec {
		state.LastRec = append(state.LastRec, storedTimestamp{Key: k, At: at})
	}
	return json.Marshal(state)
}

// RestoreState replaces the tuner state from a persisted snapshot. Values
// for parameters no longer in the table are dropped.
func (t *Tuner) RestoreState(data json.RawMessage) error {
	var state tunerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.values = make(map[paramKey]float64)
	t.history = make(map[paramKey][]HistoryEntry)
	t.lastRec = make(map[paramKey]time.Time)
	for _, sv := range state.Values {
		if _, ok := paramTable[sv.Key.Parameter]; ok {
			t.values[sv.Key] = sv.Value
		}
	}
	for _, sh := range state.History {
		if _, ok := paramTable[sh.Key.Parameter]; ok {
			t.history[sh.Key] = sh.Entries
		}
	}
	for _, st := range state.LastRec {
		t.lastRec[st.Key] = st.At
	}
	t.recs = state.Recs
	t.appliedIDs = make(map[string]bool)
	for _, r := range t.recs {
		if r.Applied {
			t.appliedIDs[r.ID] = true
		}
	}
	return nil
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

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
