// Package config defines the recognized configuration surface of the
// adaptive learning core and its file loading / live-reload support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Mode controls whether tuning recommendations mutate live parameters.
type Mode string

const (
	// ModePassive generates and stores recommendations but never applies them.
	ModePassive Mode = "passive"
	// ModeAdvisory additionally surfaces recommendations to dashboard
	// consumers, still without applying them.
	ModeAdvisory Mode = "advisory"
	// ModeActive applies recommendations, subject to bounds and cooldown.
	ModeActive Mode = "active"
)

// Options is the recognized configuration surface of the controller.
type Options struct {
	Mode                      Mode    `yaml:"mode" json:"mode"`
	LearningIntervalHours     float64 `yaml:"learning_interval_hours" json:"learning_interval_hours"`
	MinSamplesForLearning     int     `yaml:"min_samples_for_learning" json:"min_samples_for_learning"`
	MaxChangePerCycle         float64 `yaml:"max_change_per_cycle" json:"max_change_per_cycle"`
	CooldownHours             float64 `yaml:"cooldown_hours" json:"cooldown_hours"`
	TunerCooldownMinutes      float64 `yaml:"tuner_cooldown_minutes" json:"tuner_cooldown_minutes"`
	QualityAlertThreshold     float64 `yaml:"quality_alert_threshold" json:"quality_alert_threshold"`
	DegradationAlertThreshold float64 `yaml:"degradation_alert_threshold" json:"degradation_alert_threshold"`
}

// Default returns the documented default options.
func Default() Options {
	return Options{
		Mode:                      ModePassive,
		LearningIntervalHours:     6,
		MinSamplesForLearning:     100,
		MaxChangePerCycle:         0.05,
		CooldownHours:             24,
		TunerCooldownMinutes:      60,
		QualityAlertThreshold:     0.7,
		DegradationAlertThreshold: 0.1,
	}
}

// LearningInterval returns the minimum time between learning cycles.
func (o Options) LearningInterval() time.Duration {
	return time.Duration(o.LearningIntervalHours * float64(time.Hour))
}

// ControllerCooldown returns the controller-level cooldown. Independent from
// the tuner's per-key cooldown; the two knobs are deliberately not reconciled.
func (o Options) ControllerCooldown() time.Duration {
	return time.Duration(o.CooldownHours * float64(time.Hour))
}

// TunerCooldown returns the recommender-level per-key cooldown.
func (o Options) TunerCooldown() time.Duration {
	return time.Duration(o.TunerCooldownMinutes * float64(time.Minute))
}

// Validate checks option values and returns a descriptive error for the
// first violation found.
func (o Options) Validate() error {
	switch o.Mode {
	case ModePassive, ModeAdvisory, ModeActive:
	default:
		return fmt.Errorf("mode must be one of passive, advisory, active; got %q", o.Mode)
	}
	if o.LearningIntervalHours <= 0 {
		return fmt.Errorf("learning_interval_hours must be positive; got %v", o.LearningIntervalHours)
	}
	if o.MinSamplesForLearning < 1 {
		return fmt.Errorf("min_samples_for_learning must be at least 1; got %d", o.MinSamplesForLearning)
	}
	if o.MaxChangePerCycle <= 0 || o.MaxChangePerCycle > 1 {
		return fmt.Errorf("max_change_per_cycle must be in (0, 1]; got %v", o.MaxChangePerCycle)
	}
	if o.CooldownHours < 0 {
		return fmt.Errorf("cooldown_hours must not be negative; got %v", o.CooldownHours)
	}
	if o.TunerCooldownMinutes < 0 {
		return fmt.Errorf("tuner_cooldown_minutes must not be negative; got %v", o.TunerCooldownMinutes)
	}
	if o.QualityAlertThreshold < 0 || o.QualityAlertThreshold > 1 {
		return fmt.Errorf("quality_alert_threshold must be in [0, 1]; got %v", o.QualityAlertThreshold)
	}
	if o.DegradationAlertThreshold < 0 || o.DegradationAlertThreshold > 1 {
		return fmt.Errorf("degradation_alert_threshold must be in [0, 1]; got %v", o.DegradationAlertThreshold)
	}
	return nil
}

// LoadFile reads options from a yaml file, starting from defaults so a
// partial file only overrides the keys it names.
func LoadFile(path string) (Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options file: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// FromEnv overlays environment variables on top of o. Recognized variables
// mirror the yaml keys with an ADAPTIVE_ prefix (e.g. ADAPTIVE_MODE,
// ADAPTIVE_LEARNING_INTERVAL_HOURS).
func (o Options) FromEnv() Options {
	if v := os.Getenv("ADAPTIVE_MODE"); v != "" {
		o.Mode = Mode(v)
	}
	if v, ok := envFloat("ADAPTIVE_LEARNING_INTERVAL_HOURS"); ok {
		o.LearningIntervalHours = v
	}
	if v, ok := envInt("ADAPTIVE_MIN_SAMPLES_FOR_LEARNING"); ok {
		o.MinSamplesForLearning = v
	}
	if v, ok := envFloat("ADAPTIVE_MAX_CHANGE_PER_CYCLE"); ok {
		o.MaxChangePerCycle = v
	}
	if v, ok := envFloat("ADAPTIVE_COOLDOWN_HOURS"); ok {
		o.CooldownHours = v
	}
	if v, ok := envFloat("ADAPTIVE_TUNER_COOLDOWN_MINUTES"); ok {
		o.TunerCooldownMinutes = v
	}
	if v, ok := envFloat("ADAPTIVE_QUALITY_ALERT_THRESHOLD"); ok {
		o.QualityAlertThreshold = v
	}
	if v, ok := envFloat("ADAPTIVE_DEGRADATION_ALERT_THRESHOLD"); ok {
		o.DegradationAlertThreshold = v
	}
	return o
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
