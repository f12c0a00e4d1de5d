package tuning

import (
	"fmt"

	"github.com/newsharvest/adaptive/pkg/metrics"
	"github.com/newsharvest/adaptive/pkg/profiler"
)

// ruleInput is the evidence one rule evaluation sees for one entity.
type ruleInput struct {
	entityID   string
	metrics    metrics.EntitySnapshot
	profile    profiler.ProfileSnapshot
	hasProfile bool
	quality    float64
}

// condition is one boolean check with a weight used by weighted logic.
type condition struct {
	name   string
	weight float64
	check  func(in ruleInput, cfg Config) bool
}

// rule proposes a change to one parameter when its conditions hold.
type rule struct {
	name       string
	parameter  string
	logic      Logic
	conditions []condition
	target     func(current float64, in ruleInput) (float64, string)
}

// confidence combines condition outcomes per the rule's logic. AND yields
// a fixed confidence only when every condition holds; OR scales with the
// fraction of conditions that hold; WEIGHTED scales with the weight
// fraction.
func (r rule) confidence(in ruleInput, cfg Config) float64 {
	var trueCount int
	var trueWeight, totalWeight float64
	for _, c := range r.conditions {
		totalWeight += c.weight
		if c.check(in, cfg) {
			trueCount++
			trueWeight += c.weight
		}
	}

	switch r.logic {
	case LogicAnd:
		if trueCount == len(r.conditions) {
			return andConfidence
		}
		return 0
	case LogicOr:
		if len(r.conditions) == 0 {
			return 0
		}
		return float64(trueCount) / float64(len(r.conditions)) * orConfidence
	case LogicWeighted:
		if totalWeight == 0 {
			return 0
		}
		return trueWeight / totalWeight * weightedConfidence
	}
	return 0
}

// The rule table is static, like the parameter table.
var ruleTable = []rule{
	{
		name:      "raise_timeout_on_timeouts",
		parameter: "timeout_ms",
		logic:     LogicAnd,
		conditions: []condition{
			{name: "timeout_rate_high", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.hasProfile && in.profile.TimeoutRate > 0.10
			}},
			{name: "p99_known", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.hasProfile && in.profile.P99LatencyMs > 0
			}},
		},
		target: func(current float64, in ruleInput) (float64, string) {
			return 1.5 * in.profile.P99LatencyMs,
				fmt.Sprintf("timeout rate %.0f%% with p99 %.0fms", in.profile.TimeoutRate*100, in.profile.P99LatencyMs)
		},
	},
	{
		name:      "reduce_concurrency_on_pressure",
		parameter: "concurrency",
		logic:     LogicOr,
		conditions: []condition{
			{name: "low_success_rate", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.metrics.SuccessRate < 0.85
			}},
			{name: "rate_limited", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.hasProfile && in.profile.RateLimitRate > 0.10
			}},
		},
		target: func(current float64, in ruleInput) (float64, string) {
			target := current / 2
			if target < 1 {
				target = 1
			}
			return target, fmt.Sprintf("success rate %.0f%% under pressure", in.metrics.SuccessRate*100)
		},
	},
	{
		name:      "raise_concurrency_on_health",
		parameter: "concurrency",
		logic:     LogicAnd,
		conditions: []condition{
			{name: "high_success_rate", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.metrics.SuccessRate > 0.95
			}},
			{name: "low_latency", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.hasProfile && in.profile.AvgLatencyMs > 0 && in.profile.AvgLatencyMs < 2000
			}},
		},
		target: func(current float64, in ruleInput) (float64, string) {
			return current + 1, "sustained healthy throughput"
		},
	},
	{
		name:      "raise_quality_threshold_on_poor_content",
		parameter: "quality_threshold",
		logic:     LogicWeighted,
		conditions: []condition{
			{name: "low_quality_score", weight: 0.6, check: func(in ruleInput, cfg Config) bool {
				return in.quality < cfg.QualityAlertThreshold
			}},
			{name: "low_validation_rate", weight: 0.4, check: func(in ruleInput, _ Config) bool {
				return in.metrics.ValidationPassRate > 0 && in.metrics.ValidationPassRate < 0.6
			}},
		},
		target: func(current float64, in ruleInput) (float64, string) {
			return current + 0.05, fmt.Sprintf("aggregate quality %.2f below threshold", in.quality)
		},
	},
	{
		name:      "shrink_batch_on_latency",
		parameter: "batch_size",
		logic:     LogicAnd,
		conditions: []condition{
			{name: "high_avg_latency", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.hasProfile && in.profile.AvgLatencyMs > 3000
			}},
		},
		target: func(current float64, in ruleInput) (float64, string) {
			target := current / 2
			if target < 10 {
				target = 10
			}
			return target, fmt.Sprintf("average latency %.0fms over budget", in.profile.AvgLatencyMs)
		},
	},
	{
		name:      "raise_rate_limit_delay",
		parameter: "rate_limit_delay_ms",
		logic:     LogicAnd,
		conditions: []condition{
			{name: "rate_limited", weight: 1, check: func(in ruleInput, _ Config) bool {
				return in.hasProfile && in.profile.RateLimitRate > 0.10
			}},
		},
		target: func(current float64, in ruleInput) (float64, string) {
			target := current * 1.5
			if target < 500 {
				target = 500
			}
			return target, fmt.Sprintf("rate limit responses at %.0f%%", in.profile.RateLimitRate*100)
		},
	},
}
