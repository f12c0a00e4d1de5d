package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfiler() *Profiler {
	return NewProfiler(DefaultConfig(), nil)
}

func TestRecordRequestTracksRates(t *testing.T) {
	p := newTestProfiler()

	for i := 0; i < 8; i++ {
		p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	}
	p.RecordRequest("src-1", false, 5000, 0, ErrorTimeout)
	p.RecordRequest("src-1", false, 200, 0, ErrorRateLimit)

	snap, ok := p.Snapshot("src-1")
	require.True(t, ok)
	assert.Equal(t, int64(10), snap.Requests)
	assert.InDelta(t, 0.8, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 0.1, snap.TimeoutRate, 1e-9)
	assert.InDelta(t, 0.1, snap.RateLimitRate, 1e-9)
}

func TestIncrementalAverageLatency(t *testing.T) {
	p := newTestProfiler()
	p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	p.RecordRequest("src-1", true, 300, 0, ErrorNone)

	snap, _ := p.Snapshot("src-1")
	assert.InDelta(t, 200, snap.AvgLatencyMs, 1e-9)
}

func TestPercentileProxySeedsAndMovesUpOnly(t *testing.T) {
	p := newTestProfiler()
	p.RecordRequest("src-1", true, 1000, 0, ErrorNone)

	snap, _ := p.Snapshot("src-1")
	assert.InDelta(t, 1000, snap.P95LatencyMs, 1e-9)
	assert.InDelta(t, 1000, snap.P99LatencyMs, 1e-9)

	// Samples below the estimate leave it untouched.
	p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	snap, _ = p.Snapshot("src-1")
	assert.InDelta(t, 1000, snap.P95LatencyMs, 1e-9)

	// A sample above blends at the configured rates.
	p.RecordRequest("src-1", true, 2000, 0, ErrorNone)
	snap, _ = p.Snapshot("src-1")
	assert.InDelta(t, 1050, snap.P95LatencyMs, 1e-9)
	assert.InDelta(t, 1010, snap.P99LatencyMs, 1e-9)
}

func TestRetryStrategyDefaultsForUnknownEntity(t *testing.T) {
	p := newTestProfiler()
	assert.Equal(t, DefaultRetryStrategy(), p.RetryStrategyFor("nope"))
}

func TestRetryStrategyRaisesRetriesWhenEffective(t *testing.T) {
	p := newTestProfiler()
	// Retries succeed 8 out of 10 times.
	for i := 0; i < 8; i++ {
		p.RecordRequest("src-1", true, 1000, 1, ErrorNone)
	}
	for i := 0; i < 2; i++ {
		p.RecordRequest("src-1", false, 1000, 2, ErrorTimeout)
	}

	s := p.RetryStrategyFor("src-1")
	assert.Equal(t, 4, s.MaxRetries)
	// base_delay = 1.5 * p95 (seeded to 1000 by the first sample).
	assert.InDelta(t, 1500, s.BaseDelayMs, 1e-9)
}

func TestRetryStrategyLowersRetriesWhenIneffective(t *testing.T) {
	p := newTestProfiler()
	p.RecordRequest("src-1", true, 100, 1, ErrorNone)
	for i := 0; i < 9; i++ {
		p.RecordRequest("src-1", false, 100, 2, ErrorServer)
	}

	s := p.RetryStrategyFor("src-1")
	assert.Equal(t, 2, s.MaxRetries)
	// Server error rate 90% switches to the steeper exponential base.
	assert.InDelta(t, 2.5, s.ExponentialBase, 1e-9)
	// base_delay clamps at the 500ms floor.
	assert.InDelta(t, 500, s.BaseDelayMs, 1e-9)
}

func TestRetryStrategyRateLimitBackoff(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 8; i++ {
		p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	}
	p.RecordRequest("src-1", false, 100, 0, ErrorRateLimit)
	p.RecordRequest("src-1", false, 100, 0, ErrorRateLimit)

	s := p.RetryStrategyFor("src-1")
	assert.InDelta(t, 90000, s.RateLimitBackoffMs, 1e-9)
}

func TestRetryStrategyCachedWithinTTL(t *testing.T) {
	p := newTestProfiler()
	base := time.Now()
	p.now = func() time.Time { return base }

	p.RecordRequest("src-1", true, 1000, 0, ErrorNone)
	first := p.RetryStrategyFor("src-1")

	// New data arrives but the TTL has not elapsed.
	p.RecordRequest("src-1", true, 40000, 0, ErrorNone)
	assert.Equal(t, first, p.RetryStrategyFor("src-1"))

	p.now = func() time.Time { return base.Add(10 * time.Minute) }
	refreshed := p.RetryStrategyFor("src-1")
	assert.Greater(t, refreshed.BaseDelayMs, first.BaseDelayMs)
}

func TestOptimalTimingRequiresMinimumSamples(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 50; i++ {
		p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	}

	report := p.OptimalTiming("src-1")
	assert.False(t, report.HasData)
	assert.Equal(t, int64(50), report.SampleCount)
	assert.Empty(t, report.BestHours)
}

func TestOptimalTimingRanksHours(t *testing.T) {
	p := newTestProfiler()
	base := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC) // Monday 03:00

	p.now = func() time.Time { return base }
	for i := 0; i < 57; i++ {
		p.RecordRequest("src-1", true, 200, 0, ErrorNone)
	}
	for i := 0; i < 3; i++ {
		p.RecordRequest("src-1", false, 200, 0, ErrorServer)
	}

	p.now = func() time.Time { return base.Add(11 * time.Hour) } // 14:00
	for i := 0; i < 25; i++ {
		p.RecordRequest("src-1", true, 400, 0, ErrorNone)
		p.RecordRequest("src-1", false, 400, 0, ErrorServer)
	}

	report := p.OptimalTiming("src-1")
	require.True(t, report.HasData)
	assert.Equal(t, int64(110), report.SampleCount)

	require.Len(t, report.BestHours, 1)
	assert.Equal(t, 3, report.BestHours[0].Hour)
	assert.InDelta(t, 0.95, report.BestHours[0].SuccessRate, 1e-9)

	require.Len(t, report.WorstHours, 1)
	assert.Equal(t, 14, report.WorstHours[0].Hour)
}

func TestOptimalConcurrencyLadder(t *testing.T) {
	p := newTestProfiler()

	// Healthy and fast: raise to 10.
	for i := 0; i < 100; i++ {
		p.RecordRequest("fast", true, 500, 0, ErrorNone)
	}
	assert.Equal(t, 10, p.OptimalConcurrency("fast"))

	// Failing: drop to 3.
	for i := 0; i < 50; i++ {
		p.RecordRequest("flaky", true, 500, 0, ErrorNone)
		p.RecordRequest("flaky", false, 500, 0, ErrorServer)
	}
	assert.Equal(t, 3, p.OptimalConcurrency("flaky"))

	// Rate limited on top of failing: halved again.
	for i := 0; i < 50; i++ {
		p.RecordRequest("limited", true, 500, 0, ErrorNone)
		p.RecordRequest("limited", false, 500, 0, ErrorRateLimit)
	}
	assert.Equal(t, 1, p.OptimalConcurrency("limited"))

	// Unknown entities get the baseline.
	assert.Equal(t, 5, p.OptimalConcurrency("unknown"))
}

func TestAnalyzeRecommendsTimeoutFromP99(t *testing.T) {
	p := newTestProfiler()

	// Seed the percentile proxies with a slow timed-out request, then the
	// rest of the traffic: 25% timeout rate, p99 stays at 5000ms.
	for i := 0; i < 25; i++ {
		p.RecordRequest("src-1", false, 5000, 0, ErrorTimeout)
	}
	for i := 0; i < 75; i++ {
		p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	}

	recs, ran := p.AnalyzeAndRecommend()
	require.True(t, ran)

	var timeout *Recommendation
	for i := range recs {
		if recs[i].Parameter == "timeout_ms" {
			timeout = &recs[i]
		}
	}
	require.NotNil(t, timeout)
	assert.Equal(t, "src-1", timeout.EntityID)
	assert.InDelta(t, 7500, timeout.Recommended, 1e-9)
	assert.InDelta(t, 0.25, timeout.Evidence["timeout_rate"], 1e-9)
	assert.Greater(t, timeout.Confidence, 0.5)

	// The derived settings move with the recommendation.
	snap, _ := p.Snapshot("src-1")
	assert.InDelta(t, 7500, snap.Optimal.TimeoutMs, 1e-9)
}

func TestAnalyzeSkipsSparseProfiles(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 20; i++ {
		p.RecordRequest("sparse", false, 5000, 0, ErrorTimeout)
	}

	recs, ran := p.AnalyzeAndRecommend()
	require.True(t, ran)
	assert.Empty(t, recs)
}

func TestAnalyzeThrottledByInterval(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 100; i++ {
		p.RecordRequest("src-1", true, 100, 0, ErrorNone)
	}

	_, ran := p.AnalyzeAndRecommend()
	require.True(t, ran)

	_, ran = p.AnalyzeAndRecommend()
	assert.False(t, ran)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	p := newTestProfiler()
	for i := 0; i < 10; i++ {
		p.RecordRequest("src-1", true, 250, 0, ErrorNone)
	}

	data, err := p.ExportState()
	require.NoError(t, err)

	restored := newTestProfiler()
	require.NoError(t, restored.RestoreState(data))

	snap, ok := restored.Snapshot("src-1")
	require.True(t, ok)
	assert.Equal(t, int64(10), snap.Requests)
	assert.InDelta(t, 250, snap.AvgLatencyMs, 1e-9)
	assert.Equal(t, DefaultOptimalSettings(), snap.Optimal)
}
