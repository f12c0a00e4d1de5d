// Package window provides fixed-capacity rolling sample windows and the
// split-half trend classification shared by the metric and quality subsystems.
package window

// Trend labels the direction of a sample series.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Ring is a fixed-capacity FIFO sample buffer. Once full, each insert
// overwrites the oldest sample. The zero value is not usable; construct
// with NewRing.
type Ring struct {
	samples []float64
	head    int
	size    int
}

// NewRing creates a ring buffer holding at most capacity samples.
// A non-positive capacity is treated as 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{samples: make([]float64, capacity)}
}

// Push inserts a sample, evicting the oldest when the buffer is full.
func (r *Ring) Push(v float64) {
	r.samples[r.head] = v
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
}

// Len returns the number of stored samples.
func (r *Ring) Len() int {
	return r.size
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return len(r.samples)
}

// Values returns the stored samples in insertion order, oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, 0, r.size)
	if r.size < len(r.samples) {
		out = append(out, r.samples[:r.size]...)
		return out
	}
	out = append(out, r.samples[r.head:]...)
	out = append(out, r.samples[:r.head]...)
	return out
}

// Mean returns the arithmetic mean of the stored samples, or 0 when empty.
func (r *Ring) Mean() float64 {
	if r.size == 0 {
		return 0
	}
	var sum float64
	if r.size < len(r.samples) {
		for _, v := range r.samples[:r.size] {
			sum += v
		}
	} else {
		for _, v := range r.samples {
			sum += v
		}
	}
	return sum / float64(r.size)
}

// Last returns the most recently inserted sample, or 0 when empty.
func (r *Ring) Last() float64 {
	if r.size == 0 {
		return 0
	}
	idx := r.head - 1
	if idx < 0 {
		idx = len(r.samples) - 1
	}
	return r.samples[idx]
}

// Classify splits the most recent trendWindow samples into two halves and
// compares their means: improving when the second half exceeds the first by
// more than 5%, declining when it falls below by more than 5%, stable
// otherwise. Fewer than trendWindow samples always classify as stable.
func Classify(samples []float64, trendWindow int) Trend {
	if trendWindow < 2 || len(samples) < trendWindow {
		return TrendStable
	}
	recent := samples[len(samples)-trendWindow:]
	mid := len(recent) / 2
	firstMean := mean(recent[:mid])
	secondMean := mean(recent[mid:])

	switch {
	case secondMean > firstMean*1.05:
		return TrendImproving
	case secondMean < firstMean*0.95:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// ClassifyRing classifies the trend of a ring buffer's contents.
func ClassifyRing(r *Ring, trendWindow int) Trend {
	return Classify(r.Values(), trendWindow)
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
