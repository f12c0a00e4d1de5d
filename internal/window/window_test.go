package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEviction(t *testing.T) {
	r := NewRing(3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{2, 3, 4}, r.Values())
	assert.Equal(t, float64(4), r.Last())
	assert.InDelta(t, 3.0, r.Mean(), 1e-9)
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing(5)
	r.Push(10)
	r.Push(20)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []float64{10, 20}, r.Values())
	assert.InDelta(t, 15.0, r.Mean(), 1e-9)
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(4)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0.0, r.Mean())
	assert.Equal(t, 0.0, r.Last())
	assert.Empty(t, r.Values())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		window  int
		want    Trend
	}{
		{
			name:    "insufficient samples is stable",
			samples: []float64{1, 2, 3},
			window:  20,
			want:    TrendStable,
		},
		{
			name:    "rising second half is improving",
			samples: []float64{1, 1, 1, 1, 1, 2, 2, 2, 2, 2},
			window:  10,
			want:    TrendImproving,
		},
		{
			name:    "falling second half is declining",
			samples: []float64{2, 2, 2, 2, 2, 1, 1, 1, 1, 1},
			window:  10,
			want:    TrendDeclining,
		},
		{
			name:    "flat series is stable",
			samples: []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5},
			window:  10,
			want:    TrendStable,
		},
		{
			name:    "within five percent band is stable",
			samples: []float64{100, 100, 100, 100, 100, 103, 103, 103, 103, 103},
			window:  10,
			want:    TrendStable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.samples, tt.window))
		})
	}
}

func TestClassifyRing(t *testing.T) {
	r := NewRing(20)
	for i := 0; i < 10; i++ {
		r.Push(1)
	}
	for i := 0; i < 10; i++ {
		r.Push(3)
	}
	require.Equal(t, 20, r.Len())
	assert.Equal(t, TrendImproving, ClassifyRing(r, 20))
}
