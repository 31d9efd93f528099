package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/discsim/internal/sample"
)

func TestSummarize(t *testing.T) {
	samples := []sample.Sample{
		{X: 50, Y: 50, R: 1},
		{X: 53, Y: 50, R: 1},
		{X: 60, Y: 50, R: 3},
		{X: 50, Y: 54, R: 3},
	}
	flags := []int32{1, 1, 0, -1}

	st := Summarize(samples, flags)
	assert.Equal(t, 4, st.Samples)
	assert.Equal(t, 2, st.Hits)
	assert.Equal(t, 1, st.Pending)
	assert.InDelta(t, 0.5, st.HitRatio, 1e-12)
	assert.InDelta(t, 2.0, st.MeanR, 1e-12)
	assert.InDelta(t, (0+9+100+16)/4.0, st.MeanDist2, 1e-12)
	assert.Contains(t, st.Map(), "hit_ratio")
}

func TestSummarizeEmpty(t *testing.T) {
	st := Summarize(nil, nil)
	assert.Zero(t, st.Samples)
	assert.Zero(t, st.HitRatio)
}

func TestHitRateByRadius(t *testing.T) {
	samples := []sample.Sample{
		{R: 1.1}, {R: 1.2}, {R: 2.5}, {R: 2.9}, {R: 2.95},
	}
	flags := []int32{1, 0, 1, 1, -1}

	rates := HitRateByRadius(samples, flags, 1, 3, 2)
	require.Len(t, rates, 2)
	assert.InDelta(t, 0.5, rates[0], 1e-12)
	assert.InDelta(t, 1.0, rates[1], 1e-12)

	assert.Nil(t, HitRateByRadius(samples, flags, 3, 1, 2))
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	st := Stats{Samples: 10, Hits: 3, HitRatio: 0.3, Pending: 2}
	require.NoError(t, Render(&buf, "dispatch", []Line{{"device", "host"}}, st))

	out := buf.String()
	assert.Contains(t, out, "dispatch")
	assert.Contains(t, out, "host")
	assert.Contains(t, out, "3 / 10")
	assert.Contains(t, out, "2 flags never written")
}

func TestPlot(t *testing.T) {
	assert.Empty(t, Plot(nil, "x"))
	assert.Contains(t, Plot([]float64{0.1, 0.5, 0.9}, "hit rate"), "hit rate")
}
