package collide

import (
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/discsim/internal/compute"
	"github.com/san-kum/discsim/internal/sample"
)

func TestInsideBoundary(t *testing.T) {
	tests := []struct {
		name string
		s    sample.Sample
		want int32
	}{
		{"centre", sample.Sample{X: 50, Y: 50, R: 1}, 1},
		{"touching", sample.Sample{X: 53, Y: 50, R: 1}, 1},
		{"just outside", sample.Sample{X: 53.01, Y: 50, R: 1}, 0},
		{"diagonal inside", sample.Sample{X: 52, Y: 52, R: 1}, 1},
		{"far corner", sample.Sample{X: 0, Y: 0, R: 2.99}, 0},
		{"wide radius", sample.Sample{X: 54.9, Y: 50, R: 2.95}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flag(tt.s, Float64))
			assert.Equal(t, tt.want, Flag(tt.s, Float32))
		})
	}
}

func TestEncodeDecodeSamples(t *testing.T) {
	samples := []sample.Sample{{X: 1.5, Y: 2.25, R: 1}, {X: 99.75, Y: 0, R: 2.5}}
	for _, p := range []Precision{Float64, Float32} {
		buf := EncodeSamples(samples, p)
		require.Len(t, buf, len(samples)*p.Stride())
		for i, s := range samples {
			assert.Equal(t, s, DecodeSample(buf, i, p), "%s sample %d", p, i)
		}
	}
}

func TestSentinelFlags(t *testing.T) {
	flags := must.M1(DecodeFlags(SentinelFlags(5)))
	assert.Equal(t, []int32{-1, -1, -1, -1, -1}, flags)

	// Two's complement -1, as a device sees it.
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, SentinelFlags(2))
	assert.Empty(t, SentinelFlags(0))

	_, err := DecodeFlags([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestKernelInvokeMatchesHost(t *testing.T) {
	g := must.M1(sample.NewGenerator(3, sample.DefaultXY, sample.DefaultRadius))
	samples := g.Generate(4096)

	for _, p := range []Precision{Float64, Float32} {
		k := NewKernel(DefaultGroupSize, p)
		in := EncodeSamples(samples, p)
		out := SentinelFlags(len(samples))

		// One invocation past the end must be a no-op.
		for idx := 0; idx <= len(samples); idx++ {
			k.Invoke(idx, [][]byte{in, out})
		}

		flags := must.M1(DecodeFlags(out))
		for i, s := range samples {
			require.Equal(t, Flag(s, p), flags[i], "%s idx %d", p, i)
		}
	}
}

func TestNewKernel(t *testing.T) {
	k := NewKernel(256, Float32)
	assert.Equal(t, KernelName, k.Name)
	assert.Equal(t, 2, k.Bindings)
	assert.True(t, strings.Contains(k.WGSL, "@workgroup_size(256, 1, 1)"))
	assert.NoError(t, k.Validate(compute.DeviceInfo{Limits: compute.Limits{MaxWorkgroupSize: 256}}))

	assert.Empty(t, NewKernel(1024, Float64).WGSL, "f64 kernels have no shader form")
}

func TestPrecisionFor(t *testing.T) {
	assert.Equal(t, Float64, PrecisionFor(compute.DeviceInfo{Float64: true}))
	assert.Equal(t, Float32, PrecisionFor(compute.DeviceInfo{}))
}
