// Package collide holds the disc membership test: the host predicate, the
// buffer layouts shared with devices, and the kernel that runs it per sample.
package collide

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/san-kum/discsim/internal/compute"
	"github.com/san-kum/discsim/internal/sample"
)

const (
	CenterX    = 50.0
	CenterY    = 50.0
	BaseRadius = 2.0

	// Sentinel marks a flag the kernel has not written.
	Sentinel int32 = -1
	FlagSize       = 4
)

type Precision int

const (
	Float64 Precision = iota
	Float32
)

func (p Precision) String() string {
	if p == Float32 {
		return "f32"
	}
	return "f64"
}

// Stride is the encoded size of one sample.
func (p Precision) Stride() int {
	if p == Float32 {
		return 3 * 4
	}
	return 3 * 8
}

func PrecisionFor(info compute.DeviceInfo) Precision {
	if info.Float64 {
		return Float64
	}
	return Float32
}

// Inside reports whether (x, y) lies within 2 + r of the centre, boundary
// included.
func Inside(s sample.Sample) bool {
	dx := s.X - CenterX
	dy := s.Y - CenterY
	reach := BaseRadius + s.R
	return dx*dx+dy*dy <= reach*reach
}

// Inside32 evaluates the same predicate in single precision.
func Inside32(s sample.Sample) bool {
	dx := float32(s.X) - CenterX
	dy := float32(s.Y) - CenterY
	reach := BaseRadius + float32(s.R)
	return dx*dx+dy*dy <= reach*reach
}

func Flag(s sample.Sample, p Precision) int32 {
	inside := Inside(s)
	if p == Float32 {
		inside = Inside32(s)
	}
	if inside {
		return 1
	}
	return 0
}

// Count is the host reference for the device sum.
func Count(samples []sample.Sample, p Precision) int64 {
	var n int64
	for _, s := range samples {
		n += int64(Flag(s, p))
	}
	return n
}

func EncodeSamples(samples []sample.Sample, p Precision) []byte {
	stride := p.Stride()
	buf := make([]byte, len(samples)*stride)
	for i, s := range samples {
		putSample(buf[i*stride:], s, p)
	}
	return buf
}

func putSample(b []byte, s sample.Sample, p Precision) {
	le := binary.LittleEndian
	if p == Float32 {
		le.PutUint32(b[0:], math.Float32bits(float32(s.X)))
		le.PutUint32(b[4:], math.Float32bits(float32(s.Y)))
		le.PutUint32(b[8:], math.Float32bits(float32(s.R)))
		return
	}
	le.PutUint64(b[0:], math.Float64bits(s.X))
	le.PutUint64(b[8:], math.Float64bits(s.Y))
	le.PutUint64(b[16:], math.Float64bits(s.R))
}

func DecodeSample(b []byte, idx int, p Precision) sample.Sample {
	le := binary.LittleEndian
	off := idx * p.Stride()
	if p == Float32 {
		return sample.Sample{
			X: float64(math.Float32frombits(le.Uint32(b[off:]))),
			Y: float64(math.Float32frombits(le.Uint32(b[off+4:]))),
			R: float64(math.Float32frombits(le.Uint32(b[off+8:]))),
		}
	}
	return sample.Sample{
		X: math.Float64frombits(le.Uint64(b[off:])),
		Y: math.Float64frombits(le.Uint64(b[off+8:])),
		R: math.Float64frombits(le.Uint64(b[off+16:])),
	}
}

// SentinelFlags returns n encoded Sentinel values.
func SentinelFlags(n int) []byte {
	buf := make([]byte, n*FlagSize)
	sentinel := Sentinel
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*FlagSize:], uint32(sentinel))
	}
	return buf
}

func DecodeFlags(b []byte) ([]int32, error) {
	if len(b)%FlagSize != 0 {
		return nil, errors.Errorf("flag buffer length %d not a multiple of %d", len(b), FlagSize)
	}
	flags := make([]int32, len(b)/FlagSize)
	for i := range flags {
		flags[i] = int32(binary.LittleEndian.Uint32(b[i*FlagSize:]))
	}
	return flags, nil
}
