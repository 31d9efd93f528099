// Package sample generates the random (x, y, r) points tested by the kernel.
package sample

import (
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultCount matches one hundred workgroups of 1024 invocations.
const DefaultCount = 1024 * 100

var (
	DefaultXY     = Bounds{Min: 0, Max: 100}
	DefaultRadius = Bounds{Min: 1, Max: 3}
)

type Sample struct {
	X, Y, R float64
}

func (s Sample) String() string {
	return "x: " + formatFloat(s.X) + " y: " + formatFloat(s.Y) + " r: " + formatFloat(s.R)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Bounds is a half-open interval [Min, Max).
type Bounds struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

func (b Bounds) Contains(v float64) bool { return v >= b.Min && v < b.Max }

func (b Bounds) Validate() error {
	if math.IsNaN(b.Min) || math.IsNaN(b.Max) || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
		return errors.Errorf("bounds [%v, %v) not finite", b.Min, b.Max)
	}
	if b.Min >= b.Max {
		return errors.Errorf("bounds [%v, %v) empty", b.Min, b.Max)
	}
	return nil
}

// Generator draws samples from independent uniform distributions sharing one
// seeded source, so a seed reproduces the same sequence.
type Generator struct {
	x, y, r distuv.Uniform
}

func NewGenerator(seed uint64, xy, radius Bounds) (*Generator, error) {
	if err := xy.Validate(); err != nil {
		return nil, errors.Wrap(err, "xy")
	}
	if err := radius.Validate(); err != nil {
		return nil, errors.Wrap(err, "radius")
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Generator{
		x: distuv.Uniform{Min: xy.Min, Max: xy.Max, Src: src},
		y: distuv.Uniform{Min: xy.Min, Max: xy.Max, Src: src},
		r: distuv.Uniform{Min: radius.Min, Max: radius.Max, Src: src},
	}, nil
}

func (g *Generator) Next() Sample {
	return Sample{X: draw(g.x), Y: draw(g.y), R: draw(g.r)}
}

func (g *Generator) Generate(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// draw keeps the upper bound exclusive: Min + u*(Max-Min) can round up to
// Max for u just below one.
func draw(u distuv.Uniform) float64 {
	v := u.Rand()
	if v >= u.Max {
		return math.Nextafter(u.Max, u.Min)
	}
	return v
}
