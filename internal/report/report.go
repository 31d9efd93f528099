// Package report summarizes a dispatch for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"gonum.org/v1/gonum/stat"

	"github.com/san-kum/discsim/internal/collide"
	"github.com/san-kum/discsim/internal/sample"
)

var (
	panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444466")).
		Padding(0, 2)

	title = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#00ffff"))

	label = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888899"))

	value = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#00ccff")).
		Bold(true)

	warn = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#ffaa00"))
)

type Stats struct {
	Samples   int
	Hits      int
	Pending   int
	HitRatio  float64
	MeanR     float64
	StdDevR   float64
	MeanDist2 float64
}

// Summarize computes statistics over the samples and the flags the device
// returned. Sentinel flags count as neither hit nor miss.
func Summarize(samples []sample.Sample, flags []int32) Stats {
	st := Stats{Samples: len(samples)}
	if len(samples) == 0 {
		return st
	}

	radii := make([]float64, len(samples))
	dist2 := make([]float64, len(samples))
	for i, s := range samples {
		dx, dy := s.X-collide.CenterX, s.Y-collide.CenterY
		radii[i] = s.R
		dist2[i] = dx*dx + dy*dy
	}
	for _, f := range flags {
		switch f {
		case 1:
			st.Hits++
		case collide.Sentinel:
			st.Pending++
		}
	}

	st.MeanR, st.StdDevR = stat.MeanStdDev(radii, nil)
	st.MeanDist2 = stat.Mean(dist2, nil)
	st.HitRatio = float64(st.Hits) / float64(st.Samples)
	return st
}

// Map reports the values as they are stored in run metadata.
func (s Stats) Map() map[string]float64 {
	return map[string]float64{
		"hit_ratio":  s.HitRatio,
		"mean_r":     s.MeanR,
		"stddev_r":   s.StdDevR,
		"mean_dist2": s.MeanDist2,
	}
}

// HitRateByRadius buckets samples into bins equal-width radius bins over
// [lo, hi) and returns the fraction of hits per bin.
func HitRateByRadius(samples []sample.Sample, flags []int32, lo, hi float64, bins int) []float64 {
	if bins <= 0 || hi <= lo {
		return nil
	}
	hits := make([]float64, bins)
	totals := make([]float64, bins)
	width := (hi - lo) / float64(bins)
	for i, s := range samples {
		if i >= len(flags) || flags[i] == collide.Sentinel {
			continue
		}
		b := int((s.R - lo) / width)
		if b < 0 || b >= bins {
			continue
		}
		totals[b]++
		hits[b] += float64(flags[i])
	}
	rates := make([]float64, bins)
	for b := range rates {
		if totals[b] > 0 {
			rates[b] = hits[b] / totals[b]
		}
	}
	return rates
}

func Plot(rates []float64, caption string) string {
	if len(rates) == 0 {
		return ""
	}
	return asciigraph.Plot(rates,
		asciigraph.Height(10),
		asciigraph.Width(60),
		asciigraph.Caption(caption),
	)
}

type Line struct {
	Label string
	Value string
}

// Render writes a bordered panel with the given lines and statistics.
func Render(w io.Writer, heading string, lines []Line, st Stats) error {
	var b strings.Builder
	b.WriteString(title.Render(heading))
	b.WriteString("\n")

	rows := append(lines,
		Line{"hits", fmt.Sprintf("%d / %d", st.Hits, st.Samples)},
		Line{"hit ratio", fmt.Sprintf("%.6f", st.HitRatio)},
		Line{"mean r", fmt.Sprintf("%.4f ± %.4f", st.MeanR, st.StdDevR)},
		Line{"mean dist²", fmt.Sprintf("%.2f", st.MeanDist2)},
	)
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Label))
	}
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(label.Render(fmt.Sprintf("%-*s", width, r.Label)))
		b.WriteString("  ")
		b.WriteString(value.Render(r.Value))
	}
	if st.Pending > 0 {
		b.WriteString("\n\n")
		b.WriteString(warn.Render(fmt.Sprintf("%d flags never written", st.Pending)))
	}

	_, err := fmt.Fprintln(w, panel.Render(b.String()))
	return err
}
