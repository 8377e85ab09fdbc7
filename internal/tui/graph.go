package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// eighths indexes partial cells by height in eighths
var eighths = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// speedGraph renders the newest width samples as right-aligned bars, height
// rows tall and scaled so that peak fills a column. Empty cells are blank.
func speedGraph(samples []float64, width, height int, peak float64, color lipgloss.Color) string {
	if width < 1 || height < 1 {
		return ""
	}
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	if peak <= 0 {
		peak = 1
	}

	// Column heights in eighths of a cell, left-padded with zeros
	cols := make([]int, width)
	pad := width - len(samples)
	for i, v := range samples {
		v = min(max(v, 0), peak)
		cols[pad+i] = int(v / peak * float64(height*8))
	}

	bar := lipgloss.NewStyle().Foreground(color)
	axis := lipgloss.NewStyle().Foreground(ColorBorder)

	lines := make([]string, 0, height+1)
	for row := height - 1; row >= 0; row-- {
		var line strings.Builder
		for _, h := range cols {
			fill := h - row*8
			switch {
			case fill >= 8:
				line.WriteRune(eighths[8])
			case fill > 0:
				line.WriteRune(eighths[fill])
			default:
				line.WriteRune(' ')
			}
		}
		lines = append(lines, bar.Render(line.String()))
	}
	lines = append(lines, axis.Render(strings.Repeat("─", width)))
	return strings.Join(lines, "\n")
}
