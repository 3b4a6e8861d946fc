package main

import (
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	eyeCols = 44
	eyeRows = 15
)

// palette maps pixel indexes to terminal colors. Index 0 is transparent;
// 1..9 run from the hot center outwards, 10..13 are the dark rim and
// 14..15 the glass highlights.
type palette struct {
	fg [16]lipgloss.Style
	bg [16][16]lipgloss.Style
}

func newPalette(colors [16]string) *palette {
	p := &palette{}
	for i, c := range colors {
		if c == "" {
			continue
		}
		p.fg[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		for j, b := range colors {
			if b != "" {
				p.bg[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Background(lipgloss.Color(b))
			}
		}
	}
	return p
}

var (
	paletteIdle       = newPalette([16]string{"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"})
	paletteRecording  = newPalette([16]string{"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"})
	paletteProcessing = newPalette([16]string{"", "195", "159", "123", "87", "45", "39", "33", "25", "17", "236", "236", "236", "236", "255", "249"})
)

type ring struct {
	radius float64
	react  float64 // how far the ring moves with the level
	color  int
}

var eyeRings = []ring{
	{0.6, 0.10, 1}, {1.3, 0.12, 2}, {2.0, 0.15, 3},
	{2.8, 0.35, 4}, {3.5, 0.40, 5}, {4.2, 0.38, 6},
	{5.0, 0.30, 7}, {5.8, 0.15, 8}, {6.5, 0.03, 9},
	{7.2, 0, 10}, {8.0, 0, 11}, {10.0, 0, 12}, {12.0, 0, 13},
}

type glint struct {
	ox, oy, radius float64
	color          int
}

var eyeGlints = func() []glint {
	const side, side2, top, top2 = 9.0, 7.2, 10.0, 8.2
	const d = 0.707
	return []glint{
		{-side * d, -side * d, 0.7, 14},
		{-side2 * d, -side2 * d, 0.4, 15},
		{0, -top, 0.8, 14},
		{0, -top2, 0.6, 15},
		{side * d, -side * d, 0.7, 14},
		{side2 * d, -side2 * d, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
}()

// renderEye draws the status eye with half-block characters. It pulses
// with the microphone level while recording and slowly breathes otherwise.
func renderEye(frame int, level float64, ph phase) string {
	const w, h = eyeCols, eyeRows * 2
	cx, cy := float64(w)/2, float64(h)/2

	pal := paletteIdle
	breathe := math.Sin(float64(frame)*0.08)*0.02 - 0.05
	switch ph {
	case phaseRecording:
		pal = paletteRecording
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*10.0 - 0.05
	case phaseStarting, phaseProcessing:
		pal = paletteProcessing
		breathe = math.Sin(float64(frame)*0.25) * 0.06
	}

	var px [h][w]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			dist := math.Hypot(dx, dy)
			for _, r := range eyeRings {
				radius := min(r.radius+breathe*r.react*20, 10.0)
				if dist < radius {
					px[y][x] = r.color
					break
				}
			}
			for _, g := range eyeGlints {
				// ellipse stretched along the tangent of the glint's radius
				gx, gy := dx-g.ox, dy-g.oy
				rl := math.Hypot(g.ox, g.oy)
				if rl < 0.001 {
					rl = 1
				}
				tx, ty := -g.oy/rl, g.ox/rl
				dt := gx*tx + gy*ty
				dn := -gx*ty + gy*tx
				if dt*dt/9.0+dn*dn < g.radius*g.radius {
					px[y][x] = g.color
				}
			}
		}
	}

	var b strings.Builder
	for row := 0; row < eyeRows; row++ {
		for x := 0; x < w; x++ {
			top, bot := px[row*2][x], px[row*2+1][x]
			switch {
			case top == 0 && bot == 0:
				b.WriteByte(' ')
			case top == bot:
				b.WriteString(pal.fg[top].Render("█"))
			case bot == 0:
				b.WriteString(pal.fg[top].Render("▀"))
			case top == 0:
				b.WriteString(pal.fg[bot].Render("▄"))
			default:
				b.WriteString(pal.bg[top][bot].Render("▀"))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
