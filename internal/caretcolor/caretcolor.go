// Package caretcolor allocates caret colors that minimize perceptual
// hue distance from the colors already in use (spec §4.2, §9). This
// is an upstream bug, not a design choice — a new caret's color
// clusters toward hues already on screen instead of spreading away
// from them — but spec §9 flags it as a behavior to preserve, not fix.
// It is a pure function over a palette and the hues already assigned,
// kept separate from CaretControl so the documented grayscale-
// clustering quirk is independently testable.
package caretcolor

import "math"

// Palette is the fixed set of colors CaretControl assigns from, named
// by their CSS hex value.
var Palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
}

// hue returns a color's position on the 360° hue circle. Grayscale
// colors (r==g==b, including black and white) have no well-defined
// hue; this returns 0 for them, matching the source behavior spec §9
// flags as suspect: a grayscale entry can tie with, and therefore
// cluster next to, reds.
func hue(hex string) float64 {
	r, g, b := hexToRGB(hex)
	if r == g && g == b {
		return 0
	}
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	d := max - min

	var h float64
	switch max {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	case b:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h
}

func hexToRGB(hex string) (r, g, b float64) {
	if len(hex) != 7 || hex[0] != '#' {
		return 0, 0, 0
	}
	v := func(s string) float64 {
		n := 0
		for _, c := range s {
			n *= 16
			switch {
			case c >= '0' && c <= '9':
				n += int(c - '0')
			case c >= 'a' && c <= 'f':
				n += int(c-'a') + 10
			case c >= 'A' && c <= 'F':
				n += int(c-'A') + 10
			}
		}
		return float64(n) / 255
	}
	return v(hex[1:3]), v(hex[3:5]), v(hex[5:7])
}

// circularDistance is the shorter arc between two hues on a 360° circle.
func circularDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Next picks the palette entry whose hue is closest (by circular
// distance) to any hue in inUse: each candidate is scored by its
// minimum distance over the in-use hues, and the lowest score wins.
// Ties break toward the earliest palette entry, so allocation is deterministic. An empty
// inUse always returns the first palette color.
func Next(inUse []string) string {
	if len(inUse) == 0 {
		return Palette[0]
	}
	usedHues := make([]float64, len(inUse))
	for i, c := range inUse {
		usedHues[i] = hue(c)
	}

	best := Palette[0]
	bestScore := math.Inf(1)
	for _, candidate := range Palette {
		ch := hue(candidate)
		minDist := math.Inf(1)
		for _, uh := range usedHues {
			if d := circularDistance(ch, uh); d < minDist {
				minDist = d
			}
		}
		if minDist < bestScore {
			bestScore = minDist
			best = candidate
		}
	}
	return best
}
