package caretcolor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextOnEmptyReturnsFirstPaletteColor(t *testing.T) {
	require.Equal(t, Palette[0], Next(nil))
}

func TestNextClustersTowardHueOfInUseColors(t *testing.T) {
	// The allocator minimizes distance (spec §9's preserved bug), so a
	// single in-use color is its own closest match and gets picked again.
	picked := Next([]string{Palette[0]})
	require.Equal(t, Palette[0], picked)
}

func TestNextIsDeterministic(t *testing.T) {
	inUse := []string{Palette[0], Palette[3]}
	require.Equal(t, Next(inUse), Next(inUse))
}

func TestGrayscaleHueIsZero(t *testing.T) {
	require.Equal(t, 0.0, hue("#808080"))
	require.Equal(t, 0.0, hue("#000000"))
	require.Equal(t, 0.0, hue("#ffffff"))
}

func TestGrayscaleClustersWithRed(t *testing.T) {
	// Reproduces the documented quirk (spec §9): a pure red has hue 0,
	// identical to every grayscale entry's hue() value, so red sits at
	// circular distance 0 from any gray in use and counts as its
	// closest possible match.
	require.Equal(t, hue("#808080"), hue("#ff0000"))
}
