package detector

import (
	"image"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func maskFromRows(rows ...string) ([]bool, int, int) {
	h := len(rows)
	w := len(rows[0])
	m := make([]bool, w*h)
	for y, r := range rows {
		for x, c := range r {
			m[y*w+x] = c == '#'
		}
	}
	return m, w, h
}

func TestDilate_Rectangle(t *testing.T) {
	m, w, h := maskFromRows(
		".....",
		".....",
		"..#..",
		".....",
		".....",
	)
	out := dilate(m, w, h, 1, 2)
	want, _, _ := maskFromRows(
		".###.",
		".###.",
		".###.",
		".###.",
		".###.",
	)
	assert.Equal(t, want, out)
}

func TestDilate_ZeroRadiusCopies(t *testing.T) {
	m, w, h := maskFromRows("#.", ".#")
	out := dilate(m, w, h, 0, 0)
	assert.Equal(t, m, out)
	out[0] = false
	assert.True(t, m[0])
}

// TestDilate_Superset verifies dilation never removes ink.
func TestDilate_Superset(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("dilation output contains its input", prop.ForAll(
		func(w, h, rx, ry int, seed int64) bool {
			m := make([]bool, w*h)
			s := seed
			for i := range m {
				s = s*6364136223846793005 + 1442695040888963407
				m[i] = (s>>33)%5 == 0
			}
			out := dilate(m, w, h, rx, ry)
			for i, v := range m {
				if v && !out[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.IntRange(1, 40),
		gen.IntRange(0, 6),
		gen.IntRange(0, 6),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestComponents_BoxesCoverInkOnly(t *testing.T) {
	ink, w, h := maskFromRows(
		"##..........",
		"............",
		".......#.#..",
		"............",
	)
	merged := dilate(ink, w, h, 1, 0)
	boxes := components(merged, ink, w, h)
	assert.ElementsMatch(t, []image.Rectangle{
		image.Rect(0, 0, 2, 1),
		image.Rect(7, 2, 10, 3),
	}, boxes)
}

func TestComponents_DiagonalIsConnected(t *testing.T) {
	ink, w, h := maskFromRows(
		"#..",
		".#.",
		"..#",
	)
	boxes := components(ink, ink, w, h)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 3, 3)}, boxes)
}
