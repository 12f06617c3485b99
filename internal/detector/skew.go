package detector

import (
	"math"
)

// maxSkewSamples bounds the number of ink pixels used for the skew search.
const maxSkewSamples = 40000

// minSkewSamples is the least amount of ink needed for a meaningful estimate.
const minSkewSamples = 32

// estimateSkew searches [-maxSkew, maxSkew] for the angle whose projected row
// profile has the highest energy. Text lines that rise to the right give a
// positive angle. Ties keep the angle closest to zero.
func estimateSkew(ink []bool, w, h int, maxSkew, step float64) float64 {
	if maxSkew <= 0 || step <= 0 {
		return 0
	}
	xs, ys := sampleInk(ink, w, h)
	if len(xs) < minSkewSamples {
		return 0
	}

	best := 0.0
	bestScore := profileScore(xs, ys, 0)
	for a := step; a <= maxSkew+1e-9; a += step {
		for _, cand := range [2]float64{a, -a} {
			if s := profileScore(xs, ys, cand); s > bestScore {
				bestScore = s
				best = cand
			}
		}
	}
	return best
}

func sampleInk(ink []bool, w, h int) (xs, ys []float64) {
	total := 0
	for _, v := range ink {
		if v {
			total++
		}
	}
	stride := 1
	if total > maxSkewSamples {
		stride = (total + maxSkewSamples - 1) / maxSkewSamples
	}
	xs = make([]float64, 0, total/stride+1)
	ys = make([]float64, 0, total/stride+1)
	n := 0
	for y := range h {
		for x := range w {
			if !ink[y*w+x] {
				continue
			}
			if n%stride == 0 {
				xs = append(xs, float64(x))
				ys = append(ys, float64(y))
			}
			n++
		}
	}
	return xs, ys
}

// profileScore projects the points onto rows of a frame rotated by deg and
// returns the sum of squared row counts.
func profileScore(xs, ys []float64, deg float64) float64 {
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)

	proj := make([]int, len(xs))
	lo, hi := math.MaxInt, math.MinInt
	for i := range xs {
		p := int(math.Floor(ys[i]*cos + xs[i]*sin))
		proj[i] = p
		lo = min(lo, p)
		hi = max(hi, p)
	}
	bins := make([]int, hi-lo+1)
	for _, p := range proj {
		bins[p-lo]++
	}
	var score float64
	for _, c := range bins {
		score += float64(c) * float64(c)
	}
	return score
}
