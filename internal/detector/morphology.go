package detector

// dilate grows the mask by rx pixels horizontally and ry pixels vertically.
// The structuring element is a (2rx+1)x(2ry+1) rectangle, applied as two
// separable passes over running sums.
func dilate(mask []bool, w, h, rx, ry int) []bool {
	out := mask
	if rx > 0 {
		out = dilateRows(out, w, h, rx)
	}
	if ry > 0 {
		out = dilateCols(out, w, h, ry)
	}
	if rx <= 0 && ry <= 0 {
		out = make([]bool, len(mask))
		copy(out, mask)
	}
	return out
}

func dilateRows(mask []bool, w, h, r int) []bool {
	out := make([]bool, len(mask))
	prefix := make([]int, w+1)
	for y := range h {
		row := mask[y*w : (y+1)*w]
		for x, v := range row {
			prefix[x+1] = prefix[x]
			if v {
				prefix[x+1]++
			}
		}
		for x := range w {
			lo := max(0, x-r)
			hi := min(w, x+r+1)
			out[y*w+x] = prefix[hi]-prefix[lo] > 0
		}
	}
	return out
}

func dilateCols(mask []bool, w, h, r int) []bool {
	out := make([]bool, len(mask))
	prefix := make([]int, h+1)
	for x := range w {
		for y := range h {
			prefix[y+1] = prefix[y]
			if mask[y*w+x] {
				prefix[y+1]++
			}
		}
		for y := range h {
			lo := max(0, y-r)
			hi := min(h, y+r+1)
			out[y*w+x] = prefix[hi]-prefix[lo] > 0
		}
	}
	return out
}
