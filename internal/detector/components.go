package detector

import "image"

// components labels 8-connected blobs of merged and returns, for each blob,
// the bounding box of the original ink pixels it covers. Blobs without ink
// are skipped.
func components(merged, ink []bool, w, h int) []image.Rectangle {
	visited := make([]bool, w*h)
	var boxes []image.Rectangle
	var stack []int

	for start := range merged {
		if !merged[start] || visited[start] {
			continue
		}
		visited[start] = true
		stack = append(stack[:0], start)

		minX, minY := w, h
		maxX, maxY := -1, -1
		for len(stack) > 0 {
			ci := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cx, cy := ci%w, ci/w
			if ink[ci] {
				minX = min(minX, cx)
				minY = min(minY, cy)
				maxX = max(maxX, cx)
				maxY = max(maxY, cy)
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := cx+dx, cy+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					ni := ny*w + nx
					if merged[ni] && !visited[ni] {
						visited[ni] = true
						stack = append(stack, ni)
					}
				}
			}
		}
		if maxX < 0 {
			continue
		}
		boxes = append(boxes, image.Rect(minX, minY, maxX+1, maxY+1))
	}
	return boxes
}
