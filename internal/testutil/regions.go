package testutil

import (
	"context"
	"image"
	"sync/atomic"

	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/imagestore"
)

// Marked region images carry their region id in the corner pixels so fakes
// can tell which region they were given and whether it was rotated by 180°:
// the top-left pixel holds id+1 and the bottom-right pixel holds markCorner.
const (
	markCorner  = 200
	MarkedWidth = 40
	// MarkedHeight is the height of a marked region image.
	MarkedHeight = 12
	// MaxMarkedID is the largest id a marked region can carry.
	MaxMarkedID = markCorner - 2
)

// MarkedRegionImage returns a grayscale region image carrying id.
func MarkedRegionImage(id int) *image.Gray {
	if id < 0 || id > MaxMarkedID {
		panic("testutil: marked region id out of range")
	}
	g := image.NewGray(image.Rect(0, 0, MarkedWidth, MarkedHeight))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	g.Pix[0] = uint8(id + 1)
	g.Pix[len(g.Pix)-1] = markCorner
	return g
}

// RegionID decodes a marked region image. ok is false for unmarked images.
func RegionID(img image.Image) (id int, flipped, ok bool) {
	if img == nil {
		return 0, false, false
	}
	g := imagestore.ToGray(img)
	if len(g.Pix) < 2 {
		return 0, false, false
	}
	b := g.Bounds()
	tl := g.GrayAt(b.Min.X, b.Min.Y).Y
	br := g.GrayAt(b.Max.X-1, b.Max.Y-1).Y
	switch {
	case br == markCorner && tl >= 1 && tl <= MaxMarkedID+1:
		return int(tl) - 1, false, true
	case tl == markCorner && br >= 1 && br <= MaxMarkedID+1:
		return int(br) - 1, true, true
	}
	return 0, false, false
}

// MarkedBox is the box reported for marked region i.
func MarkedBox(i int) image.Rectangle {
	y := 10 + i*(MarkedHeight+8)
	return image.Rect(10, y, 10+MarkedWidth, y+MarkedHeight)
}

// MarkedRegions allocates n marked regions from store in top-to-bottom order.
func MarkedRegions(store *imagestore.Store, n int) ([]detector.Region, error) {
	regions := make([]detector.Region, 0, n)
	for i := range n {
		h, err := store.Wrap(MarkedRegionImage(i))
		if err != nil {
			detector.Release(regions)
			return nil, err
		}
		regions = append(regions, detector.Region{Image: h, Box: MarkedBox(i)})
	}
	return regions, nil
}

// ScriptedDetector returns Count marked regions for any input image.
type ScriptedDetector struct {
	Store *imagestore.Store
	Count int
	Skew  float64
	Err   error

	calls atomic.Int32
}

// Detect implements the preprocessor's region detector contract.
func (d *ScriptedDetector) Detect(ctx context.Context, h *imagestore.Handle) ([]detector.Region, float64, error) {
	d.calls.Add(1)
	if d.Err != nil {
		return nil, 0, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if h.Released() {
		return nil, 0, imagestore.ErrReleased
	}
	regions, err := MarkedRegions(d.Store, d.Count)
	if err != nil {
		return nil, 0, err
	}
	return regions, d.Skew, nil
}

// Calls returns how many times Detect ran.
func (d *ScriptedDetector) Calls() int { return int(d.calls.Load()) }
